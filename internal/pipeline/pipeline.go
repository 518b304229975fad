// Package pipeline orchestrates raw candidates through the Liveness
// Prober and Protocol Validator, persisting survivors to the catalog and
// feeding the subnet-intelligence feedback loop. Concurrency is bounded by
// a single global semaphore; there is no per-host queuing since every
// catalog write is an idempotent upsert.
package pipeline

import (
	"context"
	"log"
	"strconv"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/model"
)

// DefaultConcurrency is the global bound on candidates simultaneously in
// the liveness+validation stages when the caller doesn't override it.
const DefaultConcurrency = 200

// LivenessProber is the subset of *liveness.Prober the pipeline depends on.
type LivenessProber interface {
	Verify(ctx context.Context, ip string, port int) bool
}

// ProtocolValidator is the subset of *validator.Validator the pipeline
// depends on.
type ProtocolValidator interface {
	ValidateAllProtocols(ctx context.Context, ip string, port int) []model.ProxyRecord
}

// Pipeline runs candidates through Liveness -> Validator -> Catalog.
type Pipeline struct {
	Store       *catalog.Store
	Prober      LivenessProber
	Validator   ProtocolValidator
	Concurrency int

	inFlight *xsync.Map[string, struct{}]
}

// New builds a Pipeline with the documented default concurrency when
// concurrency <= 0.
func New(store *catalog.Store, prober LivenessProber, v ProtocolValidator, concurrency int) *Pipeline {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pipeline{
		Store:       store,
		Prober:      prober,
		Validator:   v,
		Concurrency: concurrency,
		inFlight:    xsync.NewMap[string, struct{}](),
	}
}

func candidateKey(c Candidate) string {
	return c.IP + ":" + strconv.Itoa(c.Port)
}

// Run drains candidates through the pipeline, returning once every
// candidate has been processed (dropped at liveness, validated and saved,
// or validated and found dead). Partial failure never aborts the batch:
// each candidate's errors are independent of its siblings.
func (p *Pipeline) Run(ctx context.Context, candidates []Candidate) {
	sem := make(chan struct{}, p.Concurrency)
	done := make(chan struct{}, len(candidates))

	for _, c := range candidates {
		key := candidateKey(c)
		if _, loaded := p.inFlight.LoadOrStore(key, struct{}{}); loaded {
			done <- struct{}{}
			continue
		}

		sem <- struct{}{}
		go func(c Candidate, key string) {
			defer func() {
				<-sem
				p.inFlight.Delete(key)
				done <- struct{}{}
			}()
			p.processOne(ctx, c)
		}(c, key)
	}

	for range candidates {
		<-done
	}
}

func (p *Pipeline) processOne(ctx context.Context, c Candidate) {
	if !p.Prober.Verify(ctx, c.IP, c.Port) {
		return
	}

	records := p.Validator.ValidateAllProtocols(ctx, c.IP, c.Port)
	for _, rec := range records {
		if err := p.Store.SaveProxy(ctx, rec); err != nil {
			log.Printf("pipeline: save proxy %s:%d failed: %v", rec.IP, rec.Port, err)
			continue
		}
		if err := p.Store.UpdateSubnetIntel(ctx, rec.IP, rec.ISP, 1); err != nil {
			log.Printf("pipeline: update subnet intel for %s failed: %v", rec.IP, err)
		}
	}
}
