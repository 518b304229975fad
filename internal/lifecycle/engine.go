// Package lifecycle implements the background health engine: a periodic
// re-verify sweep that boosts or decays every catalog entry's health
// score, followed by a cleanup pass that evicts entries that have decayed
// past the threshold.
package lifecycle

import (
	"context"
	"log"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/model"
	"github.com/resin-proxy/proxyhaven/internal/scanloop"
)

const (
	// DefaultInterval is the period between sweeps in daemon mode.
	DefaultInterval = 300 * time.Second
	// DefaultSweepLimit bounds how many records a single sweep re-verifies.
	DefaultSweepLimit = 1000
	// sweepJitter keeps concurrent deployments from synchronizing ticks.
	sweepJitter = 20 * time.Second
)

// ProtocolValidator is the subset of *validator.Validator the engine needs.
type ProtocolValidator interface {
	CheckProxy(ctx context.Context, ip string, port int, protocol model.Protocol) (model.ProxyRecord, bool)
}

// Engine runs the periodic re-verify + cleanup sweep.
type Engine struct {
	Store       *catalog.Store
	Validator   ProtocolValidator
	Interval    time.Duration
	SweepLimit  int
	Threshold   int
	Concurrency int
}

// New builds an Engine with documented defaults applied to zero fields.
func New(store *catalog.Store, v ProtocolValidator) *Engine {
	return &Engine{
		Store:       store,
		Validator:   v,
		Interval:    DefaultInterval,
		SweepLimit:  DefaultSweepLimit,
		Threshold:   model.EvictThreshold,
		Concurrency: 50,
	}
}

// RunOnce performs a single re-verify sweep followed by cleanup. Used by
// one-shot mode and as the body of the daemon loop.
func (e *Engine) RunOnce(ctx context.Context) {
	if err := e.reverifySweep(ctx); err != nil {
		log.Printf("lifecycle: reverify sweep failed: %v", err)
	}
	deleted, err := e.Store.CleanupBelow(ctx, e.Threshold)
	if err != nil {
		log.Printf("lifecycle: cleanup failed: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("lifecycle: cleaned up %d dead proxies", deleted)
	}
}

// RunDaemon loops RunOnce at a jittered interval until stopCh closes.
func (e *Engine) RunDaemon(ctx context.Context, stopCh <-chan struct{}) {
	interval := e.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	scanloop.Run(stopCh, interval, sweepJitter, func() { e.RunOnce(ctx) })
}

func (e *Engine) reverifySweep(ctx context.Context) error {
	limit := e.SweepLimit
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	records, err := e.Store.GetProxies(ctx, "", limit)
	if err != nil {
		return err
	}
	log.Printf("lifecycle: re-verifying %d proxies", len(records))

	concurrency := e.Concurrency
	if concurrency <= 0 {
		concurrency = 50
	}
	sem := make(chan struct{}, concurrency)
	done := make(chan struct{}, len(records))

	for _, rec := range records {
		sem <- struct{}{}
		go func(rec model.ProxyRecord) {
			defer func() {
				<-sem
				done <- struct{}{}
			}()
			e.reverifyOne(ctx, rec)
		}(rec)
	}
	for range records {
		<-done
	}
	return nil
}

func (e *Engine) reverifyOne(ctx context.Context, current model.ProxyRecord) {
	fresh, ok := e.Validator.CheckProxy(ctx, current.IP, current.Port, current.Protocol)
	if ok {
		fresh.HealthScore = model.ClampHealth(current.HealthScore + 10)
		fresh.SuccessCount = current.SuccessCount + 1
		fresh.FailCount = current.FailCount
		if err := e.Store.SaveProxy(ctx, fresh); err != nil {
			log.Printf("lifecycle: save reverified proxy %s:%d: %v", current.IP, current.Port, err)
		}
		return
	}

	if err := e.Store.UpdateHealth(ctx, current.IP, current.Port, false); err != nil {
		log.Printf("lifecycle: decay proxy %s:%d: %v", current.IP, current.Port, err)
	}
}
