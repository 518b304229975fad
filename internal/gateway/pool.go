package gateway

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/model"
)

// MemberState is a hot-pool member's position in the per-member state
// machine: Fresh (never probed) -> Healthy <-> Suspect(k) -> Evicted.
type MemberState int

const (
	StateFresh MemberState = iota
	StateHealthy
	StateSuspect
	StateEvicted
)

// DefaultPoolSize is the default number of candidates seeded into the hot
// pool from the catalog.
const DefaultPoolSize = 10

// MaxConsecutiveFailures is how many consecutive probe failures a member
// tolerates before eviction.
const MaxConsecutiveFailures = 3

// Member is a single hot-pool entry.
type Member struct {
	Record model.ProxyRecord

	state               atomic.Int32
	consecutiveFailures atomic.Int32
}

func (m *Member) upstreamSpec() (ip string, port int, protocol model.Protocol) {
	return m.Record.IP, m.Record.Port, m.Record.Protocol
}

// RecordProbe updates a member's state machine after a health-monitor
// probe; it returns true if the member should now be evicted.
func (m *Member) RecordProbe(ok bool) (evicted bool) {
	if ok {
		m.state.Store(int32(StateHealthy))
		m.consecutiveFailures.Store(0)
		return false
	}
	n := m.consecutiveFailures.Add(1)
	if n >= MaxConsecutiveFailures {
		m.state.Store(int32(StateEvicted))
		return true
	}
	m.state.Store(int32(StateSuspect))
	return false
}

func (m *Member) State() MemberState {
	return MemberState(m.state.Load())
}

// Pool is the rotating gateway's hot pool: a small set of catalog-sourced
// upstreams, keyed by (ip, port), selected by rotation for each inbound
// request. Member state mutates concurrently from the health monitor and
// is read concurrently from every inbound request, so membership lives in
// an xsync.Map rather than behind a single coarse lock.
type Pool struct {
	Store *catalog.Store
	Size  int

	members *xsync.Map[model.ProxyKey, *Member]
}

// NewPool builds an (initially empty) Pool; call Refill to seed it.
func NewPool(store *catalog.Store, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{Store: store, Size: size, members: xsync.NewMap[model.ProxyKey, *Member]()}
}

// Refill tops the pool up from the catalog: records with health_score >
// 50, ordered by ascending latency, filling empty slots up to Size.
// Surviving members (anything not evicted) are kept rather than replaced
// outright, so a low-water-mark top-up doesn't churn a still-healthy pool.
func (p *Pool) Refill(ctx context.Context) error {
	records, err := p.Store.GetProxies(ctx, "", p.Size*4)
	if err != nil {
		return fmt.Errorf("gateway: refill pool: %w", err)
	}

	p.members.Range(func(key model.ProxyKey, m *Member) bool {
		if m.State() == StateEvicted {
			p.members.Delete(key)
		}
		return true
	})

	for _, r := range records {
		if p.members.Size() >= p.Size {
			break
		}
		if r.HealthScore <= 50 {
			continue
		}
		p.members.LoadOrStore(r.Key(), &Member{Record: r})
	}
	return nil
}

// snapshot collects the current membership into a slice for selection,
// sorted by key for a stable order across calls — xsync.Map's Range order
// is unspecified, and RoundRobinPicker's sequencing depends on a stable
// snapshot between picks when membership hasn't changed. The pool is
// small (≤ Size, typically 10), so sorting on every pick is cheap.
func (p *Pool) snapshot() []*Member {
	out := make([]*Member, 0, p.members.Size())
	p.members.Range(func(_ model.ProxyKey, m *Member) bool {
		out = append(out, m)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Record.Key(), out[j].Record.Key()
		if a.IP != b.IP {
			return a.IP < b.IP
		}
		return a.Port < b.Port
	})
	return out
}

// Pick selects a member uniformly at random, matching the original's
// random.choice rotation strategy. Returns (nil, false) if the pool is
// empty.
func (p *Pool) Pick() (*Member, bool) {
	members := p.snapshot()
	if len(members) == 0 {
		return nil, false
	}
	return members[rand.IntN(len(members))], true
}

// RoundRobinPicker selects the next member in sequence, wrapping around.
// Provided for the `round-robin` rotation strategy alongside `random`.
type RoundRobinPicker struct {
	pool *Pool
	mu   sync.Mutex
	next int
}

func NewRoundRobinPicker(p *Pool) *RoundRobinPicker {
	return &RoundRobinPicker{pool: p}
}

func (r *RoundRobinPicker) Pick() (*Member, bool) {
	members := r.pool.snapshot()
	if len(members) == 0 {
		return nil, false
	}
	r.mu.Lock()
	idx := r.next % len(members)
	r.next++
	r.mu.Unlock()
	return members[idx], true
}

// Members returns a snapshot of the current pool membership.
func (p *Pool) Members() []*Member {
	return p.snapshot()
}

// Evict removes member from the pool, if present.
func (p *Pool) Evict(member *Member) {
	p.members.Delete(member.Record.Key())
}

// Empty reports whether the pool currently has no members.
func (p *Pool) Empty() bool {
	return p.members.Size() == 0
}

// NeedsRefill reports whether the pool has dropped below its low-water
// mark (half of Size) and should be topped up from the catalog, rather
// than waiting until it runs completely dry.
func (p *Pool) NeedsRefill() bool {
	return p.members.Size() < p.Size/2
}
