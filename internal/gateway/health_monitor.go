package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/dialer"
	"github.com/resin-proxy/proxyhaven/internal/fingerprint"
	"github.com/resin-proxy/proxyhaven/internal/scanloop"
)

// DefaultProbeInterval is how often the health monitor sweeps the pool.
const DefaultProbeInterval = 15 * time.Second

// DefaultProbeTimeout bounds a single member's HTTPS probe.
const DefaultProbeTimeout = 5 * time.Second

// probeJitter keeps concurrent gateway instances from synchronizing ticks.
const probeJitter = 3 * time.Second

// probeURL is the fixed HTTPS target probed against every pool member,
// matching the gateway's own validation traffic shape.
const probeURL = "https://www.google.com"

// HealthMonitor periodically probes every pool member and evicts any that
// accumulate 3 consecutive failures, pushing the negative signal back into
// the catalog so the pipeline/lifecycle views stay consistent.
type HealthMonitor struct {
	Pool     *Pool
	Store    *catalog.Store
	Interval time.Duration
	Timeout  time.Duration
}

func NewHealthMonitor(pool *Pool, store *catalog.Store) *HealthMonitor {
	return &HealthMonitor{
		Pool:     pool,
		Store:    store,
		Interval: DefaultProbeInterval,
		Timeout:  DefaultProbeTimeout,
	}
}

// Run loops Sweep at a jittered interval until stopCh closes.
func (m *HealthMonitor) Run(ctx context.Context, stopCh <-chan struct{}) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	scanloop.Run(stopCh, interval, probeJitter, func() { m.Sweep(ctx) })
}

// Sweep probes every current pool member once, evicting and demoting the
// catalog health of any that fail out, then tops the pool up from the
// catalog if it has dropped below its low-water mark (see NeedsRefill).
func (m *HealthMonitor) Sweep(ctx context.Context) {
	members := m.Pool.Members()
	for _, member := range members {
		ok := m.probe(ctx, member)
		if member.RecordProbe(ok) {
			m.Pool.Evict(member)
			ip, port, _ := member.upstreamSpec()
			m.Store.UpdateHealth(ctx, ip, port, false)
		}
	}
	if m.Pool.NeedsRefill() {
		m.Pool.Refill(ctx)
	}
}

func (m *HealthMonitor) probe(ctx context.Context, member *Member) bool {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ip, port, protocol := member.upstreamSpec()
	d, err := dialer.New(dialer.Upstream{IP: ip, Port: port, Protocol: protocol})
	if err != nil {
		return false
	}
	tlsDialer := fingerprint.New(d)
	client := &http.Client{Transport: tlsDialer.Transport(), Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
