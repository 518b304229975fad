package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/model"
)

func openTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	st, err := catalog.OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRefillExcludesLowHealthRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.SaveProxy(ctx, model.ProxyRecord{IP: "1.1.1.1", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 80})
	store.SaveProxy(ctx, model.ProxyRecord{IP: "2.2.2.2", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 40})

	pool := NewPool(store, 10)
	if err := pool.Refill(ctx); err != nil {
		t.Fatalf("Refill: %v", err)
	}

	members := pool.Members()
	if len(members) != 1 {
		t.Fatalf("want 1 member above health threshold, got %d", len(members))
	}
	if members[0].Record.IP != "1.1.1.1" {
		t.Errorf("want 1.1.1.1 kept, got %s", members[0].Record.IP)
	}
}

func TestRecordProbeEvictsAtThreeConsecutiveFailures(t *testing.T) {
	m := &Member{Record: model.ProxyRecord{IP: "1.1.1.1", Port: 80}}

	if m.RecordProbe(false) {
		t.Fatal("want no eviction after 1st failure")
	}
	if m.State() != StateSuspect {
		t.Errorf("want Suspect after 1st failure, got %v", m.State())
	}
	if m.RecordProbe(false) {
		t.Fatal("want no eviction after 2nd failure")
	}
	if !m.RecordProbe(false) {
		t.Fatal("want eviction after 3rd consecutive failure")
	}
	if m.State() != StateEvicted {
		t.Errorf("want Evicted, got %v", m.State())
	}
}

func TestRecordProbeSuccessResetsFailureCounter(t *testing.T) {
	m := &Member{Record: model.ProxyRecord{IP: "1.1.1.1", Port: 80}}
	m.RecordProbe(false)
	m.RecordProbe(false)
	if m.RecordProbe(true) {
		t.Fatal("success must never evict")
	}
	if m.State() != StateHealthy {
		t.Errorf("want Healthy after success, got %v", m.State())
	}
	// One more failure must not evict — without the reset it would be the
	// third consecutive failure.
	if m.RecordProbe(false) {
		t.Fatal("want no eviction — failure counter should have reset on success")
	}
}

func TestPoolPickReturnsFalseWhenEmpty(t *testing.T) {
	store := openTestStore(t)
	pool := NewPool(store, 10)
	if _, ok := pool.Pick(); ok {
		t.Fatal("want Pick to report false on an empty pool")
	}
}

func TestEvictRemovesMember(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SaveProxy(ctx, model.ProxyRecord{IP: "1.1.1.1", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90})
	pool := NewPool(store, 10)
	pool.Refill(ctx)

	member, ok := pool.Pick()
	if !ok {
		t.Fatal("want a member")
	}
	pool.Evict(member)
	if !pool.Empty() {
		t.Fatal("want pool empty after evicting its only member")
	}
}

func TestRefillToppingUpKeepsSurvivingMembers(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SaveProxy(ctx, model.ProxyRecord{IP: "1.1.1.1", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90})
	store.SaveProxy(ctx, model.ProxyRecord{IP: "2.2.2.2", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90})

	pool := NewPool(store, 10)
	if err := pool.Refill(ctx); err != nil {
		t.Fatalf("Refill: %v", err)
	}
	first := pool.Members()
	if len(first) != 2 {
		t.Fatalf("want 2 members seeded, got %d", len(first))
	}

	// Mark one member Healthy by surviving a probe, add a third catalog
	// candidate, then top up again — the surviving members must be the
	// same *Member pointers, not re-constructed.
	first[0].RecordProbe(true)
	store.SaveProxy(ctx, model.ProxyRecord{IP: "3.3.3.3", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90})

	if err := pool.Refill(ctx); err != nil {
		t.Fatalf("second Refill: %v", err)
	}
	second := pool.Members()
	if len(second) != 3 {
		t.Fatalf("want 3 members after top-up, got %d", len(second))
	}
	survived := false
	for _, m := range second {
		if m == first[0] {
			survived = true
		}
	}
	if !survived {
		t.Error("want the surviving member's pointer preserved across top-up, not replaced")
	}
}

func TestNeedsRefillReflectsLowWaterMark(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SaveProxy(ctx, model.ProxyRecord{IP: "1.1.1.1", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90})

	pool := NewPool(store, 10)
	if !pool.NeedsRefill() {
		t.Fatal("want an empty pool to need a refill")
	}
	pool.Refill(ctx)
	if !pool.NeedsRefill() {
		t.Fatal("want a pool at 1/10 (below the 5-member low-water mark) to still need a refill")
	}
}

func TestRoundRobinPickerCyclesDeterministically(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.SaveProxy(ctx, model.ProxyRecord{IP: "1.1.1.1", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90, ResponseTimeMS: 10})
	store.SaveProxy(ctx, model.ProxyRecord{IP: "2.2.2.2", Port: 80, Protocol: model.ProtocolHTTP, HealthScore: 90, ResponseTimeMS: 20})
	pool := NewPool(store, 10)
	pool.Refill(ctx)

	rr := NewRoundRobinPicker(pool)
	first, _ := rr.Pick()
	second, _ := rr.Pick()
	third, _ := rr.Pick()
	if first == second {
		t.Fatal("want round-robin to alternate members")
	}
	if first != third {
		t.Fatal("want round-robin to wrap back to the first member")
	}
}
