package subnetintel

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
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

func TestGenerateEmitsOneSpecPerSubnet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpdateSubnetIntel(ctx, "1.2.3.4", "ISP-A", 5); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.UpdateSubnetIntel(ctx, "5.6.7.8", "ISP-B", 2); err != nil {
		t.Fatalf("update: %v", err)
	}

	g := New(store)
	specs, err := g.Generate(ctx, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("want 2 specs, got %d", len(specs))
	}
	// Ordered by descending yield: ISP-A's /24 should come first.
	if specs[0].CIDRs[0] != "1.2.3.0/24" {
		t.Errorf("want highest-yield subnet first, got %+v", specs)
	}
	if specs[0].Rate != DefaultRate {
		t.Errorf("want default rate, got %d", specs[0].Rate)
	}
}

func TestGenerateCombinedMergesCIDRs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	store.UpdateSubnetIntel(ctx, "1.2.3.4", "ISP-A", 1)
	store.UpdateSubnetIntel(ctx, "5.6.7.8", "ISP-A", 1)

	g := New(store)
	combined, err := g.GenerateCombined(ctx, "")
	if err != nil {
		t.Fatalf("GenerateCombined: %v", err)
	}
	if len(combined.CIDRs) != 2 {
		t.Fatalf("want 2 CIDRs merged, got %+v", combined.CIDRs)
	}
}

func TestGenerateEmptyCatalog(t *testing.T) {
	store := openTestStore(t)
	g := New(store)
	specs, err := g.Generate(context.Background(), "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("want no specs, got %+v", specs)
	}
}
