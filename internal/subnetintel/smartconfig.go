// Package subnetintel closes the scan feedback loop: it reads the
// catalog's most productive /24s and emits targeted scan specifications so
// the next scan round spends its budget where yield has historically been
// highest.
package subnetintel

import (
	"context"
	"fmt"

	"github.com/resin-proxy/proxyhaven/internal/catalog"
	"github.com/resin-proxy/proxyhaven/internal/model"
)

const (
	// DefaultTopN mirrors get_top_subnets(limit=50).
	DefaultTopN = 50
	// DefaultRate is an aggressive masscan-class packet rate, suitable for
	// subnets already known to be productive.
	DefaultRate = 10000
)

// DefaultPorts are the ports scanned by default: the common proxy ports.
var DefaultPorts = []int{80, 8080, 1080, 3128, 8888, 443, 8081}

// Generator emits scan specs from the catalog's subnet-intel table.
type Generator struct {
	Store *catalog.Store
	TopN  int
	Rate  int
	Ports []int
}

// New builds a Generator with documented defaults applied to zero fields.
func New(store *catalog.Store) *Generator {
	return &Generator{Store: store, TopN: DefaultTopN, Rate: DefaultRate, Ports: DefaultPorts}
}

// Generate reads the top subnets (optionally filtered by an ISP substring)
// and emits one ScanSpec per subnet, targeting it directly as a /24 CIDR.
func (g *Generator) Generate(ctx context.Context, ispFilter string) ([]model.ScanSpec, error) {
	topN := g.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	rate := g.Rate
	if rate <= 0 {
		rate = DefaultRate
	}
	ports := g.Ports
	if len(ports) == 0 {
		ports = DefaultPorts
	}

	subnets, err := g.Store.GetTopSubnets(ctx, ispFilter, topN)
	if err != nil {
		return nil, fmt.Errorf("subnetintel: generate: %w", err)
	}

	specs := make([]model.ScanSpec, 0, len(subnets))
	for _, s := range subnets {
		specs = append(specs, model.ScanSpec{
			CIDRs: []string{s.SubnetPrefix},
			Rate:  rate,
			Ports: ports,
		})
	}
	return specs, nil
}

// GenerateCombined is the same query, but collapses every yielded subnet
// into a single ScanSpec with one CIDR list, matching the shape a masscan
// wrapper invocation would expect (one process, many targets).
func (g *Generator) GenerateCombined(ctx context.Context, ispFilter string) (model.ScanSpec, error) {
	specs, err := g.Generate(ctx, ispFilter)
	if err != nil {
		return model.ScanSpec{}, err
	}
	if len(specs) == 0 {
		return model.ScanSpec{}, nil
	}
	combined := model.ScanSpec{Rate: specs[0].Rate, Ports: specs[0].Ports}
	for _, s := range specs {
		combined.CIDRs = append(combined.CIDRs, s.CIDRs...)
	}
	return combined, nil
}
