// Package model defines the fixed record types the catalog persists and
// the gateway consumes. Nothing here touches storage or network code.
package model

import "time"

// Protocol identifies which proxy protocol a ProxyRecord was last validated
// under.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// Valid reports whether p is one of the three supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolSOCKS4, ProtocolSOCKS5:
		return true
	default:
		return false
	}
}

// AllProtocols is the fixed probe order used by validate-all-protocols:
// SOCKS5 first (richest), then SOCKS4, then HTTP.
var AllProtocols = []Protocol{ProtocolSOCKS5, ProtocolSOCKS4, ProtocolHTTP}

// Anonymity classifies how much of the caller's identity a proxy leaks.
type Anonymity string

const (
	AnonymityElite       Anonymity = "elite"
	AnonymityAnonymous   Anonymity = "anonymous"
	AnonymityTransparent Anonymity = "transparent"
	AnonymityUnknown     Anonymity = "unknown"
)

// UnknownCountry is the sentinel ISO-3166 code used when geolocation could
// not resolve an answer.
const UnknownCountry = "XX"

// UnknownISP is the sentinel ISP string used when geolocation or the first
// save of a record leaves the field unpopulated.
const UnknownISP = "Unknown"

// EvictThreshold is the default health floor below which a ProxyRecord is
// garbage-collected by the lifecycle cleanup pass.
const EvictThreshold = 40

// ProxyKey is the catalog's primary key: (ip, port).
type ProxyKey struct {
	IP   string
	Port int
}

// ProxyRecord is the catalog entry for a single validated proxy.
type ProxyRecord struct {
	IP       string
	Port     int
	Protocol Protocol

	Anonymity Anonymity
	Country   string
	Region    string
	City      string
	ISP       string
	Org       string

	ResponseTimeMS int
	LastChecked    time.Time

	HealthScore  int
	SuccessCount int
	FailCount    int
}

// Key returns the record's primary key.
func (r ProxyRecord) Key() ProxyKey {
	return ProxyKey{IP: r.IP, Port: r.Port}
}

// ClampHealth clamps a health score into [0, 100].
func ClampHealth(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// SubnetIntel tracks scan productivity for a single /24.
type SubnetIntel struct {
	SubnetPrefix string // e.g. "1.2.3.0/24"
	ISP          string
	TotalScanned int
	TotalFound   int
	YieldScore   float64
	LastUpdated  time.Time
}

// PoolBucket classifies a proxy by observed latency for the derived,
// non-load-bearing PoolAssignment view.
type PoolBucket string

const (
	PoolBucketFast   PoolBucket = "fast"   // < 1000ms
	PoolBucketMedium PoolBucket = "medium" // < 3000ms
	PoolBucketSlow   PoolBucket = "slow"
)

// PoolAssignment is a derived, rebuild-on-demand view of the catalog; it is
// never the source of truth.
type PoolAssignment struct {
	IP     string
	Port   int
	Bucket PoolBucket
}

// BucketForLatency returns the PoolBucket a given latency falls into,
// matching the thresholds used by the catalog's pool-assignment helper.
func BucketForLatency(ms int) PoolBucket {
	switch {
	case ms < 1000:
		return PoolBucketFast
	case ms < 3000:
		return PoolBucketMedium
	default:
		return PoolBucketSlow
	}
}

// Subnet24 derives the /24 prefix string for an IPv4 dotted quad, e.g.
// "1.2.3.4" -> "1.2.3.0/24". Returns "" if ip isn't a parseable IPv4 quad.
func Subnet24(ip string) string {
	a, b, c, ok := splitFirstThreeOctets(ip)
	if !ok {
		return ""
	}
	return a + "." + b + "." + c + ".0/24"
}

func splitFirstThreeOctets(ip string) (a, b, c string, ok bool) {
	parts := make([]string, 0, 4)
	start := 0
	for i := 0; i <= len(ip); i++ {
		if i == len(ip) || ip[i] == '.' {
			if i == start {
				return "", "", "", false
			}
			parts = append(parts, ip[start:i])
			start = i + 1
		}
	}
	if len(parts) != 4 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ScanSpec is the targeted scan specification the subnet-intelligence
// feedback loop emits for the next scan round. The core only produces this
// value; it never executes a scanner.
type ScanSpec struct {
	CIDRs []string
	Rate  int
	Ports []int
}
