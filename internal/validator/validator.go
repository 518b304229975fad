// Package validator runs the per-protocol check that turns a raw
// (ip, port, protocol) candidate into a scored model.ProxyRecord: a
// two-pass reachability check, anonymity classification, and geolocation.
package validator

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"strings"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/dialer"
	"github.com/resin-proxy/proxyhaven/internal/fingerprint"
	"github.com/resin-proxy/proxyhaven/internal/geoip"
	"github.com/resin-proxy/proxyhaven/internal/model"
)

const (
	defaultTimeout  = 8 * time.Second
	anonymityProbeTimeout = 5 * time.Second
	strictCheckURL  = "https://www.google.com"
	fallbackCheckURL = "http://httpbin.org/get"
	anonymityEchoURL = "http://httpbin.org/get"
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// proxyLeakHeaders are the response-echoed headers that reveal a forward
// proxy sat in the path, checked case-insensitively.
var proxyLeakHeaders = []string{
	"Via", "X-Forwarded-For", "X-Forwarded", "Forwarded-For", "Forwarded", "Client-Ip", "X-Real-Ip",
}

// Validator checks candidates against the fixed validation algorithm.
type Validator struct {
	Geo          *geoip.Client
	Timeout      time.Duration
	CallerEgress string // resolved once at process startup; see ResolveEgressIP

	// StrictCheckURL and FallbackCheckURL are the judge URLs used by passA
	// and passB respectively. Configurable so an operator can point away
	// from the defaults if they become unreliable; empty means the
	// built-in default.
	StrictCheckURL   string
	FallbackCheckURL string
}

// New builds a Validator. callerEgress is the caller's own observable
// public IP, resolved once at startup (see ResolveEgressIP) and reused for
// the lifetime of the process.
func New(geo *geoip.Client, callerEgress string) *Validator {
	return &Validator{
		Geo:              geo,
		Timeout:          defaultTimeout,
		CallerEgress:     callerEgress,
		StrictCheckURL:   strictCheckURL,
		FallbackCheckURL: fallbackCheckURL,
	}
}

func (v *Validator) strictURL() string {
	if v.StrictCheckURL != "" {
		return v.StrictCheckURL
	}
	return strictCheckURL
}

func (v *Validator) fallbackURL() string {
	if v.FallbackCheckURL != "" {
		return v.FallbackCheckURL
	}
	return fallbackCheckURL
}

// CheckProxy validates a single (ip, port) under protocol. It returns
// (record, true) on success, or (zero, false) if neither pass succeeded.
// Only infrastructure faults outside the proxy's control are not expected
// here — every proxy-side failure (refused, TLS error, 4xx/5xx, timeout)
// collapses to a plain "not working" result, never an error.
func (v *Validator) CheckProxy(ctx context.Context, ip string, port int, protocol model.Protocol) (model.ProxyRecord, bool) {
	timeout := v.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	upstream := dialer.Upstream{IP: ip, Port: port, Protocol: protocol}
	d, err := dialer.New(upstream)
	if err != nil {
		return model.ProxyRecord{}, false
	}

	tlsDialer := fingerprint.New(d)
	client := &http.Client{
		Transport: tlsDialer.Transport(),
		Timeout:   timeout,
	}

	latency, ok := v.passA(ctx, client)
	if !ok {
		ok = v.passB(ctx, client)
		latency = 0
	}
	if !ok {
		return model.ProxyRecord{}, false
	}

	anonymity := v.classifyAnonymity(ctx, client)

	geo := v.Geo.Lookup(ctx, ip)

	return model.ProxyRecord{
		IP:             ip,
		Port:           port,
		Protocol:       protocol,
		Anonymity:      anonymity,
		Country:        geo.Country,
		ISP:            geo.ISP,
		Org:            geo.Org,
		ResponseTimeMS: int(latency / time.Millisecond),
		LastChecked:    time.Now().UTC(),
		HealthScore:    100,
		SuccessCount:   1,
		FailCount:      0,
	}, true
}

// passA issues the strict CONNECT-class check and returns the latency from
// issuing the request to the first response byte on success.
func (v *Validator) passA(ctx context.Context, client *http.Client) (time.Duration, bool) {
	var latency time.Duration
	start := time.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { latency = time.Since(start) },
	}
	reqCtx := httptrace.WithClientTrace(ctx, trace)

	resp, ok := v.get(reqCtx, client, v.strictURL())
	if !ok {
		return 0, false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusMovedPermanently, http.StatusFound:
		return latency, true
	default:
		return 0, false
	}
}

// passB is the plain-HTTP fallback check, attempted only when passA fails.
func (v *Validator) passB(ctx context.Context, client *http.Client) bool {
	return v.getOK(ctx, client, v.fallbackURL())
}

// getOK issues a GET against url and reports whether it returned 200.
func (v *Validator) getOK(ctx context.Context, client *http.Client, url string) bool {
	resp, ok := v.get(ctx, client, url)
	if !ok {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

type echoResponse struct {
	Headers map[string]string `json:"headers"`
}

// classifyAnonymity issues a header-echo request and compares the echoed
// leak headers against the caller's own observable egress address.
func (v *Validator) classifyAnonymity(ctx context.Context, client *http.Client) model.Anonymity {
	ctx, cancel := context.WithTimeout(ctx, anonymityProbeTimeout)
	defer cancel()
	return v.classifyAnonymityAt(ctx, client, anonymityEchoURL)
}

// classifyAnonymityAt is classifyAnonymity against an explicit echo URL,
// split out so tests can point it at a local stand-in server.
func (v *Validator) classifyAnonymityAt(ctx context.Context, client *http.Client, echoURL string) model.Anonymity {
	resp, ok := v.get(ctx, client, echoURL)
	if !ok {
		return model.AnonymityUnknown
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.AnonymityUnknown
	}

	var echo echoResponse
	if err := json.NewDecoder(resp.Body).Decode(&echo); err != nil {
		return model.AnonymityUnknown
	}

	var leaked []string
	for _, want := range proxyLeakHeaders {
		for k, hv := range echo.Headers {
			if strings.EqualFold(k, want) {
				leaked = append(leaked, hv)
			}
		}
	}
	if len(leaked) == 0 {
		return model.AnonymityElite
	}
	if v.CallerEgress != "" {
		for _, val := range leaked {
			if strings.Contains(val, v.CallerEgress) {
				return model.AnonymityTransparent
			}
		}
	}
	return model.AnonymityAnonymous
}

func (v *Validator) get(ctx context.Context, client *http.Client, url string) (*http.Response, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, false
	}
	return resp, true
}

// ValidateAllProtocols checks socks5, socks4, and http concurrently,
// mirroring the fan-out over all three that a candidate can legitimately
// answer on more than one of. Results are not short-circuited at first
// success.
func (v *Validator) ValidateAllProtocols(ctx context.Context, ip string, port int) []model.ProxyRecord {
	type result struct {
		rec model.ProxyRecord
		ok  bool
	}
	resultsCh := make(chan result, len(model.AllProtocols))

	for _, proto := range model.AllProtocols {
		proto := proto
		go func() {
			rec, ok := v.CheckProxy(ctx, ip, port, proto)
			resultsCh <- result{rec: rec, ok: ok}
		}()
	}

	var out []model.ProxyRecord
	for range model.AllProtocols {
		r := <-resultsCh
		if r.ok {
			out = append(out, r.rec)
		}
	}
	return out
}

// ResolveEgressIP performs a single direct (non-proxied) GET against an
// IP-echo endpoint to learn the process's own observable public address.
// The body may be a bare IP, or an httpbin-style JSON object whose "origin"
// field holds it (the first address when several are listed).
// Called once at startup; the result is cached for the process lifetime
// per the design note preferring a real egress-IP comparison over a bare
// header-presence heuristic.
func ResolveEgressIP(ctx context.Context, echoURL string) (string, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, echoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	var echo struct {
		Origin string `json:"origin"`
	}
	if json.Unmarshal(body, &echo) == nil && echo.Origin != "" {
		ip = strings.TrimSpace(strings.Split(echo.Origin, ",")[0])
	}
	if net.ParseIP(ip) == nil {
		return "", &net.ParseError{Type: "IP address", Text: ip}
	}
	return ip, nil
}
