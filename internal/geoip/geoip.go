// Package geoip implements the Geolocation Client: single and batch
// ip -> {country, isp, org} lookups against a rate-limited HTTP backend,
// with a bounded positive-result cache and an optional offline fast path.
// A lookup never returns an error to the caller; on any failure the result
// degrades to the "unknown" sentinel values.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maypok86/otter"
	"golang.org/x/time/rate"

	"github.com/resin-proxy/proxyhaven/internal/model"
)

// Result is the answer to a single lookup. Country is always a valid
// ISO-3166 alpha-2 code or model.UnknownCountry; ISP/Org are free text or
// model.UnknownISP / "" when unavailable.
type Result struct {
	Country     string
	CountryName string
	ISP         string
	Org         string
}

func unknownResult() Result {
	return Result{Country: model.UnknownCountry, CountryName: "Unknown", ISP: model.UnknownISP}
}

// OfflineReader is the interface an optional local database (e.g. a
// MaxMind-format GeoLite2 country database) must satisfy to serve as a
// zero-rate-limit fast path. Only country-level data is read from it: an
// offline hit is returned as-is with ISP model.UnknownISP and an empty Org,
// and the HTTP backend is not consulted for that IP.
type OfflineReader interface {
	LookupCountry(ip string) (iso2 string, ok bool)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the single-lookup endpoint's base, queried as
	// BaseURL + ip + "?fields=...". Defaults to ip-api.com's free endpoint,
	// matching the backend the original source talks to.
	BaseURL string
	// BatchURL is the batch endpoint, posted a JSON array of queries.
	BatchURL string
	// RequestsPerMinute bounds outbound HTTP calls against the backend's
	// documented ceiling (default 45, per SPEC_FULL.md §4.2).
	RequestsPerMinute int
	// CacheSize bounds the positive-result cache (default 4096).
	CacheSize int
	// HTTPClient is used for all backend calls; defaults to a client with
	// an 8s timeout.
	HTTPClient *http.Client
	// Offline, if set, is consulted before any rate-limited HTTP call.
	Offline OfflineReader
}

const (
	defaultBaseURL          = "http://ip-api.com/json/"
	defaultBatchURL         = "http://ip-api.com/batch"
	defaultRequestsPerMin   = 45
	defaultCacheSize        = 4096
	batchChunkSize          = 100
	defaultHTTPCallTimeout  = 8 * time.Second
	singleLookupQueryFields = "status,country,countryCode,isp,org"
)

// Client is the Geolocation Client.
type Client struct {
	baseURL    string
	batchURL   string
	httpClient *http.Client
	limiter    *rate.Limiter
	cache      otter.Cache[string, Result]
	offline    OfflineReader
}

// New builds a Client from cfg, applying documented defaults for zero
// values.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.BatchURL == "" {
		cfg.BatchURL = defaultBatchURL
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMin
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPCallTimeout}
	}

	cache, err := otter.MustBuilder[string, Result](cfg.CacheSize).
		Cost(func(_ string, _ Result) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("geoip: failed to build cache: " + err.Error())
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		batchURL:   cfg.BatchURL,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1),
		cache:      cache,
		offline:    cfg.Offline,
	}
}

// Lookup resolves a single IP. It never returns an error: on any failure
// the result degrades to the GeoUnknown sentinel values.
func (c *Client) Lookup(ctx context.Context, ip string) Result {
	if r, ok := c.cache.Get(ip); ok {
		return r
	}

	if c.offline != nil {
		if iso2, ok := c.offline.LookupCountry(ip); ok && iso2 != "" {
			return Result{Country: strings.ToUpper(iso2), CountryName: "Unknown", ISP: model.UnknownISP}
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return unknownResult()
	}

	r, ok := c.fetchSingle(ctx, ip)
	if !ok {
		return unknownResult()
	}
	c.cache.Set(ip, r)
	return r
}

// LookupBatch resolves many IPs at once, partitioning into backend-sized
// chunks of at most 100 and issuing them serially, per SPEC_FULL.md §4.2.
// Offline-resolvable and already-cached IPs never touch the network.
func (c *Client) LookupBatch(ctx context.Context, ips []string) map[string]Result {
	out := make(map[string]Result, len(ips))
	var remaining []string

	for _, ip := range ips {
		if r, ok := c.cache.Get(ip); ok {
			out[ip] = r
			continue
		}
		if c.offline != nil {
			if iso2, ok := c.offline.LookupCountry(ip); ok && iso2 != "" {
				out[ip] = Result{Country: strings.ToUpper(iso2), CountryName: "Unknown", ISP: model.UnknownISP}
				continue
			}
		}
		remaining = append(remaining, ip)
	}

	for start := 0; start < len(remaining); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(remaining) {
			end = len(remaining)
		}
		chunk := remaining[start:end]

		if err := c.limiter.Wait(ctx); err != nil {
			for _, ip := range chunk {
				out[ip] = unknownResult()
			}
			continue
		}

		results, err := c.fetchBatch(ctx, chunk)
		if err != nil {
			for _, ip := range chunk {
				out[ip] = unknownResult()
			}
			continue
		}
		for _, ip := range chunk {
			r, ok := results[ip]
			if !ok {
				r = unknownResult()
			} else {
				c.cache.Set(ip, r)
			}
			out[ip] = r
		}
	}

	return out
}

type singleLookupResponse struct {
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
}

func (c *Client) fetchSingle(ctx context.Context, ip string) (Result, bool) {
	reqURL := c.baseURL + url.PathEscape(ip) + "?fields=" + singleLookupQueryFields
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Result{}, false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, false
	}

	var body singleLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, false
	}
	if body.Status != "success" {
		return Result{}, false
	}
	return Result{
		Country:     body.CountryCode,
		CountryName: body.Country,
		ISP:         orDefault(body.ISP, model.UnknownISP),
		Org:         body.Org,
	}, true
}

type batchQuery struct {
	Query  string `json:"query"`
	Fields string `json:"fields"`
}

type batchLookupResponse struct {
	Query       string `json:"query"`
	Status      string `json:"status"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	ISP         string `json:"isp"`
	Org         string `json:"org"`
}

func (c *Client) fetchBatch(ctx context.Context, ips []string) (map[string]Result, error) {
	payload := make([]batchQuery, len(ips))
	for i, ip := range ips {
		payload[i] = batchQuery{Query: ip, Fields: "query,status,country,countryCode,isp,org"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("geoip: marshal batch payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.batchURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geoip: batch lookup status %d", resp.StatusCode)
	}

	var items []batchLookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("geoip: decode batch response: %w", err)
	}

	out := make(map[string]Result, len(items))
	for _, item := range items {
		if item.Status != "success" {
			out[item.Query] = unknownResult()
			continue
		}
		out[item.Query] = Result{
			Country:     item.CountryCode,
			CountryName: item.Country,
			ISP:         orDefault(item.ISP, model.UnknownISP),
			Org:         item.Org,
		}
	}
	return out, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
