package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"
)

// mmdbCountryRecord mirrors the subset of a MaxMind country database's
// structure this package reads.
type mmdbCountryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	RegisteredCountry struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"registered_country"`
}

// MMDBService is an optional, zero-rate-limit offline fast path: a locally
// cached MaxMind-format country database, hot-reloadable and refreshed on a
// cron schedule from a GitHub release. It implements OfflineReader, so it
// can be handed to geoip.Config.Offline to be consulted before any HTTP
// lookup is attempted.
type MMDBService struct {
	cfg MMDBConfig

	mu     sync.RWMutex
	reader *maxminddb.Reader

	cron       *cron.Cron
	cronEntry  cron.EntryID
	updateMu   sync.Mutex
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
}

// MMDBConfig configures an MMDBService.
type MMDBConfig struct {
	// CacheDir is where the downloaded database file lives.
	CacheDir string
	// DBFilename names the file within CacheDir (default "country.mmdb").
	DBFilename string
	// UpdateSchedule is a standard 5-field cron expression for refreshes
	// (default "0 7 * * *": daily at 07:00).
	UpdateSchedule string
	// ReleaseURL is the GitHub releases API URL to poll for the current
	// database asset (no default: offline refresh is inert until set).
	ReleaseURL string
	// HTTPClient downloads the release asset; defaults to an 8s client.
	HTTPClient *http.Client
}

// NewMMDBService constructs a service with documented defaults applied, but
// does not yet load or download anything; call Start for that.
func NewMMDBService(cfg MMDBConfig) *MMDBService {
	if cfg.DBFilename == "" {
		cfg.DBFilename = "country.mmdb"
	}
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 7 * * *"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPCallTimeout}
	}

	svc := &MMDBService{cfg: cfg, cron: cron.New()}
	svc.lifeCtx, svc.lifeCancel = context.WithCancel(context.Background())
	return svc
}

func (s *MMDBService) dbPath() string {
	return filepath.Join(s.cfg.CacheDir, s.cfg.DBFilename)
}

// Start loads an existing local database file if present, triggers a
// background download when it's missing or stale, and schedules future
// refreshes. It does not block on the initial download.
func (s *MMDBService) Start() error {
	path := s.dbPath()
	if info, err := os.Stat(path); err == nil {
		if err := s.reloadReader(path); err != nil {
			return err
		}
		if isStale(info.ModTime(), s.cfg.UpdateSchedule) {
			go s.UpdateNow(s.lifeCtx)
		}
	} else if s.cfg.ReleaseURL != "" {
		go s.UpdateNow(s.lifeCtx)
	}

	entryID, err := s.cron.AddFunc(s.cfg.UpdateSchedule, func() { s.UpdateNow(s.lifeCtx) })
	if err != nil {
		return fmt.Errorf("geoip: invalid update schedule %q: %w", s.cfg.UpdateSchedule, err)
	}
	s.cronEntry = entryID
	s.cron.Start()
	return nil
}

// Stop halts the cron scheduler and releases the open database handle.
func (s *MMDBService) Stop() {
	s.lifeCancel()
	s.cron.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
}

// LookupCountry implements OfflineReader.
func (s *MMDBService) LookupCountry(ip string) (string, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", false
	}
	s.mu.RLock()
	reader := s.reader
	s.mu.RUnlock()
	if reader == nil {
		return "", false
	}

	var rec mmdbCountryRecord
	if err := reader.Lookup(addr, &rec); err != nil {
		return "", false
	}
	if rec.Country.ISOCode != "" {
		return rec.Country.ISOCode, true
	}
	if rec.RegisteredCountry.ISOCode != "" {
		return rec.RegisteredCountry.ISOCode, true
	}
	return "", false
}

func (s *MMDBService) reloadReader(path string) error {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return fmt.Errorf("geoip: open mmdb %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = reader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type releaseInfo struct {
	Assets []releaseAsset `json:"assets"`
}

// UpdateNow fetches the latest release manifest, downloads the database
// asset and its checksum sidecar, verifies the checksum, and atomically
// swaps it in. Failures are swallowed beyond logging: a stale or missing
// database degrades to the HTTP backend, never to an error.
func (s *MMDBService) UpdateNow(ctx context.Context) {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.cfg.ReleaseURL == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.ReleaseURL, nil)
	if err != nil {
		return
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	var info releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return
	}

	var dbAsset, sumAsset *releaseAsset
	for i := range info.Assets {
		a := &info.Assets[i]
		switch {
		case a.Name == s.cfg.DBFilename:
			dbAsset = a
		case a.Name == s.cfg.DBFilename+".sha256sum":
			sumAsset = a
		}
	}
	if dbAsset == nil {
		return
	}

	if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
		return
	}
	tmpPath := s.dbPath() + ".tmp"
	if err := s.download(ctx, dbAsset.BrowserDownloadURL, tmpPath); err != nil {
		return
	}

	if sumAsset != nil {
		expected, err := s.downloadString(ctx, sumAsset.BrowserDownloadURL)
		if err == nil {
			if !verifySHA256(tmpPath, parseSHA256Sum(expected)) {
				os.Remove(tmpPath)
				return
			}
		}
	}

	if err := os.Rename(tmpPath, s.dbPath()); err != nil {
		os.Remove(tmpPath)
		return
	}
	s.reloadReader(s.dbPath())
}

func (s *MMDBService) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geoip: download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

func (s *MMDBService) downloadString(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

func verifySHA256(path, expectedHex string) bool {
	if expectedHex == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == strings.ToLower(expectedHex)
}

func parseSHA256Sum(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// isStale reports whether a database last modified at modTime is old enough
// to warrant a refresh before the next scheduled cron tick: twice the
// nominal update interval, taken from an "@every <duration>" schedule and
// assumed to be 24h for any other schedule, or 32 days when twice that
// interval comes out under 24h.
func isStale(modTime time.Time, schedule string) bool {
	interval := 24 * time.Hour
	if strings.HasPrefix(schedule, "@every ") {
		if d, err := time.ParseDuration(strings.TrimPrefix(schedule, "@every ")); err == nil {
			interval = d
		}
	}
	maxAge := 2 * interval
	if maxAge < 24*time.Hour {
		maxAge = 32 * 24 * time.Hour
	}
	return time.Since(modTime) > maxAge
}
