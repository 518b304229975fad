// Package catalog is the sole persistence boundary: a SQLite-backed store
// for ProxyRecord and SubnetIntel, single-writer-safe by construction.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/model"
)

// Store wraps a catalog database handle with the operations the rest of the
// system needs. A Store does not own db's lifecycle; callers Open/Close it.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened, already-migrated database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenStore opens and migrates the catalog at path and returns a ready Store.
func OpenStore(path string) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveProxy upserts r by (ip, port). On every save, first insert or
// re-save, an empty isp defaults to "Unknown" and counts that are both zero
// default to (1, 0); apart from those defaults a re-save overwrites every
// field verbatim, matching the original's INSERT OR REPLACE semantics.
func (s *Store) SaveProxy(ctx context.Context, r model.ProxyRecord) error {
	isp := r.ISP
	if isp == "" {
		isp = model.UnknownISP
	}
	successCount := r.SuccessCount
	failCount := r.FailCount
	if successCount == 0 && failCount == 0 {
		successCount = 1
	}
	lastChecked := r.LastChecked
	if lastChecked.IsZero() {
		lastChecked = time.Now().UTC()
	}

	const q = `
INSERT INTO proxies
	(ip, port, protocol, anonymity, country, region, city, isp, org,
	 response_time_ms, last_checked, health_score, success_count, fail_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ip, port) DO UPDATE SET
	protocol = excluded.protocol,
	anonymity = excluded.anonymity,
	country = excluded.country,
	region = excluded.region,
	city = excluded.city,
	isp = excluded.isp,
	org = excluded.org,
	response_time_ms = excluded.response_time_ms,
	last_checked = excluded.last_checked,
	health_score = excluded.health_score,
	success_count = excluded.success_count,
	fail_count = excluded.fail_count
`
	_, err := s.db.ExecContext(ctx, q,
		r.IP, r.Port, string(r.Protocol), string(r.Anonymity), r.Country, r.Region, r.City, isp, r.Org,
		r.ResponseTimeMS, lastChecked, model.ClampHealth(r.HealthScore), successCount, failCount,
	)
	if err != nil {
		return fmt.Errorf("%w: save_proxy: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// GetProxies returns records ordered by ascending response_time_ms,
// optionally filtered by protocol. protocol == "" matches all.
func (s *Store) GetProxies(ctx context.Context, protocol model.Protocol, limit int) ([]model.ProxyRecord, error) {
	var rows *sql.Rows
	var err error
	if protocol != "" {
		rows, err = s.db.QueryContext(ctx, `
SELECT ip, port, protocol, anonymity, country, region, city, isp, org,
       response_time_ms, last_checked, health_score, success_count, fail_count
FROM proxies WHERE protocol = ? ORDER BY response_time_ms ASC LIMIT ?`, string(protocol), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT ip, port, protocol, anonymity, country, region, city, isp, org,
       response_time_ms, last_checked, health_score, success_count, fail_count
FROM proxies ORDER BY response_time_ms ASC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_proxies: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.ProxyRecord
	for rows.Next() {
		r, err := scanProxyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: get_proxies scan: %v", ErrStorageUnavailable, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: get_proxies rows: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func scanProxyRow(rows *sql.Rows) (model.ProxyRecord, error) {
	var r model.ProxyRecord
	var protocol, anonymity string
	var lastChecked sql.NullTime
	if err := rows.Scan(
		&r.IP, &r.Port, &protocol, &anonymity, &r.Country, &r.Region, &r.City, &r.ISP, &r.Org,
		&r.ResponseTimeMS, &lastChecked, &r.HealthScore, &r.SuccessCount, &r.FailCount,
	); err != nil {
		return model.ProxyRecord{}, err
	}
	r.Protocol = model.Protocol(protocol)
	r.Anonymity = model.Anonymity(anonymity)
	if lastChecked.Valid {
		r.LastChecked = lastChecked.Time
	}
	return r, nil
}

// DeleteProxy removes the record for (ip, port), if present.
func (s *Store) DeleteProxy(ctx context.Context, ip string, port int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE ip = ? AND port = ?`, ip, port); err != nil {
		return fmt.Errorf("%w: delete_proxy: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// UpdateHealth adjusts health_score and the success/fail counters for
// (ip, port): +10 (clamped 100) and success_count++ on success, -20
// (floored 0) and fail_count++ on failure. Both paths touch last_checked.
// Returns ErrNotFound if no such record exists.
func (s *Store) UpdateHealth(ctx context.Context, ip string, port int, working bool) error {
	var q string
	if working {
		q = `UPDATE proxies SET health_score = MIN(100, health_score + 10),
			success_count = success_count + 1, last_checked = ?
			WHERE ip = ? AND port = ?`
	} else {
		q = `UPDATE proxies SET health_score = MAX(0, health_score - 20),
			fail_count = fail_count + 1, last_checked = ?
			WHERE ip = ? AND port = ?`
	}
	res, err := s.db.ExecContext(ctx, q, time.Now().UTC(), ip, port)
	if err != nil {
		return fmt.Errorf("%w: update_health: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update_health rows affected: %v", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSubnetIntel derives the /24 for ip and upserts total_found and
// yield_score by foundCount (default 1 when foundCount <= 0).
func (s *Store) UpdateSubnetIntel(ctx context.Context, ip, isp string, foundCount int) error {
	if foundCount <= 0 {
		foundCount = 1
	}
	prefix := model.Subnet24(ip)
	if prefix == "" {
		return fmt.Errorf("catalog: update_subnet_intel: invalid ip %q", ip)
	}
	const q = `
INSERT INTO subnet_intel (subnet_prefix, isp, total_found, yield_score, last_updated)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(subnet_prefix) DO UPDATE SET
	isp = excluded.isp,
	total_found = total_found + excluded.total_found,
	yield_score = yield_score + excluded.yield_score,
	last_updated = excluded.last_updated
`
	_, err := s.db.ExecContext(ctx, q, prefix, isp, foundCount, float64(foundCount), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: update_subnet_intel: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// GetTopSubnets returns the most productive /24s, optionally filtered by a
// substring match on isp, ordered by descending yield_score.
func (s *Store) GetTopSubnets(ctx context.Context, isp string, limit int) ([]model.SubnetIntel, error) {
	var rows *sql.Rows
	var err error
	if isp != "" {
		rows, err = s.db.QueryContext(ctx, `
SELECT subnet_prefix, isp, total_scanned, total_found, yield_score, last_updated
FROM subnet_intel WHERE isp LIKE ? ORDER BY yield_score DESC LIMIT ?`, "%"+isp+"%", limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
SELECT subnet_prefix, isp, total_scanned, total_found, yield_score, last_updated
FROM subnet_intel ORDER BY yield_score DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get_top_subnets: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.SubnetIntel
	for rows.Next() {
		var si model.SubnetIntel
		var lastUpdated sql.NullTime
		if err := rows.Scan(&si.SubnetPrefix, &si.ISP, &si.TotalScanned, &si.TotalFound, &si.YieldScore, &lastUpdated); err != nil {
			return nil, fmt.Errorf("%w: get_top_subnets scan: %v", ErrStorageUnavailable, err)
		}
		if lastUpdated.Valid {
			si.LastUpdated = lastUpdated.Time
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: get_top_subnets rows: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// AssignPools rebuilds the derived, non-load-bearing PoolAssignment view
// for every record with a positive health score. See SPEC_FULL.md §4.1.1:
// this is computed on demand, never persisted as a separate table.
func (s *Store) AssignPools(ctx context.Context) ([]model.PoolAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ip, port, response_time_ms FROM proxies WHERE health_score > 0`)
	if err != nil {
		return nil, fmt.Errorf("%w: assign_pools: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []model.PoolAssignment
	for rows.Next() {
		var pa model.PoolAssignment
		var latency int
		if err := rows.Scan(&pa.IP, &pa.Port, &latency); err != nil {
			return nil, fmt.Errorf("%w: assign_pools scan: %v", ErrStorageUnavailable, err)
		}
		pa.Bucket = model.BucketForLatency(latency)
		out = append(out, pa)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: assign_pools rows: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

// CleanupBelow deletes every record whose health_score is below threshold,
// returning how many rows were removed.
func (s *Store) CleanupBelow(ctx context.Context, threshold int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM proxies WHERE health_score < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup_below: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup_below rows affected: %v", ErrStorageUnavailable, err)
	}
	return n, nil
}

// ErrUnavailable reports whether err is, or wraps, a storage-unavailable
// condition, for callers that need to distinguish it from a plain
// "not found".
func ErrUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
