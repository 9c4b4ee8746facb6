// Package postgres provides Postgres-backed scan persistence.
//
// Expected schema:
//
//	CREATE TABLE scans (
//	    id           TEXT PRIMARY KEY,
//	    url          TEXT NOT NULL,
//	    status       TEXT NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    completed_at TIMESTAMPTZ,
//	    snapshot_uri TEXT
//	);
//
//	CREATE TABLE reports (
//	    scan_id      TEXT PRIMARY KEY REFERENCES scans (id),
//	    report       JSONB NOT NULL,
//	    generated_at TIMESTAMPTZ NOT NULL
//	);
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitegrade/sitegrade/internal/scan"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ScanStore persists scans and reports in Postgres.
type ScanStore struct {
	pool pgxPool
}

// NewScanStore connects a pool using the provided config.
func NewScanStore(ctx context.Context, cfg Config) (*ScanStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ScanStore{pool: pool}, nil
}

// NewScanStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewScanStoreWithPool(pool pgxPool) (*ScanStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ScanStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *ScanStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateScan inserts a new scan row.
func (s *ScanStore) CreateScan(ctx context.Context, sc scan.Scan) error {
	if sc.ID == "" {
		return fmt.Errorf("scan id is required")
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO scans (id, url, status, created_at)
VALUES ($1, $2, $3, $4)`,
		sc.ID, sc.URL, string(sc.Status), sc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// GetScan loads one scan row.
func (s *ScanStore) GetScan(ctx context.Context, id string) (scan.Scan, error) {
	var (
		sc          scan.Scan
		status      string
		snapshotURI *string
	)
	sc.ID = id
	err := s.pool.QueryRow(ctx, `
SELECT url, status, created_at, completed_at, snapshot_uri
FROM scans WHERE id = $1`, id,
	).Scan(&sc.URL, &status, &sc.CreatedAt, &sc.CompletedAt, &snapshotURI)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Scan{}, scan.ErrScanNotFound
		}
		return scan.Scan{}, fmt.Errorf("select scan: %w", err)
	}
	sc.Status = scan.ScanStatus(status)
	if snapshotURI != nil {
		sc.SnapshotURI = *snapshotURI
	}
	return sc, nil
}

// UpdateScanStatus transitions the scan's status and completion timestamp.
func (s *ScanStore) UpdateScanStatus(ctx context.Context, id string, status scan.ScanStatus, completedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE scans SET status = $2, completed_at = $3 WHERE id = $1`,
		id, string(status), completedAt,
	)
	if err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrScanNotFound
	}
	return nil
}

// SaveReport upserts the report row and records the snapshot URI.
func (s *ScanStore) SaveReport(ctx context.Context, id string, snapshotURI string, report scan.AggregatedReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE scans SET snapshot_uri = $2 WHERE id = $1`, id, snapshotURI)
	if err != nil {
		return fmt.Errorf("update snapshot uri: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.ErrScanNotFound
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO reports (scan_id, report, generated_at)
VALUES ($1, $2, $3)
ON CONFLICT (scan_id) DO UPDATE
SET report = EXCLUDED.report, generated_at = EXCLUDED.generated_at`,
		id, payload, report.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert report: %w", err)
	}
	return nil
}

// GetReport loads and decodes the stored report.
func (s *ScanStore) GetReport(ctx context.Context, id string) (scan.AggregatedReport, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `
SELECT report FROM reports WHERE scan_id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.AggregatedReport{}, scan.ErrScanNotFound
		}
		return scan.AggregatedReport{}, fmt.Errorf("select report: %w", err)
	}
	var report scan.AggregatedReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return scan.AggregatedReport{}, fmt.Errorf("decode report: %w", err)
	}
	return report, nil
}
