// Package memory provides in-memory persistence for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sitegrade/sitegrade/internal/scan"
)

// ScanStore keeps scans and reports in process memory.
type ScanStore struct {
	mu      sync.RWMutex
	scans   map[string]scan.Scan
	reports map[string]scan.AggregatedReport
}

// NewScanStore creates an empty in-memory scan store.
func NewScanStore() *ScanStore {
	return &ScanStore{
		scans:   make(map[string]scan.Scan),
		reports: make(map[string]scan.AggregatedReport),
	}
}

// CreateScan stores a new scan record.
func (s *ScanStore) CreateScan(_ context.Context, sc scan.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[sc.ID] = sc
	return nil
}

// GetScan returns the scan or scan.ErrScanNotFound.
func (s *ScanStore) GetScan(_ context.Context, id string) (scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.Scan{}, scan.ErrScanNotFound
	}
	return sc, nil
}

// UpdateScanStatus transitions the scan's status and completion timestamp.
func (s *ScanStore) UpdateScanStatus(_ context.Context, id string, status scan.ScanStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrScanNotFound
	}
	sc.Status = status
	sc.CompletedAt = completedAt
	s.scans[id] = sc
	return nil
}

// SaveReport stores the report and snapshot URI for the scan.
func (s *ScanStore) SaveReport(_ context.Context, id string, snapshotURI string, report scan.AggregatedReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return scan.ErrScanNotFound
	}
	sc.SnapshotURI = snapshotURI
	s.scans[id] = sc
	s.reports[id] = report
	return nil
}

// GetReport returns the stored report or scan.ErrScanNotFound.
func (s *ScanStore) GetReport(_ context.Context, id string) (scan.AggregatedReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	report, ok := s.reports[id]
	if !ok {
		return scan.AggregatedReport{}, scan.ErrScanNotFound
	}
	return report, nil
}
