// Package scan defines core types shared across the scan pipeline.
package scan

import (
	"time"
)

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

// Scan status values persisted in the scan store.
const (
	ScanStatusPending    ScanStatus = "pending"
	ScanStatusQueued     ScanStatus = "queued"
	ScanStatusInProgress ScanStatus = "in_progress"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusFailed     ScanStatus = "failed"
	ScanStatusCancelled  ScanStatus = "cancelled"
)

// IsTerminal reports whether the status ends the scan lifecycle.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusCompleted, ScanStatusFailed, ScanStatusCancelled:
		return true
	default:
		return false
	}
}

// Scan is the metadata persisted for each submitted URL.
type Scan struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Status      ScanStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	SnapshotURI string     `json:"snapshot_uri,omitempty"`
}

// Snapshot captures the rendered DOM of a page at scan time.
type Snapshot struct {
	ScanID    string    `json:"scan_id"`
	URL       string    `json:"url"`
	HTML      string    `json:"html"`
	FetchedAt time.Time `json:"fetched_at"`
	// Digest is the content hash used for blob paths and analysis caching.
	Digest string `json:"digest"`
}

// Severity classifies how strongly an issue affects the page score.
type Severity string

// Issue severities, from most to least impactful.
const (
	SeverityCritical Severity = "critical"
	SeverityMajor    Severity = "major"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
	SeverityInfo     Severity = "info"
)

// Issue is a single finding produced by an analyzer.
type Issue struct {
	Code            string   `json:"code"`
	Message         string   `json:"message"`
	Severity        Severity `json:"severity"`
	Selector        string   `json:"selector,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// AnalyzerResult is the immutable output of one analyzer over one snapshot.
type AnalyzerResult struct {
	Score       float64            `json:"score"`
	Issues      []Issue            `json:"issues"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	GeneratedAt time.Time          `json:"generated_at"`
}

// IssueSummary counts issues per severity across a report.
type IssueSummary struct {
	Critical int `json:"critical"`
	Major    int `json:"major"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`
	Info     int `json:"info"`
	Total    int `json:"total"`
}

// Add counts an issue of the given severity.
func (s *IssueSummary) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		s.Critical++
	case SeverityMajor:
		s.Major++
	case SeverityModerate:
		s.Moderate++
	case SeverityMinor:
		s.Minor++
	case SeverityInfo:
		s.Info++
	}
	s.Total++
}

// AggregatedReport combines all analyzer results for one scan.
type AggregatedReport struct {
	URL          string                    `json:"url"`
	OverallScore float64                   `json:"overall_score"`
	Results      map[string]AnalyzerResult `json:"results"`
	Summary      IssueSummary              `json:"summary"`
	GeneratedAt  time.Time                 `json:"generated_at"`
}
