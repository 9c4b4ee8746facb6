package scan

import (
	"context"
	"errors"
	"time"
)

// ErrScanNotFound indicates the referenced scan does not exist. It is a
// logic error and must not be retried.
var ErrScanNotFound = errors.New("scan not found")

// ScanStore persists scan metadata and reports.
type ScanStore interface {
	CreateScan(ctx context.Context, s Scan) error
	GetScan(ctx context.Context, id string) (Scan, error)
	UpdateScanStatus(ctx context.Context, id string, status ScanStatus, completedAt *time.Time) error
	SaveReport(ctx context.Context, id string, snapshotURI string, report AggregatedReport) error
	GetReport(ctx context.Context, id string) (AggregatedReport, error)
}

// BlobStore writes raw snapshot artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes report-ready events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for blob paths and analysis caching.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ProgressReporter receives step-level progress for an in-flight scan.
// Implementations must be safe for concurrent use and must not block.
type ProgressReporter interface {
	Report(percent int, message string)
}

// ProgressFunc adapts a function to the ProgressReporter interface.
type ProgressFunc func(percent int, message string)

// Report implements ProgressReporter.
func (f ProgressFunc) Report(percent int, message string) {
	if f != nil {
		f(percent, message)
	}
}
