package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported scan stages.
const (
	StageScanQueued    Stage = "SCAN_QUEUED"
	StageScanStarted   Stage = "SCAN_STARTED"
	StageScanProgress  Stage = "SCAN_PROGRESS"
	StageScanCompleted Stage = "SCAN_COMPLETED"
	StageScanFailed    Stage = "SCAN_FAILED"
	StageScanCancelled Stage = "SCAN_CANCELLED"
)

// Terminal reports whether the stage ends a scan's event stream.
func (s Stage) Terminal() bool {
	switch s {
	case StageScanCompleted, StageScanFailed, StageScanCancelled:
		return true
	default:
		return false
	}
}

// Event captures a single scan lifecycle milestone.
type Event struct {
	// ScanID identifies the scan the event belongs to.
	ScanID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Percent is the 0-100 completion estimate for progress events.
	Percent int
	// Attempt is the dispatch attempt the event belongs to.
	Attempt int
	// Dur carries the active runtime for terminal events.
	Dur time.Duration
	// Note lets emitters attach low-volume context (step names, error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ScanID == "" {
		return errors.New("scan id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageScanQueued, StageScanStarted, StageScanCompleted,
		StageScanFailed, StageScanCancelled:
	case StageScanProgress:
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("percent %d out of range", e.Percent)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
