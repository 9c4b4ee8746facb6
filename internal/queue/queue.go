package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/metrics"
	"github.com/sitegrade/sitegrade/internal/progress"
	"github.com/sitegrade/sitegrade/internal/scan"
)

// ErrQueueClosed indicates the queue has been shut down.
var ErrQueueClosed = errors.New("queue is closed")

// ErrJobNotFound indicates no job exists for the given scan or job ID.
var ErrJobNotFound = errors.New("job not found")

// ErrJobTerminal indicates the job already reached a terminal state.
var ErrJobTerminal = errors.New("job is already terminal")

// ErrDuplicateScan indicates the scan already has a live job.
var ErrDuplicateScan = errors.New("scan already enqueued")

// Queue is the durable store of jobs and the single source of truth for
// job state. Workers must not mutate Scan status except through the
// transitions the queue and pipeline own.
type Queue struct {
	policy  RetryPolicy
	scans   scan.ScanStore
	clock   scan.Clock
	idgen   scan.IDGenerator
	logger  *zap.Logger
	emitter progress.Emitter

	mu      sync.Mutex
	waiting jobHeap
	jobs    map[string]*Job
	byScan  map[string]*Job
	paused  bool
	closed  bool
	seq     uint64

	wake chan struct{}
}

// New constructs a Queue.
func New(
	policy RetryPolicy,
	scans scan.ScanStore,
	clock scan.Clock,
	idgen scan.IDGenerator,
	logger *zap.Logger,
) *Queue {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Queue{
		policy: policy,
		scans:  scans,
		clock:  clock,
		idgen:  idgen,
		logger: logger,
		jobs:   make(map[string]*Job),
		byScan: make(map[string]*Job),
		wake:   make(chan struct{}, 1),
	}
}

// SetEmitter attaches a progress emitter; lifecycle milestones are mirrored
// to it as events. A nil emitter disables emission.
func (q *Queue) SetEmitter(e progress.Emitter) {
	q.mu.Lock()
	q.emitter = e
	q.mu.Unlock()
}

func (q *Queue) emit(evt progress.Event) {
	q.mu.Lock()
	emitter := q.emitter
	q.mu.Unlock()
	if emitter == nil {
		return
	}
	evt.TS = q.clock.Now()
	emitter.Emit(evt)
}

// Enqueue persists the Scan as queued and pushes a job with the given
// priority (lower dispatches first).
func (q *Queue) Enqueue(ctx context.Context, scanID string, priority int) (string, error) {
	jobID, err := q.idgen.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	if existing, ok := q.byScan[scanID]; ok && !existing.State.IsTerminal() {
		q.mu.Unlock()
		return "", ErrDuplicateScan
	}
	q.seq++
	job := &Job{
		ID:         jobID,
		ScanID:     scanID,
		Priority:   priority,
		State:      StateWaiting,
		EnqueuedAt: q.clock.Now(),
		seq:        q.seq,
	}
	q.jobs[jobID] = job
	q.byScan[scanID] = job
	heap.Push(&q.waiting, job)
	q.updateGaugesLocked()
	q.mu.Unlock()

	if err := q.scans.UpdateScanStatus(ctx, scanID, scan.ScanStatusQueued, nil); err != nil {
		// Unwind so a job whose enqueue was reported as failed can never
		// dispatch; the heap entry is skipped lazily once the state leaves
		// waiting.
		q.mu.Lock()
		job.State = StateFailed
		delete(q.jobs, jobID)
		if q.byScan[scanID] == job {
			delete(q.byScan, scanID)
		}
		q.updateGaugesLocked()
		q.mu.Unlock()
		return "", fmt.Errorf("mark scan queued: %w", err)
	}

	q.signal()
	q.emit(progress.Event{ScanID: scanID, Stage: progress.StageScanQueued})
	q.logger.Debug("job enqueued",
		zap.String("job_id", jobID),
		zap.String("scan_id", scanID),
		zap.Int("priority", priority),
	)
	return jobID, nil
}

// Dequeue blocks until a job is dispatchable, the queue closes, or the
// context finishes. The returned job is active and owned by the caller
// until Finish.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Job{}, ErrQueueClosed
		}
		now := q.clock.Now()
		q.promoteDueLocked(now)
		if !q.paused {
			for q.waiting.Len() > 0 {
				job := heap.Pop(&q.waiting).(*Job)
				if job.State != StateWaiting {
					// Lazily dropped by cancel/clear.
					continue
				}
				job.State = StateActive
				job.Attempt++
				job.StartedAt = now
				q.updateGaugesLocked()
				dispatched := *job
				q.mu.Unlock()
				q.emit(progress.Event{
					ScanID:  dispatched.ScanID,
					Stage:   progress.StageScanStarted,
					Attempt: dispatched.Attempt,
				})
				return dispatched, nil
			}
		}
		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.wake:
		case <-time.After(wait):
		}
	}
}

// Finish settles an active job: success completes it, a retryable error
// re-enqueues it with exponential backoff, and exhaustion or a logic error
// marks the owning Scan failed with a completion timestamp. If the Scan was
// cancelled while the job ran, the result is discarded. The queue is the
// only component that decides retry versus terminal failure.
func (q *Queue) Finish(ctx context.Context, jobID string, jobErr error) error {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State != StateActive {
		q.mu.Unlock()
		return fmt.Errorf("finish job in state %q: %w", job.State, ErrJobTerminal)
	}
	scanID := job.ScanID
	attempt := job.Attempt
	runtime := q.clock.Now().Sub(job.StartedAt)
	q.mu.Unlock()

	if discarded, err := q.discardIfCancelled(ctx, jobID, scanID); err != nil || discarded {
		return err
	}

	switch {
	case jobErr == nil:
		q.setTerminal(jobID, StateCompleted)
		metrics.ObserveJob("completed")
		q.emit(progress.Event{ScanID: scanID, Stage: progress.StageScanCompleted, Attempt: attempt, Dur: runtime})
		return nil

	case errors.Is(jobErr, scan.ErrScanNotFound):
		// Logic error: never retried, no scan row to update.
		q.setTerminal(jobID, StateFailed)
		metrics.ObserveJob("failed")
		q.emit(progress.Event{ScanID: scanID, Stage: progress.StageScanFailed, Attempt: attempt, Dur: runtime, Note: jobErr.Error()})
		q.logger.Error("job failed on missing scan",
			zap.String("job_id", jobID),
			zap.String("scan_id", scanID),
		)
		return nil

	case q.policy.HasAttemptsLeft(attempt):
		delay := q.policy.Backoff(attempt)
		q.requeueDelayed(jobID, delay)
		metrics.ObserveJob("retried")
		q.logger.Warn("job retrying",
			zap.String("job_id", jobID),
			zap.String("scan_id", scanID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(jobErr),
		)
		return nil

	default:
		q.setTerminal(jobID, StateFailed)
		metrics.ObserveJob("failed")
		now := q.clock.Now()
		if err := q.scans.UpdateScanStatus(ctx, scanID, scan.ScanStatusFailed, &now); err != nil {
			return fmt.Errorf("mark scan failed: %w", err)
		}
		metrics.ObserveScan("failed")
		q.emit(progress.Event{ScanID: scanID, Stage: progress.StageScanFailed, Attempt: attempt, Dur: runtime, Note: jobErr.Error()})
		q.logger.Error("job failed after final attempt",
			zap.String("job_id", jobID),
			zap.String("scan_id", scanID),
			zap.Int("attempt", attempt),
			zap.Error(jobErr),
		)
		return nil
	}
}

// discardIfCancelled drops the result of an active job whose Scan was
// cancelled while it ran.
func (q *Queue) discardIfCancelled(ctx context.Context, jobID, scanID string) (bool, error) {
	current, err := q.scans.GetScan(ctx, scanID)
	if err != nil {
		if errors.Is(err, scan.ErrScanNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load scan for finish: %w", err)
	}
	if current.Status != scan.ScanStatusCancelled {
		return false, nil
	}
	q.setTerminal(jobID, StateCancelled)
	metrics.ObserveJob("cancelled")
	q.logger.Info("discarding result of cancelled scan",
		zap.String("job_id", jobID),
		zap.String("scan_id", scanID),
	)
	return true, nil
}

// UpdateProgress records the latest progress projection for a job.
func (q *Queue) UpdateProgress(jobID string, percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	q.mu.Lock()
	var scanID string
	if job, ok := q.jobs[jobID]; ok {
		job.Progress = percent
		job.StatusMessage = message
		scanID = job.ScanID
	}
	q.mu.Unlock()
	if scanID != "" {
		q.emit(progress.Event{
			ScanID:  scanID,
			Stage:   progress.StageScanProgress,
			Percent: percent,
			Note:    message,
		})
	}
}

// Pause stops dispatching; active jobs keep running.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Cancel cancels the scan's job. Waiting and delayed jobs are removed
// outright; an active job is left to run to its own timeout or completion,
// after which its result is discarded. Terminal jobs cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, scanID string) error {
	q.mu.Lock()
	job, ok := q.byScan[scanID]
	if !ok {
		q.mu.Unlock()
		return ErrJobNotFound
	}
	if job.State.IsTerminal() {
		q.mu.Unlock()
		return ErrJobTerminal
	}
	active := job.State == StateActive
	if !active {
		// Lazy removal: the heap entry is skipped at dispatch time.
		job.State = StateCancelled
		job.NotBefore = time.Time{}
		q.updateGaugesLocked()
	}
	q.mu.Unlock()

	now := q.clock.Now()
	if err := q.scans.UpdateScanStatus(ctx, scanID, scan.ScanStatusCancelled, &now); err != nil {
		return fmt.Errorf("mark scan cancelled: %w", err)
	}
	metrics.ObserveScan("cancelled")
	if !active {
		metrics.ObserveJob("cancelled")
	}
	q.emit(progress.Event{ScanID: scanID, Stage: progress.StageScanCancelled})
	q.logger.Info("scan cancelled",
		zap.String("scan_id", scanID),
		zap.Bool("was_active", active),
	)
	return nil
}

// Clear removes all non-active jobs in the given state and returns how
// many were dropped.
func (q *Queue) Clear(state State) int {
	if state == StateActive {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cleared := 0
	for id, job := range q.jobs {
		if job.State != state {
			continue
		}
		if job.State == StateWaiting || job.State == StateDelayed {
			job.State = StateCancelled
		}
		delete(q.jobs, id)
		if q.byScan[job.ScanID] == job {
			delete(q.byScan, job.ScanID)
		}
		cleared++
	}
	q.updateGaugesLocked()
	return cleared
}

// QueueStats returns the read-only stats projection.
func (q *Queue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{Paused: q.paused}
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			stats.Waiting++
		case StateDelayed:
			stats.Delayed++
		case StateActive:
			stats.Active++
		case StateCompleted:
			stats.Completed++
		case StateFailed:
			stats.Failed++
		}
	}
	return stats
}

// JobForScan returns the current job projection for a scan.
func (q *Queue) JobForScan(scanID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.byScan[scanID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Close shuts the queue down; blocked Dequeue calls return ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) setTerminal(jobID string, state State) {
	q.mu.Lock()
	if job, ok := q.jobs[jobID]; ok {
		job.State = state
		if state == StateCompleted {
			job.Progress = 100
		}
	}
	q.updateGaugesLocked()
	q.mu.Unlock()
}

func (q *Queue) requeueDelayed(jobID string, delay time.Duration) {
	q.mu.Lock()
	if job, ok := q.jobs[jobID]; ok {
		job.State = StateDelayed
		job.NotBefore = q.clock.Now().Add(delay)
	}
	q.updateGaugesLocked()
	q.mu.Unlock()
}

// promoteDueLocked moves delayed jobs whose backoff elapsed back into the
// waiting heap. Must be called with the mutex held.
func (q *Queue) promoteDueLocked(now time.Time) {
	for _, job := range q.jobs {
		if job.State == StateDelayed && !now.Before(job.NotBefore) {
			job.State = StateWaiting
			q.seq++
			job.seq = q.seq
			heap.Push(&q.waiting, job)
		}
	}
	q.updateGaugesLocked()
}

// nextWakeLocked bounds how long Dequeue sleeps before re-checking the
// delayed set. Must be called with the mutex held.
func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	wait := 250 * time.Millisecond
	for _, job := range q.jobs {
		if job.State != StateDelayed {
			continue
		}
		if until := job.NotBefore.Sub(now); until > 0 && until < wait {
			wait = until
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// updateGaugesLocked refreshes the depth gauges. Must be called with the
// mutex held.
func (q *Queue) updateGaugesLocked() {
	waiting, delayed, active := 0, 0, 0
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			waiting++
		case StateDelayed:
			delayed++
		case StateActive:
			active++
		}
	}
	metrics.SetQueueDepth(waiting, delayed, active)
}
