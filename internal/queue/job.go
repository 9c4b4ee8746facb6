// Package queue implements the durable priority job queue and the worker
// scheduler that drives scans through the pipeline.
package queue

import "time"

// State is the queue-side lifecycle of a job.
type State string

// Job states. Pending exists only before enqueue; waiting and delayed are
// durable-queue membership; active means a worker holds the job.
const (
	StatePending   State = "pending"
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state ends the job lifecycle.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job is one unit of scan work tracked by the queue.
type Job struct {
	ID            string    `json:"id"`
	ScanID        string    `json:"scan_id"`
	Priority      int       `json:"priority"`
	Attempt       int       `json:"attempt"`
	Progress      int       `json:"progress"`
	StatusMessage string    `json:"status_message,omitempty"`
	State         State     `json:"state"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	// StartedAt records the latest dispatch, for runtime accounting.
	StartedAt time.Time `json:"started_at,omitempty"`
	// NotBefore delays dispatch for backoff retries.
	NotBefore time.Time `json:"not_before,omitempty"`

	// seq breaks priority ties in FIFO order.
	seq uint64
}

// jobHeap orders jobs by priority (lower first), then FIFO.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// Stats is the read-only projection of queue state.
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}
