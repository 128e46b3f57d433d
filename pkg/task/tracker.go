// Package task tracks named long-running operations (index builds, bulk
// imports) with progress, stage and ETA reporting, cancellation, and a
// subscription feed for pushing task_progress events.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Snapshot is an immutable view of a task at one point in time.
type Snapshot struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Scope      string    `json:"scope"`
	Status     Status    `json:"status"`
	Stage      string    `json:"stage"`
	Done       int64     `json:"done"`
	Total      int64     `json:"total"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	// ETASeconds is a linear extrapolation from current throughput.
	// Zero when progress is unknown.
	ETASeconds float64 `json:"eta_seconds,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// Running reports whether the task has not finished yet.
func (s Snapshot) Running() bool {
	return s.Status == StatusRunning
}

type key struct {
	kind  string
	scope string
}

// Handle is held by the goroutine executing the task. All methods are
// safe for concurrent use with Tracker queries.
type Handle struct {
	tracker *Tracker
	key     key
	ctx     context.Context
	cancel  context.CancelFunc

	mu   sync.Mutex
	snap Snapshot
}

// Context is cancelled when the task is cancelled via the tracker.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// ID returns the task id.
func (h *Handle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap.ID
}

// SetStage records the current stage and resets progress counters.
func (h *Handle) SetStage(stage string) {
	h.mu.Lock()
	h.snap.Stage = stage
	h.snap.Done = 0
	h.snap.Total = 0
	h.snap.ETASeconds = 0
	snap := h.snap
	h.mu.Unlock()
	h.tracker.publish(snap)
}

// Report updates progress within the current stage.
func (h *Handle) Report(done, total int64) {
	h.mu.Lock()
	h.snap.Done = done
	h.snap.Total = total
	if done > 0 && total > done {
		elapsed := time.Since(h.snap.StartedAt).Seconds()
		h.snap.ETASeconds = elapsed / float64(done) * float64(total-done)
	} else {
		h.snap.ETASeconds = 0
	}
	snap := h.snap
	h.mu.Unlock()
	h.tracker.publish(snap)
}

// Finish closes the task. A nil error marks success; context.Canceled
// marks cancellation. The handle is removed from the active set so a
// later Start for the same (kind, scope) creates a fresh task.
func (h *Handle) Finish(err error) {
	h.mu.Lock()
	h.snap.FinishedAt = time.Now()
	h.snap.ETASeconds = 0
	switch {
	case err == nil:
		h.snap.Status = StatusSucceeded
	case err == context.Canceled || h.ctx.Err() != nil:
		h.snap.Status = StatusCancelled
		h.snap.Error = err.Error()
	default:
		h.snap.Status = StatusFailed
		h.snap.Error = err.Error()
	}
	snap := h.snap
	h.mu.Unlock()

	h.cancel()
	h.tracker.finish(h.key, snap)
}

// Snapshot returns the current state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// Tracker is an in-memory registry of running tasks keyed by
// (kind, scope), with a bounded history of finished ones.
type Tracker struct {
	mu       sync.Mutex
	active   map[key]*Handle
	finished []Snapshot
	subs     map[chan Snapshot]struct{}
}

const finishedHistory = 64

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active: make(map[key]*Handle),
		subs:   make(map[chan Snapshot]struct{}),
	}
}

// Start begins a task, or returns the existing handle when one is
// already running for the same (kind, scope). The boolean is true when
// a new task was created.
func (t *Tracker) Start(parent context.Context, kind, scope string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{kind: kind, scope: scope}
	if h, ok := t.active[k]; ok {
		return h, false
	}

	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		tracker: t,
		key:     k,
		ctx:     ctx,
		cancel:  cancel,
		snap: Snapshot{
			ID:        uuid.NewString(),
			Kind:      kind,
			Scope:     scope,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
	}
	t.active[k] = h
	return h, true
}

// Get returns the running task for (kind, scope), if any.
func (t *Tracker) Get(kind, scope string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.active[key{kind: kind, scope: scope}]
	return h, ok
}

// Cancel requests cancellation of a running task. Returns false when no
// task is running for the key.
func (t *Tracker) Cancel(kind, scope string) bool {
	t.mu.Lock()
	h, ok := t.active[key{kind: kind, scope: scope}]
	t.mu.Unlock()
	if !ok {
		return false
	}
	h.cancel()
	return true
}

// List returns snapshots of all running tasks plus recent history.
func (t *Tracker) List() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Snapshot, 0, len(t.active)+len(t.finished))
	for _, h := range t.active {
		out = append(out, h.Snapshot())
	}
	out = append(out, t.finished...)
	return out
}

// Subscribe returns a channel receiving every progress update. Slow
// consumers lose updates rather than block publishers.
func (t *Tracker) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 64)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (t *Tracker) Unsubscribe(ch chan Snapshot) {
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (t *Tracker) finish(k key, snap Snapshot) {
	t.mu.Lock()
	delete(t.active, k)
	t.finished = append(t.finished, snap)
	if len(t.finished) > finishedHistory {
		t.finished = t.finished[len(t.finished)-finishedHistory:]
	}
	for ch := range t.subs {
		select {
		case ch <- snap:
		default:
		}
	}
	t.mu.Unlock()
}
