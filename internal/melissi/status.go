package melissi

import (
	"sync"
	"time"
)

// State is the coarse engine state shown to the user.
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
	StateOffline State = "offline"
	StateStalled State = "stalled"
	StatePaused  State = "paused"
)

// Status is a snapshot of the worker.
type Status struct {
	State     State     `json:"state" yaml:"state"`
	Ready     int       `json:"ready" yaml:"ready"`
	Waiting   int       `json:"waiting" yaml:"waiting"`
	InFlight  int       `json:"in_flight" yaml:"in_flight"`
	Retrying  int       `json:"retrying" yaml:"retrying"`
	LastError string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// StatusTracker holds the current Status and tells subscribers when it
// changes. It is safe for concurrent use.
type StatusTracker struct {
	mu          sync.Mutex
	current     Status
	subscribers []func(Status)
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{current: Status{State: StateIdle}}
}

// Current returns the latest snapshot.
func (t *StatusTracker) Current() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Subscribe registers fn for every future change. fn must not block.
func (t *StatusTracker) Subscribe(fn func(Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// set stores s and notifies subscribers when anything but the timestamp
// differs from the previous snapshot.
func (t *StatusTracker) set(s Status) {
	t.mu.Lock()
	prev := t.current
	s.UpdatedAt, prev.UpdatedAt = time.Time{}, time.Time{}
	if s == prev {
		t.mu.Unlock()
		return
	}
	s.UpdatedAt = time.Now().UTC()
	t.current = s
	subscribers := append([]func(Status){}, t.subscribers...)
	t.mu.Unlock()

	for _, fn := range subscribers {
		fn(s)
	}
}
