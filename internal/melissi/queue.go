package melissi

import (
	"errors"
	"sync"
)

// ErrQueueEmpty is returned by Get when no action is ready.
var ErrQueueEmpty = errors.New("queue is empty")

// maxNotifications caps the undrained notification buffer; the oldest
// entries are dropped first.
const maxNotifications = 100

// Queue owns every pending action. Ready actions are served structural
// first, FIFO within each class. Blocked actions are parked in a waiting
// list keyed by the UniqueID of the action they depend on.
// It is safe for concurrent use.
type Queue struct {
	mu         sync.Mutex
	structural []Action
	content    []Action
	waiting    map[string][]Action

	notifications []Notification
	listeners     []func(Notification)

	ready chan struct{}
}

// Notification is a human-readable sync event for the UI.
type Notification struct {
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Dirname  string `json:"dirname"`
	Owner    string `json:"owner"`
	Verb     string `json:"verb"`
}

func NewQueue() *Queue {
	return &Queue{
		waiting: make(map[string][]Action),
		ready:   make(chan struct{}, 1),
	}
}

// Put queues a as ready. Structural actions go ahead of every queued content
// action. Duplicates are accepted.
func (q *Queue) Put(a Action) {
	q.mu.Lock()
	q.putLocked(a)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) putLocked(a Action) {
	if isStructural(a) {
		q.structural = append(q.structural, a)
		return
	}
	q.content = append(q.content, a)
}

// Get pops the head of the ready queue.
func (q *Queue) Get() (Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.structural) > 0 {
		a := q.structural[0]
		q.structural[0] = nil
		q.structural = q.structural[1:]
		return a, nil
	}
	if len(q.content) > 0 {
		a := q.content[0]
		q.content[0] = nil
		q.content = q.content[1:]
		return a, nil
	}
	return nil, ErrQueueEmpty
}

// ParkOn adds a to the waiting list under key.
func (q *Queue) ParkOn(key string, a Action) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting[key] = append(q.waiting[key], a)
}

// WakeUp moves every action parked under key back to the ready queue and
// forgets the key. An unknown key is a no-op.
func (q *Queue) WakeUp(key string) {
	q.mu.Lock()
	parked, ok := q.waiting[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.waiting, key)
	for _, a := range parked {
		q.putLocked(a)
	}
	q.mu.Unlock()
	q.signal()
}

// ClearAll drops every ready and parked action and pending notification.
// Only a forced full resync uses it.
func (q *Queue) ClearAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.structural = nil
	q.content = nil
	q.waiting = make(map[string][]Action)
	q.notifications = nil
}

// Contains reports whether an action with the same description is in the
// ready queue. Parked actions are not considered.
func (q *Queue) Contains(a Action) bool {
	desc := a.String()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, list := range [][]Action{q.structural, q.content} {
		for _, queued := range list {
			if queued.String() == desc {
				return true
			}
		}
	}
	return false
}

// Pending reports whether a ready or parked action answers to key.
func (q *Queue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	match := func(list []Action) bool {
		for _, a := range list {
			for _, k := range dependencyKeys(a) {
				if k == key {
					return true
				}
			}
		}
		return false
	}
	if match(q.structural) || match(q.content) {
		return true
	}
	for _, parked := range q.waiting {
		if match(parked) {
			return true
		}
	}
	return false
}

// Len returns the number of ready actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.structural) + len(q.content)
}

// Waiting returns the number of parked actions.
func (q *Queue) Waiting() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, parked := range q.waiting {
		n += len(parked)
	}
	return n
}

// Ready returns a channel that receives after actions become ready.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// PutNotification buffers n for the next PopNotifications and hands it to
// every listener.
func (q *Queue) PutNotification(n Notification) {
	q.mu.Lock()
	q.notifications = append(q.notifications, n)
	if len(q.notifications) > maxNotifications {
		q.notifications = q.notifications[len(q.notifications)-maxNotifications:]
	}
	listeners := append([]func(Notification){}, q.listeners...)
	q.mu.Unlock()

	for _, fn := range listeners {
		fn(n)
	}
}

// PopNotifications returns and clears the buffered notifications.
func (q *Queue) PopNotifications() []Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.notifications
	q.notifications = nil
	return out
}

// OnNotification registers fn to receive every future notification.
// fn must not block.
func (q *Queue) OnNotification(fn func(Notification)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}
