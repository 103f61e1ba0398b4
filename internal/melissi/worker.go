package melissi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"melissi-go/internal/model"
)

// WorkerConfig tunes the retry driver.
type WorkerConfig struct {
	// MaxInFlight bounds how many actions execute at once. 1 is strictly
	// serial.
	MaxInFlight int

	// BaseBackoff and MaxBackoff shape the retry delay:
	// BaseBackoff * 2^min(attempt-1, 10), capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// StallThreshold is the attempt count after which the worker reports
	// itself stalled.
	StallThreshold int

	// MaxAttempts turns endless retries into a failure. 0 means unlimited.
	MaxAttempts int
}

// DefaultWorkerConfig returns the settings used when none are configured.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxInFlight:    1,
		BaseBackoff:    time.Second,
		MaxBackoff:     5 * time.Minute,
		StallThreshold: 5,
	}
}

// Worker drains the queue, executes actions and applies their outcomes.
// Dispatch and outcome handling happen on the goroutine running Run;
// action bodies run on their own goroutines, at most MaxInFlight at a time.
type Worker struct {
	env    *Env
	queue  *Queue
	cfg    WorkerConfig
	status *StatusTracker
	logger Logger

	results chan result
	poke    chan struct{}

	mu        sync.Mutex
	paused    bool
	offline   bool
	lastErr   error
	attempts  map[Action]int
	executing map[string]int
	busy      map[string]bool
	scheduled map[Action]*time.Timer
}

type dispatch struct {
	action  Action
	pathKey string
	keys    []string
}

type result struct {
	dispatch
	outcome Outcome
}

// NewWorker creates a worker draining env.Queue. Zero fields of cfg take
// their DefaultWorkerConfig values.
func NewWorker(env *Env, cfg WorkerConfig, status *StatusTracker) *Worker {
	def := DefaultWorkerConfig()
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = def.MaxInFlight
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = def.StallThreshold
	}
	if status == nil {
		status = NewStatusTracker()
	}

	return &Worker{
		env:       env,
		queue:     env.Queue,
		cfg:       cfg,
		status:    status,
		logger:    env.Logger,
		results:   make(chan result, cfg.MaxInFlight),
		poke:      make(chan struct{}, 1),
		attempts:  make(map[Action]int),
		executing: make(map[string]int),
		busy:      make(map[string]bool),
		scheduled: make(map[Action]*time.Timer),
	}
}

// Run processes actions until ctx is cancelled. It waits for in-flight
// actions before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "max_in_flight", w.cfg.MaxInFlight)

	inFlight := 0
	for {
		for inFlight < w.cfg.MaxInFlight && !w.Paused() {
			a, err := w.queue.Get()
			if err != nil {
				break
			}
			d, ok := w.claim(a)
			if !ok {
				continue
			}
			inFlight++
			go w.execute(ctx, d)
		}
		w.publish(inFlight)

		select {
		case <-ctx.Done():
			w.stopTimers()
			for ; inFlight > 0; inFlight-- {
				r := <-w.results
				w.release(r.dispatch)
			}
			w.logger.Info("worker stopped")
			return nil
		case <-w.queue.Ready():
		case <-w.poke:
		case r := <-w.results:
			inFlight--
			w.handle(r)
		}
	}
}

func (w *Worker) execute(ctx context.Context, d dispatch) {
	out := Failed(errors.New("action did not return"))
	defer func() {
		if p := recover(); p != nil {
			out = Failed(fmt.Errorf("panic: %v", p))
		}
		w.results <- result{dispatch: d, outcome: out}
	}()
	out = d.action.Execute(ctx)
}

// claim marks a as executing. An action whose path is busy is parked until
// the running action on that path finishes.
func (w *Worker) claim(a Action) (dispatch, bool) {
	d := dispatch{action: a, keys: dependencyKeys(a)}
	if p, ok := a.(pathKeyed); ok {
		d.pathKey = p.pathKey()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if d.pathKey != "" {
		if w.busy[d.pathKey] {
			w.queue.ParkOn(busyKey(d.pathKey), a)
			return dispatch{}, false
		}
		w.busy[d.pathKey] = true
	}
	for _, k := range d.keys {
		w.executing[k]++
	}
	return d, true
}

func (w *Worker) release(d dispatch) {
	w.mu.Lock()
	if d.pathKey != "" {
		delete(w.busy, d.pathKey)
	}
	for _, k := range d.keys {
		if w.executing[k] <= 1 {
			delete(w.executing, k)
		} else {
			w.executing[k]--
		}
	}
	w.mu.Unlock()

	if d.pathKey != "" {
		w.queue.WakeUp(busyKey(d.pathKey))
	}
}

func busyKey(pathKey string) string {
	return "busy:" + pathKey
}

func (w *Worker) handle(r result) {
	w.release(r.dispatch)
	a, out := r.action, r.outcome

	switch out.Kind {
	case OutcomeDone:
		w.mu.Lock()
		delete(w.attempts, a)
		w.offline = false
		w.lastErr = nil
		w.mu.Unlock()

		w.wake(r.dispatch)
		if out.Note != "" {
			w.logger.Debug("action skipped", "action", a.String(), "note", out.Note)
			return
		}
		w.logger.Info("action done", "action", a.String())
		w.audit(a)

	case OutcomeRetry:
		w.retry(r.dispatch, out)

	default:
		w.mu.Lock()
		delete(w.attempts, a)
		w.mu.Unlock()

		w.wake(r.dispatch)
		w.logger.Error("action failed", "action", a.String(), "error", out.Reason)
	}
}

// wake releases everything parked on the keys a finished action answers
// to, both those it had when dispatched and those it has now.
func (w *Worker) wake(d dispatch) {
	seen := make(map[string]bool)
	for _, k := range append(append([]string{}, d.keys...), dependencyKeys(d.action)...) {
		if seen[k] {
			continue
		}
		seen[k] = true
		w.queue.WakeUp(k)
	}
}

func (w *Worker) retry(d dispatch, out Outcome) {
	a := d.action

	if out.WaitKey != "" && w.dependencyPending(out.WaitKey) {
		w.queue.ParkOn(out.WaitKey, a)
		w.logger.Debug("action parked", "action", a.String(), "waiting_for", out.WaitKey)
		return
	}

	w.mu.Lock()
	n := w.attempts[a] + 1
	w.lastErr = out.Reason
	w.offline = errors.Is(out.Reason, ErrUnreachable)
	if w.cfg.MaxAttempts > 0 && n >= w.cfg.MaxAttempts {
		delete(w.attempts, a)
		w.mu.Unlock()

		w.wake(d)
		w.logger.Error("action failed", "action", a.String(), "attempts", n, "error", out.Reason)
		return
	}
	w.attempts[a] = n
	delay := w.backoff(n)
	w.scheduleLocked(a, delay)
	w.mu.Unlock()

	w.logger.Warn("action will retry", "action", a.String(), "attempt", n, "delay", delay, "reason", out.Reason)
}

// dependencyPending reports whether an action answering to key is queued,
// parked, executing or waiting out a backoff.
func (w *Worker) dependencyPending(key string) bool {
	if w.queue.Pending(key) {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.executing[key] > 0 {
		return true
	}
	for a := range w.scheduled {
		for _, k := range dependencyKeys(a) {
			if k == key {
				return true
			}
		}
	}
	return false
}

func (w *Worker) backoff(attempt int) time.Duration {
	exp := attempt - 1
	if exp > 10 {
		exp = 10
	}
	d := w.cfg.BaseBackoff << exp
	if d > w.cfg.MaxBackoff || d <= 0 {
		d = w.cfg.MaxBackoff
	}
	return d
}

func (w *Worker) scheduleLocked(a Action, delay time.Duration) {
	w.scheduled[a] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		if _, ok := w.scheduled[a]; !ok {
			w.mu.Unlock()
			return
		}
		delete(w.scheduled, a)
		w.mu.Unlock()
		w.queue.Put(a)
	})
}

func (w *Worker) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for a, t := range w.scheduled {
		t.Stop()
		delete(w.scheduled, a)
	}
}

// Reset forgets retry state and cancels pending retries. Used together with
// Queue.ClearAll for a forced resync.
func (w *Worker) Reset() {
	w.stopTimers()
	w.mu.Lock()
	w.attempts = make(map[Action]int)
	w.lastErr = nil
	w.offline = false
	w.mu.Unlock()
	w.nudge()
}

// Pause stops dispatching new actions. Actions already executing finish.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
	w.logger.Info("worker paused")
	w.nudge()
}

// Resume restarts dispatching after Pause.
func (w *Worker) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
	w.logger.Info("worker resumed")
	w.nudge()
}

func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Status returns the latest published snapshot.
func (w *Worker) Status() Status {
	return w.status.Current()
}

func (w *Worker) nudge() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

func (w *Worker) publish(inFlight int) {
	s := Status{
		Ready:    w.queue.Len(),
		Waiting:  w.queue.Waiting(),
		InFlight: inFlight,
	}

	w.mu.Lock()
	s.Retrying = len(w.scheduled)
	stalled := false
	for _, n := range w.attempts {
		if n >= w.cfg.StallThreshold {
			stalled = true
			break
		}
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	switch {
	case w.paused:
		s.State = StatePaused
	case w.offline && s.Retrying > 0:
		s.State = StateOffline
	case stalled:
		s.State = StateStalled
	case s.InFlight > 0 || s.Ready > 0 || s.Retrying > 0:
		s.State = StateWorking
	default:
		s.State = StateIdle
	}
	w.mu.Unlock()

	w.status.set(s)
}

func (w *Worker) audit(a Action) {
	entry := &model.LogEntry{
		Timestamp: w.env.Clock.Now().UTC(),
		Action:    actionName(a),
		Message:   a.String(),
	}
	if p, ok := a.(interface {
		Root() *model.WatchRoot
		Filename() string
	}); ok {
		entry.WatchRootID = sql.NullInt64{Int64: p.Root().ID, Valid: true}
		entry.Filename = p.Filename()
	}
	if err := w.env.Store.AppendLogEntry(entry); err != nil {
		w.logger.Warn("appending log entry", "action", a.String(), "error", err)
	}
}
