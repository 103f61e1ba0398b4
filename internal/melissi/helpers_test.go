package melissi_test

import (
	"context"
	"sync"

	"melissi-go/internal/melissi"
)

// fakeAction returns scripted outcomes, one per execution; the last one
// repeats.
type fakeAction struct {
	id       string
	outcomes []melissi.Outcome

	mu    sync.Mutex
	runs  int
	block chan struct{}
	run   func()
}

func newFake(id string, outcomes ...melissi.Outcome) *fakeAction {
	if len(outcomes) == 0 {
		outcomes = []melissi.Outcome{melissi.Done()}
	}
	return &fakeAction{id: id, outcomes: outcomes}
}

func (f *fakeAction) UniqueID() string { return f.id }

func (f *fakeAction) String() string { return "Fake(" + f.id + ")" }

func (f *fakeAction) Execute(ctx context.Context) melissi.Outcome {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return melissi.RetryLater(ctx.Err())
		}
	}
	if f.run != nil {
		f.run()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.runs
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	f.runs++
	return f.outcomes[i]
}

func (f *fakeAction) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}
