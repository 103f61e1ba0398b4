package melissi

import "fmt"

// OutcomeKind classifies the result of executing an action.
type OutcomeKind int

const (
	// OutcomeDone means the action completed; nothing is re-queued.
	OutcomeDone OutcomeKind = iota
	// OutcomeRetry means a recoverable condition was hit.
	OutcomeRetry
	// OutcomeFatal means the action can never succeed and is discarded.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is what Action.Execute returns to the worker.
type Outcome struct {
	Kind   OutcomeKind
	Reason error

	// WaitKey, when set on a retry, names the dependency (the UniqueID of
	// another action) whose completion clears the condition.
	WaitKey string

	// Note explains a completion that changed nothing. Such completions are
	// not written to the audit log.
	Note string
}

// Done reports successful completion.
func Done() Outcome {
	return Outcome{Kind: OutcomeDone}
}

// NoOp reports completion without any local or remote change.
func NoOp(note string) Outcome {
	return Outcome{Kind: OutcomeDone, Note: note}
}

// RetryLater asks the worker to run the action again after a backoff.
func RetryLater(reason error) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason}
}

// WaitFor asks the worker to park the action until the action identified by
// key completes.
func WaitFor(key string, reason error) Outcome {
	return Outcome{Kind: OutcomeRetry, Reason: reason, WaitKey: key}
}

// Failed reports an unrecoverable condition.
func Failed(reason error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason}
}

func (o Outcome) String() string {
	switch {
	case o.Note != "":
		return fmt.Sprintf("%s (%s)", o.Kind, o.Note)
	case o.Reason == nil:
		return o.Kind.String()
	case o.WaitKey != "":
		return fmt.Sprintf("%s (waiting for %q): %v", o.Kind, o.WaitKey, o.Reason)
	default:
		return fmt.Sprintf("%s: %v", o.Kind, o.Reason)
	}
}
