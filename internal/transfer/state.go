package transfer

import "github.com/Lkisever/tiny-sftp/internal/retry"

// Phase is a task's position in its retry state machine:
//
//	Pending → Attempting(1) → Attempting(n+1) … → Succeeded | Failed
type Phase int

const (
	PhasePending Phase = iota
	PhaseAttempting
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseAttempting:
		return "attempting"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the retry state of one task. Attempt is the number of the
// attempt in progress (Attempting) or of the last attempt made (final).
type State struct {
	Phase   Phase
	Attempt int
	Err     error
}

// Done reports whether the state is final.
func (s State) Done() bool {
	return s.Phase == PhaseSucceeded || s.Phase == PhaseFailed
}

// Start moves a pending task to its first attempt.
func Start() State {
	return State{Phase: PhaseAttempting, Attempt: 1}
}

// Step returns the state after the current attempt ended with err.
// It never yields more than policy.MaxAttempts attempts.
func Step(s State, err error, policy retry.Policy) State {
	if s.Phase != PhaseAttempting {
		return s
	}
	if err == nil {
		return State{Phase: PhaseSucceeded, Attempt: s.Attempt}
	}
	if policy.ShouldRetry(s.Attempt, err) {
		return State{Phase: PhaseAttempting, Attempt: s.Attempt + 1, Err: err}
	}
	return State{Phase: PhaseFailed, Attempt: s.Attempt, Err: err}
}
