package transfer

import (
	"fmt"
	"time"
)

// Task copies one remote file to one local path. Duplicate tasks in a batch
// are independent.
type Task struct {
	Source      string // remote path
	Destination string // local path
}

func (t Task) String() string {
	return fmt.Sprintf("%s -> %s", t.Source, t.Destination)
}

// Status is the final state of a task in a Report.
type Status int

const (
	StatusSucceeded Status = iota + 1
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of a single attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeTransient
	OutcomeTerminal
	// OutcomeCancelled marks an attempt cut off by cancellation.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeTerminal:
		return "terminal"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Attempt records one try of one task.
type Attempt struct {
	Task     Task
	Number   int // 1-indexed
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Result is produced exactly once per task.
type Result struct {
	Task     Task
	Status   Status
	Attempts int
	// Err is the last failure reason; nil when Status is StatusSucceeded.
	Err error
}

// Reason returns the failure text, or "" for a successful task.
func (r Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Report lists one Result per input task, in input order.
type Report struct {
	ID      string
	Results []Result
	// Fatal is the batch-level cause when the batch could not run to the
	// end: host unreachable, key or authentication failure, connection
	// failure, or a session lost mid-batch.
	Fatal error
}

// Succeeded reports whether every task succeeded.
func (r Report) Succeeded() bool {
	for _, res := range r.Results {
		if res.Status != StatusSucceeded {
			return false
		}
	}
	return r.Fatal == nil
}

// Counts returns the number of succeeded, failed and cancelled tasks.
func (r Report) Counts() (succeeded, failed, cancelled int) {
	for _, res := range r.Results {
		switch res.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	return succeeded, failed, cancelled
}

// FailAll marks every task failed with zero attempts and the given reason.
// Used for batch-fatal conditions hit before any attempt.
func FailAll(tasks []Task, reason error) []Result {
	return fill(tasks, StatusFailed, reason)
}

// CancelAll marks every task cancelled with zero attempts.
func CancelAll(tasks []Task, reason error) []Result {
	return fill(tasks, StatusCancelled, reason)
}

func fill(tasks []Task, status Status, reason error) []Result {
	out := make([]Result, len(tasks))
	for i, t := range tasks {
		out[i] = Result{Task: t, Status: status, Err: reason}
	}
	return out
}
