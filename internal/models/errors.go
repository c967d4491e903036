package models

import (
	"errors"
	"fmt"
)

// Batch-level failure categories. Concrete errors from the probe and session
// packages match these via errors.Is.
var (
	ErrHostUnreachable = errors.New("host unreachable")
	ErrKeyLoad         = errors.New("private key load failed")
	ErrAuthentication  = errors.New("authentication failed")
	ErrConnection      = errors.New("connection failed")
	ErrSessionLost     = errors.New("session lost")
)

// Kind categorises a task-level transfer failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindPermissionDenied
	KindLocalWrite
	KindTransientNetwork
	KindSessionLost
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindPermissionDenied:
		return "permission denied"
	case KindLocalWrite:
		return "local write error"
	case KindTransientNetwork:
		return "transient network error"
	case KindSessionLost:
		return "session lost"
	default:
		return "unknown"
	}
}

// TransferError describes why a single get operation failed.
type TransferError struct {
	Kind Kind
	Op   string // "open", "read", "create", "write", "rename", "mkdir"
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is lets a TransferError of KindSessionLost match ErrSessionLost.
func (e *TransferError) Is(target error) bool {
	return e.Kind == KindSessionLost && target == ErrSessionLost
}

// KindOf returns the Kind of the first TransferError in err's chain,
// or KindUnknown when there is none.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}
