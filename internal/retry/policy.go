package retry

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/sftp"

	"github.com/Lkisever/tiny-sftp/internal/models"
)

const (
	// DefaultMaxAttempts is the per-task attempt budget.
	DefaultMaxAttempts = 3

	DefaultInitialInterval = time.Second
	DefaultMaxInterval     = 30 * time.Second
	DefaultMultiplier      = 2.0
)

// Backoff strategies accepted by Policy.Backoff.
const (
	BackoffExponential = "exponential"
	BackoffConstant    = "constant"
)

// Class is the retry category of an error.
type Class int

const (
	Transient Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "transient"
}

// Policy decides whether a failed attempt is retried and how long to wait.
// It performs no I/O and is safe to copy.
type Policy struct {
	MaxAttempts     int
	Backoff         string
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy returns a capped exponential policy with three attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     DefaultMaxAttempts,
		Backoff:         BackoffExponential,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

// Normalize fills zero or out-of-range fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff == "" {
		p.Backoff = BackoffExponential
	}
	if p.InitialInterval < 0 {
		p.InitialInterval = 0
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// ShouldRetry reports whether another attempt follows attempt number
// attempt (1-indexed) that failed with err.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	return err != nil && Classify(err) == Transient && attempt < p.Normalize().MaxAttempts
}

// DelayFor returns the pause after failed attempt number attempt (1-indexed).
// Exponential delays grow by Multiplier from InitialInterval and are capped
// at MaxInterval.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.newBackOff()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
		if d == backoff.Stop {
			return p.Normalize().MaxInterval
		}
	}
	return d
}

func (p Policy) newBackOff() backoff.BackOff {
	p = p.Normalize()
	if p.Backoff == BackoffConstant {
		return &backoff.ConstantBackOff{Interval: p.InitialInterval}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Classify sorts err into Transient or Terminal.
//
// Missing remote files, permission problems, unwritable destinations,
// authentication failures and a lost session are terminal. Timeouts,
// resets and "try again" errors are transient. Anything unrecognised is
// treated as transient; MaxAttempts bounds the retries.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	switch models.KindOf(err) {
	case models.KindNotFound, models.KindPermissionDenied, models.KindLocalWrite, models.KindSessionLost:
		return Terminal
	case models.KindTransientNetwork:
		return Transient
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Terminal
	case errors.Is(err, models.ErrAuthentication),
		errors.Is(err, models.ErrKeyLoad),
		errors.Is(err, models.ErrSessionLost):
		return Terminal
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return Terminal
	case errors.Is(err, sftp.ErrSSHFxConnectionLost), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return Terminal
	}

	// Timeouts, resets and unrecognised errors are all worth another try.
	return Transient
}

// IsTransientNetwork reports whether err is a network condition expected to
// clear on its own: timeouts, resets, broken pipes and EAGAIN.
func IsTransientNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EAGAIN),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
