package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"git.sr.ht/~spc/go-log"

	"github.com/Lkisever/tiny-sftp/internal/models"
)

// DefaultTimeout bounds a probe when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// DialFunc opens a raw connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// UnreachableError reports that host:port did not accept a connection in time.
// It matches models.ErrHostUnreachable via errors.Is.
type UnreachableError struct {
	Addr string
	Err  error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("host unreachable: %s: %v", e.Addr, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

func (e *UnreachableError) Is(target error) bool { return target == models.ErrHostUnreachable }

// Prober is a pure liveness check: the probe connection is never reused
// for the real session.
type Prober struct {
	timeout time.Duration
	dial    DialFunc
}

// New creates a Prober that waits at most timeout for the TCP handshake.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &net.Dialer{}
	return &Prober{timeout: timeout, dial: d.DialContext}
}

// NewWithDialer creates a Prober that opens connections through dial.
// Used in tests and for tunnelled setups.
func NewWithDialer(timeout time.Duration, dial DialFunc) *Prober {
	p := New(timeout)
	p.dial = dial
	return p
}

// Probe returns nil when host:port completes a TCP handshake within the
// timeout and an *UnreachableError otherwise. A cancelled ctx is returned
// as-is so callers can tell cancellation from unreachability.
func (p *Prober) Probe(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("[PROBE] %s unreachable: %v", addr, err)
		return &UnreachableError{Addr: addr, Err: err}
	}
	conn.Close()

	log.Debugf("[PROBE] %s reachable", addr)
	return nil
}

// Timeout returns the configured probe timeout.
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}
