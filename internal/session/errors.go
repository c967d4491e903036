package session

import (
	"fmt"

	"github.com/Lkisever/tiny-sftp/internal/models"
)

// KeyLoadError is returned when the private key is missing, unreadable,
// malformed or incompatible with the preferred algorithms.
type KeyLoadError struct {
	Path string
	Err  error
}

func (e *KeyLoadError) Error() string {
	return fmt.Sprintf("load private key %q: %v", e.Path, e.Err)
}

func (e *KeyLoadError) Unwrap() error { return e.Err }

func (e *KeyLoadError) Is(target error) bool { return target == models.ErrKeyLoad }

// AuthError is returned when the server rejects the key or the server's
// host key fails verification.
type AuthError struct {
	Addr string
	User string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authenticate %s@%s: %v", e.User, e.Addr, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == models.ErrAuthentication }

// ConnectionError covers every other failure to establish the session:
// TCP dial, handshake or SFTP subsystem start.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == models.ErrConnection }
