package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"git.sr.ht/~spc/go-log"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Lkisever/tiny-sftp/internal/models"
	"github.com/Lkisever/tiny-sftp/internal/retry"
)

// DefaultTimeout bounds connect and handshake when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// copyBufferSize is large enough for pkg/sftp to pipeline several read
// requests per Read call.
const copyBufferSize = 1 << 20

var errNotConnected = errors.New("sftp client not connected")

// Client owns one authenticated SSH connection and the SFTP subsystem
// running on it.
//
// Lifecycle:
//
//	Open()  → TCP connect, SSH handshake, public key auth, SFTP subsystem
//	Get()   → copies one remote file to a local path; repeatable
//	Close() → closes the SFTP subsystem and the SSH connection; idempotent
//
// A Client is not safe for concurrent use.
type Client struct {
	config Config
	conn   *ssh.Client
	sftp   *sftp.Client

	// lost is closed once the SSH connection terminates for any reason.
	lost chan struct{}
}

// Open loads the private key and establishes an SFTP session with the
// server described by cfg.
//
// Errors are *KeyLoadError, *AuthError or *ConnectionError.
func Open(ctx context.Context, cfg Config) (*Client, error) {
	signer, err := LoadSigner(cfg.PrivateKeyPath, cfg.PreferredKeyAlgorithms)
	if err != nil {
		return nil, err
	}
	return dial(ctx, cfg, signer)
}

func dial(ctx context.Context, cfg Config, signer ssh.Signer) (*Client, error) {
	d := net.Dialer{Timeout: timeoutOf(cfg)}
	netConn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, &ConnectionError{Addr: cfg.Addr, Err: err}
	}

	return OpenConn(ctx, cfg, signer, netConn)
}

// OpenConn establishes the SFTP session over an existing net.Conn.
//
// Used in tests to inject a pre-wired connection and for tunnelled or
// proxied connections. On success the Client owns netConn; on error
// netConn is closed before OpenConn returns.
func OpenConn(ctx context.Context, cfg Config, signer ssh.Signer, netConn net.Conn) (*Client, error) {
	hostKeys, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		netConn.Close()
		return nil, &ConnectionError{Addr: cfg.Addr, Err: err}
	}

	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         timeoutOf(cfg),
	}

	// The deadline covers the handshake and SFTP init; it is cleared once
	// the session is usable. A cancelled ctx aborts both by closing the conn.
	netConn.SetDeadline(time.Now().Add(timeoutOf(cfg)))
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.Addr, sshCfg)
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, handshakeError(cfg, err)
	}

	// The watcher holds its own references; Close clears c.conn.
	conn := ssh.NewClient(sshConn, chans, reqs)
	lost := make(chan struct{})
	go func() {
		conn.Wait()
		close(lost)
	}()

	c := &Client{config: cfg, conn: conn, lost: lost}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		c.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Addr: cfg.Addr, Err: fmt.Errorf("start sftp subsystem: %w", err)}
	}
	c.sftp = sc

	netConn.SetDeadline(time.Time{})
	log.Infof("[SESSION] Connected to %s as %s", cfg.Addr, cfg.User)
	return c, nil
}

// Get copies source on the remote server to destination on the local
// filesystem. The data is staged in a temporary file next to destination
// and renamed into place, so a failed copy never leaves a partial file.
//
// Failures are *models.TransferError except for a cancelled ctx, which is
// returned unwrapped.
func (c *Client) Get(ctx context.Context, source, destination string) error {
	if c.sftp == nil {
		return &models.TransferError{Kind: models.KindSessionLost, Op: "open", Path: source, Err: errNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	remote, err := c.sftp.Open(source)
	if err != nil {
		return c.remoteError("open", source, err)
	}
	defer remote.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destination), "."+filepath.Base(destination)+".*.part")
	if err != nil {
		return &models.TransferError{Kind: models.KindLocalWrite, Op: "create", Path: destination, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	w := &localWriter{f: tmp}
	n, err := io.CopyBuffer(w, &ctxReader{ctx: ctx, r: remote}, make([]byte, copyBufferSize))
	if cerr := tmp.Close(); cerr != nil && err == nil {
		w.err, err = cerr, cerr
	}
	if err != nil {
		switch {
		case w.err != nil:
			return &models.TransferError{Kind: models.KindLocalWrite, Op: "write", Path: destination, Err: w.err}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return c.remoteError("read", source, err)
		}
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		return &models.TransferError{Kind: models.KindLocalWrite, Op: "chmod", Path: destination, Err: err}
	}
	if err := os.Rename(tmpName, destination); err != nil {
		return &models.TransferError{Kind: models.KindLocalWrite, Op: "rename", Path: destination, Err: err}
	}
	committed = true

	log.Debugf("[SESSION] Fetched %s -> %s (%d bytes)", source, destination, n)
	return nil
}

// Close terminates the SFTP subsystem and the SSH connection.
// Safe to call more than once and on a partially opened Client.
func (c *Client) Close() error {
	var result error

	if c.sftp != nil {
		if err := ignoreClosed(c.sftp.Close()); err != nil {
			result = multierror.Append(result, fmt.Errorf("close sftp client: %w", err))
		}
		c.sftp = nil
	}

	if c.conn != nil {
		if err := ignoreClosed(c.conn.Close()); err != nil {
			result = multierror.Append(result, fmt.Errorf("close ssh connection: %w", err))
		}
		c.conn = nil
		log.Infof("[SESSION] Closed connection to %s", c.config.Addr)
	}

	return result
}

// Addr returns the remote server address (host:port).
func (c *Client) Addr() string {
	return c.config.Addr
}

// User returns the username used to authenticate with the remote server.
func (c *Client) User() string {
	return c.config.User
}

// remoteError maps an error from the SFTP server side onto a transfer Kind.
func (c *Client) remoteError(op, path string, err error) error {
	kind := models.KindUnknown
	switch {
	case errors.Is(err, os.ErrNotExist):
		kind = models.KindNotFound
	case errors.Is(err, os.ErrPermission):
		kind = models.KindPermissionDenied
	case errors.Is(err, sftp.ErrSSHFxConnectionLost),
		errors.Is(err, sftp.ErrSSHFxNoConnection),
		errors.Is(err, io.EOF),
		c.connectionLost():
		kind = models.KindSessionLost
	case retry.IsTransientNetwork(err):
		kind = models.KindTransientNetwork
	}
	return &models.TransferError{Kind: kind, Op: op, Path: path, Err: err}
}

func (c *Client) connectionLost() bool {
	if c.lost == nil {
		return false
	}
	select {
	case <-c.lost:
		return true
	default:
		return false
	}
}

// handshakeError separates rejected credentials from transport failures.
// x/crypto/ssh reports auth failure only through its message text.
func handshakeError(cfg Config, err error) error {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return &AuthError{Addr: cfg.Addr, User: cfg.User, Err: fmt.Errorf("host key verification failed: %w", err)}
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &AuthError{Addr: cfg.Addr, User: cfg.User, Err: err}
	default:
		return &ConnectionError{Addr: cfg.Addr, Err: err}
	}
}

func hostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %q: %w", knownHostsPath, err)
	}
	return cb, nil
}

func timeoutOf(cfg Config) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return DefaultTimeout
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ctxReader stops a copy as soon as ctx is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// localWriter remembers write failures so they are not mistaken for
// remote read failures.
type localWriter struct {
	f   *os.File
	err error
}

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		w.err = err
	}
	return n, err
}
