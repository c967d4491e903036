// Package sshtest runs an in-process SSH server with the SFTP subsystem for
// tests that need a real remote end.
package sshtest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// Server accepts connections authenticated with a single public key and
// serves the local filesystem over SFTP. Remote paths are local paths.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	listener net.Listener
	accepted int32
	noSFTP   atomic.Bool

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer starts a server on 127.0.0.1:0 that accepts authorized.
// It is shut down when the test ends.
func NewServer(t testing.TB, authorized ssh.PublicKey) *Server {
	t.Helper()

	hostSigner := newEd25519Signer(t)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, ssh.ErrNoAuth
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &Server{
		Addr:     ln.Addr().String(),
		HostKey:  hostSigner.PublicKey(),
		listener: ln,
		conns:    make(map[net.Conn]struct{}),
	}
	t.Cleanup(func() {
		ln.Close()
		s.DropConnections()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&s.accepted, 1)
			s.track(conn)
			go s.handleConn(conn, cfg)
		}
	}()

	return s
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int {
	return int(atomic.LoadInt32(&s.accepted))
}

// DropConnections closes every open client connection, simulating a
// transport failure mid-session.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
		delete(s.conns, c)
	}
}

// DisableSFTP makes the server refuse the sftp subsystem on new sessions
// while still accepting the SSH handshake.
func (s *Server) DisableSFTP() {
	s.noSFTP.Store(true)
}

func (s *Server) track(c net.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	defer s.untrack(conn)
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			return
		}
		go s.serveSubsystem(ch, requests)
	}
}

// serveSubsystem answers the "subsystem sftp" request and serves SFTP on ch.
func (s *Server) serveSubsystem(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		var payload struct{ Name string }
		if req.Type != "subsystem" || ssh.Unmarshal(req.Payload, &payload) != nil || payload.Name != "sftp" || s.noSFTP.Load() {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)

		go ssh.DiscardRequests(requests)
		srv, err := sftp.NewServer(ch)
		if err != nil {
			return
		}
		srv.Serve()
		srv.Close()
		return
	}
}

// =============================================================================
// Keys
// =============================================================================

// WriteRSAKey generates an RSA key, writes it PEM-encoded (PKCS#1) into dir
// and returns the path and a signer for the same key.
func WriteRSAKey(t testing.TB, dir string) (string, ssh.Signer) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return writePEM(t, dir, "id_rsa", block), signer
}

// WriteEd25519Key generates an Ed25519 key, writes it PEM-encoded (PKCS#8)
// into dir and returns the path and a signer for the same key.
func WriteEd25519Key(t testing.TB, dir string) (string, ssh.Signer) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	return writePEM(t, dir, "id_ed25519", &pem.Block{Type: "PRIVATE KEY", Bytes: der}), signer
}

func writePEM(t testing.TB, dir, name string, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func newEd25519Signer(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer
}
