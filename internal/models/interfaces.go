package models

import (
	"context"
	"io"
)

// Getter copies one remote file to a local path.
type Getter interface {
	Get(ctx context.Context, source, destination string) error
}

// Session is a live authenticated channel to the remote server.
// It is owned by whoever opened it and must be closed on every exit path.
type Session interface {
	Getter
	io.Closer
}

// Prober checks that the remote host accepts TCP connections.
type Prober interface {
	Probe(ctx context.Context, host string, port int) error
}

// Connector produces the single Session used for a batch.
type Connector interface {
	// Prepare loads and validates credentials without touching the network.
	Prepare() error
	// Open establishes and authenticates a new Session.
	Open(ctx context.Context) (Session, error)
}
