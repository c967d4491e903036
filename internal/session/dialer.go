package session

import (
	"context"

	"golang.org/x/crypto/ssh"

	"github.com/Lkisever/tiny-sftp/internal/models"
)

// Dialer opens Clients for one fixed Config. The private key is parsed once
// by Prepare and reused by every Open.
type Dialer struct {
	config Config
	signer ssh.Signer
}

// NewDialer creates a Dialer for cfg. No I/O happens until Prepare or Open.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{config: cfg}
}

// Prepare loads and validates the private key. It returns a *KeyLoadError
// when the key cannot be used.
func (d *Dialer) Prepare() error {
	signer, err := LoadSigner(d.config.PrivateKeyPath, d.config.PreferredKeyAlgorithms)
	if err != nil {
		return err
	}
	d.signer = signer
	return nil
}

// Open establishes a new session. Prepare is called first if needed.
func (d *Dialer) Open(ctx context.Context) (models.Session, error) {
	if d.signer == nil {
		if err := d.Prepare(); err != nil {
			return nil, err
		}
	}
	c, err := dial(ctx, d.config, d.signer)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config returns the connection parameters.
func (d *Dialer) Config() Config {
	return d.config
}
