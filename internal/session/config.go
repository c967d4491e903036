package session

import "time"

// Config holds connection parameters for the remote SFTP server.
//
// It is a pure data-transfer object. The batch runner builds it once from
// the loaded configuration and hands it to NewDialer.
type Config struct {
	// Addr is the remote server address, e.g. "10.0.0.1:22".
	Addr string

	// User is the account the private key is authorised for.
	User string

	// PrivateKeyPath points at an unencrypted PEM or OpenSSH private key.
	PrivateKeyPath string

	// PreferredKeyAlgorithms restricts the public key signature algorithms
	// offered during authentication, e.g. "rsa-sha2-512". Empty means the
	// library defaults for the key type.
	PreferredKeyAlgorithms []string

	// KnownHostsPath enables host key verification against an OpenSSH
	// known_hosts file. Empty accepts any host key.
	KnownHostsPath string

	// Timeout bounds the TCP connect and the SSH handshake.
	Timeout time.Duration
}
