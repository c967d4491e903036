package session

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// LoadSigner reads and parses the private key at path.
//
// When algorithms is non-empty the returned signer only offers those
// signature algorithms, e.g. "rsa-sha2-256" for servers that reject the
// legacy "ssh-rsa" SHA-1 signature. Every failure is a *KeyLoadError.
func LoadSigner(path string, algorithms []string) (ssh.Signer, error) {
	if path == "" {
		return nil, &KeyLoadError{Path: path, Err: errors.New("no private key path configured")}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, &KeyLoadError{Path: path, Err: errors.New("key is passphrase protected")}
		}
		return nil, &KeyLoadError{Path: path, Err: err}
	}

	if len(algorithms) == 0 {
		return signer, nil
	}

	algSigner, ok := signer.(ssh.AlgorithmSigner)
	if !ok {
		return nil, &KeyLoadError{Path: path, Err: fmt.Errorf("%s key does not support algorithm selection", signer.PublicKey().Type())}
	}
	restricted, err := ssh.NewSignerWithAlgorithms(algSigner, algorithms)
	if err != nil {
		return nil, &KeyLoadError{Path: path, Err: err}
	}
	return restricted, nil
}
