package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyVerifier checks server identity against an OpenSSH-format
// known_hosts file with a trust-on-first-use option. A first-seen key is
// recorded only when the caller explicitly opted in; a changed key is always
// rejected.
type hostKeyVerifier struct {
	path     string
	trustNew bool

	mu      sync.Mutex
	lastErr *Error // Classification captured for the ssh handshake wrapper
}

func newHostKeyVerifier(path string, trustNew bool) (*hostKeyVerifier, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open known_hosts: %w", err)
	}
	f.Close()
	return &hostKeyVerifier{path: path, trustNew: trustNew}, nil
}

// takeError returns and clears the recorded classification. The ssh package
// wraps callback errors inside handshake errors; recording them here lets
// the manager surface the precise cause.
func (v *hostKeyVerifier) takeError() *Error {
	v.mu.Lock()
	defer v.mu.Unlock()
	err := v.lastErr
	v.lastErr = nil
	return err
}

func (v *hostKeyVerifier) record(err *Error) error {
	v.mu.Lock()
	v.lastErr = err
	v.mu.Unlock()
	return err
}

func (v *hostKeyVerifier) callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// Rebuilt per handshake so keys recorded by earlier connects are seen.
		check, err := knownhosts.New(v.path)
		if err != nil {
			return v.record(newError(KindHostKeyMismatch, "failed to read known_hosts", err))
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return v.record(newError(KindHostKeyMismatch, "host key verification failed", err))
		}

		if len(keyErr.Want) > 0 {
			return v.record(newError(KindHostKeyMismatch,
				fmt.Sprintf("host key for %s changed (got %s); refusing to connect",
					hostname, ssh.FingerprintSHA256(key)), nil))
		}

		// First contact with this host.
		if !v.trustNew {
			return v.record(newError(KindHostKeyMismatch,
				fmt.Sprintf("unknown host %s (key %s); re-run with --trust-host to accept it",
					hostname, ssh.FingerprintSHA256(key)), nil))
		}
		if err := v.recordKey(hostname, key); err != nil {
			return v.record(newError(KindHostKeyMismatch, "failed to record host key", err))
		}
		return nil
	}
}

// recordKey appends the first-seen key so future connects require an exact
// match.
func (v *hostKeyVerifier) recordKey(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(v.path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		return err
	}
	return nil
}
