package session

import (
	"errors"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/ferrydock/ferry/internal/events"
	"github.com/ferrydock/ferry/internal/logging"
	"github.com/ferrydock/ferry/internal/profile"
	"github.com/ferrydock/ferry/internal/remote"
	"github.com/ferrydock/ferry/internal/vault"
)

const (
	// keepAliveFailureThreshold is how many consecutive probe failures move
	// a connected session to reconnecting.
	keepAliveFailureThreshold = 3

	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// ConnectOptions carries per-connect caller decisions that do not belong in
// the stored profile.
type ConnectOptions struct {
	// TrustNewHostKey accepts and records a first-seen host key. A changed
	// key is rejected regardless.
	TrustNewHostKey bool

	// KeyPassphrase unlocks a passphrase-protected private key.
	KeyPassphrase string
}

// dialFunc establishes an authenticated transport. Swapped out in tests.
type dialFunc func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error)

// Manager opens, maintains and closes sessions.
type Manager struct {
	vault          *vault.Vault
	bus            *events.Bus
	log            *logging.Logger
	knownHostsPath string
	retryCeiling   int

	dial              dialFunc
	keepAliveOverride time.Duration // test hook; zero uses the profile interval

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager. retryCeiling bounds reconnect
// attempts before a session is marked failed.
func NewManager(v *vault.Vault, bus *events.Bus, log *logging.Logger, knownHostsPath string, retryCeiling int) *Manager {
	return &Manager{
		vault:          v,
		bus:            bus,
		log:            log,
		knownHostsPath: knownHostsPath,
		retryCeiling:   retryCeiling,
		dial:           dialSSH,
		sessions:       make(map[string]*Session),
	}
}

// Connect authenticates against the profile's server and returns a live
// session with its keep-alive loop running.
func (m *Manager) Connect(prof profile.Profile, opts ConnectOptions) (*Session, error) {
	if err := prof.Validate(); err != nil {
		return nil, err
	}

	s := newSession(prof, opts, m)
	s.setState(StateConnecting, nil)

	c, err := m.connectOnce(prof, opts)
	if err != nil {
		s.setState(StateFailed, err)
		return nil, err
	}

	s.swapConn(c)
	s.setState(StateConnected, nil)

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	go m.keepAliveLoop(s)

	m.log.Info().
		Str("session", s.id).
		Str("profile", prof.Name).
		Str("addr", prof.Addr()).
		Msg("connected")
	return s, nil
}

// Disconnect releases the session's transport unconditionally. Safe to call
// on an already-failed or already-disconnected session.
func (m *Manager) Disconnect(s *Session) {
	if s == nil {
		return
	}
	s.stop()
	if c := s.currentConn(); c != nil {
		c.Close()
	}
	s.setState(StateDisconnected, nil)

	m.mu.Lock()
	delete(m.sessions, s.id)
	m.mu.Unlock()
}

// connectOnce performs one full dial + authenticate + subsystem open.
func (m *Manager) connectOnce(prof profile.Profile, opts ConnectOptions) (conn, error) {
	auth, err := m.authMethods(prof, opts)
	if err != nil {
		return nil, err
	}

	verifier, err := newHostKeyVerifier(m.knownHostsPath, opts.TrustNewHostKey)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            prof.Username,
		Auth:            auth,
		HostKeyCallback: verifier.callback(),
		Timeout:         prof.Timeout(),
	}

	c, err := m.dial(prof, cfg)
	if err != nil {
		// The ssh package wraps handshake errors; prefer the classification
		// the verifier recorded over string matching.
		if ve := verifier.takeError(); ve != nil {
			return nil, ve
		}
		return nil, classifyDialError(err)
	}
	return c, nil
}

// authMethods resolves the profile's auth method into ssh credentials.
// Vault errors are surfaced as-is: they indicate configuration problems and
// are never retried here.
func (m *Manager) authMethods(prof profile.Profile, opts ConnectOptions) ([]ssh.AuthMethod, error) {
	switch prof.AuthMethod {
	case profile.AuthPassword:
		password, err := m.vault.Unwrap(prof.SecretRef)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.Password(password)}, nil

	case profile.AuthPrivateKey:
		data, err := os.ReadFile(prof.KeyPath)
		if err != nil {
			return nil, newError(KindAuthFailed, "failed to read private key "+prof.KeyPath, err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if !errors.As(err, &missing) {
				return nil, newError(KindAuthFailed, "failed to parse private key", err)
			}
			if opts.KeyPassphrase == "" {
				return nil, newError(KindAuthFailed, "private key is encrypted and no passphrase was given", nil)
			}
			signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(opts.KeyPassphrase))
			if err != nil {
				return nil, newError(KindAuthFailed, "failed to decrypt private key", err)
			}
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	default:
		return nil, newError(KindAuthFailed, "profile has no usable auth method", nil)
	}
}

// classifyDialError maps transport-level failures onto the session taxonomy.
// Timeout means no response at all; everything else that kills the dial is a
// lost connection.
func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, "no response from server", err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "no supported methods remain") {
		return newError(KindAuthFailed, "server rejected credentials", err)
	}
	return newError(KindConnectionLost, "failed to establish connection", err)
}

// keepAliveLoop probes the session on its interval. Three consecutive
// failures trigger the reconnect ladder; exhaustion ends the loop with the
// session failed.
func (m *Manager) keepAliveLoop(s *Session) {
	interval := s.profile.KeepAliveInterval()
	if m.keepAliveOverride > 0 {
		interval = m.keepAliveOverride
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopKeepAlive:
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				continue
			}
			if err := m.probe(s); err != nil {
				s.mu.Lock()
				s.probeFails++
				fails := s.probeFails
				s.mu.Unlock()

				m.log.Warn().
					Str("session", s.id).
					Int("consecutive_failures", fails).
					Err(err).
					Msg("keep-alive probe failed")

				if fails >= keepAliveFailureThreshold {
					if !m.reconnect(s) {
						return
					}
				}
			} else {
				s.mu.Lock()
				s.probeFails = 0
				s.lastActivity = time.Now()
				s.mu.Unlock()
			}
		}
	}
}

// probe runs the transport liveness check bounded by the profile timeout.
func (m *Manager) probe(s *Session) error {
	c := s.currentConn()
	if c == nil {
		return newError(KindConnectionLost, "no transport", nil)
	}

	done := make(chan error, 1)
	go func() { done <- c.Probe() }()

	select {
	case err := <-done:
		return err
	case <-time.After(s.profile.Timeout()):
		// The hung probe goroutine unblocks when the transport is closed
		// during reconnect.
		return newError(KindTimeout, "keep-alive probe timed out", nil)
	}
}

// reconnect attempts re-authentication with exponential backoff up to the
// retry ceiling. Returns false when the session is terminally failed or was
// stopped.
func (m *Manager) reconnect(s *Session) bool {
	s.setState(StateReconnecting, nil)

	// Close the broken transport so any operation blocked on it unsticks.
	if c := s.currentConn(); c != nil {
		c.Close()
	}

	backoff := backoffBase
	for attempt := 1; attempt <= m.retryCeiling; attempt++ {
		select {
		case <-s.stopKeepAlive:
			return false
		case <-time.After(jitter(backoff)):
		}

		c, err := m.connectOnce(s.profile, s.opts)
		if err == nil {
			s.swapConn(c)
			s.setState(StateConnected, nil)
			m.log.Info().
				Str("session", s.id).
				Int("attempt", attempt).
				Msg("reconnected")
			return true
		}

		m.log.Warn().
			Str("session", s.id).
			Int("attempt", attempt).
			Int("ceiling", m.retryCeiling).
			Err(err).
			Msg("reconnect attempt failed")

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}

	s.setState(StateFailed, newError(KindConnectionLost, "reconnect attempts exhausted", nil))
	return false
}

// jitter spreads a backoff delay over [d/2, d] so reconnect storms from many
// sessions do not align.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := int64(d) / 2
	return time.Duration(half + rand.Int63n(half+1))
}

// sshConn is the production transport: an SSH connection with the sftp
// subsystem open on top.
type sshConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
	fs   remote.FS
}

func dialSSH(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
	client, err := ssh.Dial("tcp", prof.Addr(), cfg)
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, newError(KindUnsupported, "server does not provide the sftp subsystem", err)
	}

	return &sshConn{
		ssh:  client,
		sftp: sftpClient,
		fs:   remote.NewSFTP(sftpClient),
	}, nil
}

func (c *sshConn) FS() remote.FS { return c.fs }

// Probe resolves "." over the sftp channel, exercising the same path
// transfers use.
func (c *sshConn) Probe() error {
	_, err := c.sftp.RealPath(".")
	return err
}

func (c *sshConn) Close() error {
	c.sftp.Close()
	return c.ssh.Close()
}
