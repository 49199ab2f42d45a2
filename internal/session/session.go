// Package session opens and maintains authenticated SFTP sessions. It owns
// the keep-alive and reconnect policy; everything downstream holds a *Session
// and asks it for the current remote filesystem handle.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydock/ferry/internal/profile"
	"github.com/ferrydock/ferry/internal/remote"
)

// State is the session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// conn is an established, authenticated transport. The real implementation
// wraps an ssh.Client plus sftp.Client; tests substitute fakes.
type conn interface {
	// FS returns the remote filesystem capability of this transport.
	FS() remote.FS

	// Probe performs a cheap liveness check over the same channel transfers
	// use.
	Probe() error

	// Close releases the transport unconditionally.
	Close() error
}

// Session is one live, authenticated connection to a server. All state
// mutations go through the owning Manager's goroutines; readers use the
// accessor methods.
type Session struct {
	id      string
	profile profile.Profile
	opts    ConnectOptions
	mgr     *Manager

	mu           sync.RWMutex
	state        State
	conn         conn
	lastActivity time.Time
	probeFails   int

	stopKeepAlive chan struct{}
	stopOnce      sync.Once
}

func newSession(prof profile.Profile, opts ConnectOptions, mgr *Manager) *Session {
	return &Session{
		id:            uuid.NewString(),
		profile:       prof,
		opts:          opts,
		mgr:           mgr,
		state:         StateDisconnected,
		stopKeepAlive: make(chan struct{}),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// Profile returns a copy of the profile this session was opened with.
func (s *Session) Profile() profile.Profile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns the time of the last successful remote operation or
// probe.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// FS returns the remote filesystem handle for the current transport.
// Jobs re-fetch this after every retry so a reconnected session's new
// transport is picked up transparently.
func (s *Session) FS() (remote.FS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state != StateConnected || s.conn == nil {
		return nil, newError(KindConnectionLost, "session is "+string(s.state), nil)
	}
	return s.conn.FS(), nil
}

// Touch records activity, deferring the next keep-alive probe's urgency.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// setState transitions the session and publishes the change. Returns the
// previous state.
func (s *Session) setState(newState State, cause error) State {
	s.mu.Lock()
	old := s.state
	s.state = newState
	s.mu.Unlock()

	if old != newState && s.mgr != nil && s.mgr.bus != nil {
		s.mgr.bus.PublishSessionState(s.id, s.profile.Name, string(old), string(newState), cause)
	}
	return old
}

// swapConn installs a fresh transport, closing any previous one.
func (s *Session) swapConn(c conn) {
	s.mu.Lock()
	old := s.conn
	s.conn = c
	s.probeFails = 0
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// currentConn returns the transport regardless of state (for probing and
// closing).
func (s *Session) currentConn() conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.stopKeepAlive) })
}
