package session

import (
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ferrydock/ferry/internal/events"
	"github.com/ferrydock/ferry/internal/logging"
	"github.com/ferrydock/ferry/internal/profile"
	"github.com/ferrydock/ferry/internal/remote"
	"github.com/ferrydock/ferry/internal/vault"
)

// fakeConn is a stand-in transport for lifecycle tests.
type fakeConn struct {
	fs remote.FS

	mu       sync.Mutex
	probeErr error
	closed   bool
}

func (c *fakeConn) FS() remote.FS { return c.fs }

func (c *fakeConn) Probe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probeErr
}

func (c *fakeConn) setProbeErr(err error) {
	c.mu.Lock()
	c.probeErr = err
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func testManager(t *testing.T, bus *events.Bus, retryCeiling int) *Manager {
	t.Helper()
	v := vault.New(filepath.Join(t.TempDir(), "vault.key"))
	log := logging.NewLogger(io.Discard)
	return NewManager(v, bus, log, filepath.Join(t.TempDir(), "known_hosts"), retryCeiling)
}

func passwordProfile(t *testing.T, m *Manager) profile.Profile {
	t.Helper()
	ref, err := m.vault.Wrap("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	return profile.Profile{
		Name:                     "prod",
		Host:                     "h",
		Port:                     22,
		Username:                 "deploy",
		AuthMethod:               profile.AuthPassword,
		SecretRef:                ref,
		TimeoutSeconds:           1,
		KeepAliveIntervalSeconds: 1,
	}
}

// collectStates drains session state events into an ordered slice.
func collectStates(ch <-chan events.Event, n int, timeout time.Duration) []string {
	var states []string
	deadline := time.After(timeout)
	for len(states) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return states
			}
			if se, isState := ev.(events.SessionStateEvent); isState {
				states = append(states, se.NewState)
			}
		case <-deadline:
			return states
		}
	}
	return states
}

func TestConnect_Success(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()
	ch := bus.Subscribe(events.EventSessionStateChanged)

	m := testManager(t, bus, 1)
	fc := &fakeConn{fs: remote.NewMemFS()}
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		if cfg.User != "deploy" {
			t.Errorf("Expected user deploy, got %s", cfg.User)
		}
		return fc, nil
	}

	s, err := m.Connect(passwordProfile(t, m), ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(s)

	if s.State() != StateConnected {
		t.Errorf("Expected connected, got %s", s.State())
	}
	if _, err := s.FS(); err != nil {
		t.Errorf("FS on connected session failed: %v", err)
	}

	states := collectStates(ch, 2, time.Second)
	if len(states) != 2 || states[0] != "connecting" || states[1] != "connected" {
		t.Errorf("Unexpected state sequence: %v", states)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	m := testManager(t, nil, 1)
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate")
	}

	_, err := m.Connect(passwordProfile(t, m), ConnectOptions{})
	if !IsKind(err, KindAuthFailed) {
		t.Errorf("Expected KindAuthFailed, got %v", err)
	}
}

func TestConnect_VaultErrorSurfaced(t *testing.T) {
	m := testManager(t, nil, 1)
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		t.Fatal("dial must not run when the vault fails")
		return nil, nil
	}

	prof := passwordProfile(t, m)
	prof.SecretRef = "fv1:bm90IGEgcmVhbCBzZWNyZXQgcmVmIQ==" // Wrong key material

	_, err := m.Connect(prof, ConnectOptions{})
	if !vault.IsKind(err, vault.KindDecryptFailed) {
		t.Errorf("Expected vault decrypt failure surfaced, got %v", err)
	}
}

func TestDisconnect_SafeOnFailedSession(t *testing.T) {
	m := testManager(t, nil, 1)
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		return nil, errors.New("connection refused")
	}

	_, err := m.Connect(passwordProfile(t, m), ConnectOptions{})
	if !IsKind(err, KindConnectionLost) {
		t.Fatalf("Expected KindConnectionLost, got %v", err)
	}

	// Disconnect on nil and on a bare session must not panic.
	m.Disconnect(nil)
	s := newSession(passwordProfile(t, m), ConnectOptions{}, m)
	m.Disconnect(s)
	m.Disconnect(s)
}

func TestReconnect_SuccessResumesConnected(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	m := testManager(t, bus, 3)
	good := &fakeConn{fs: remote.NewMemFS()}

	var dials int
	var dialMu sync.Mutex
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		dials++
		if dials == 1 {
			return good, nil
		}
		if dials == 2 {
			return nil, errors.New("connection refused")
		}
		return &fakeConn{fs: remote.NewMemFS()}, nil
	}

	s, err := m.Connect(passwordProfile(t, m), ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect(s)

	ch := bus.Subscribe(events.EventSessionStateChanged)

	if ok := m.reconnect(s); !ok {
		t.Fatal("Expected reconnect to succeed")
	}
	if s.State() != StateConnected {
		t.Errorf("Expected connected after reconnect, got %s", s.State())
	}
	good.mu.Lock()
	closed := good.closed
	good.mu.Unlock()
	if !closed {
		t.Error("Broken transport was not closed during reconnect")
	}

	states := collectStates(ch, 2, 10*time.Second)
	if len(states) != 2 || states[0] != "reconnecting" || states[1] != "connected" {
		t.Errorf("Unexpected state sequence: %v", states)
	}
}

func TestReconnect_ExhaustionFails(t *testing.T) {
	bus := events.NewBus(64)
	defer bus.Close()

	m := testManager(t, bus, 2)
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		return &fakeConn{fs: remote.NewMemFS()}, nil
	}

	s, err := m.Connect(passwordProfile(t, m), ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect(s)

	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		return nil, errors.New("connection refused")
	}

	if ok := m.reconnect(s); ok {
		t.Fatal("Expected reconnect to exhaust")
	}
	if s.State() != StateFailed {
		t.Errorf("Expected failed after exhaustion, got %s", s.State())
	}
	if _, err := s.FS(); !IsKind(err, KindConnectionLost) {
		t.Errorf("Expected ConnectionLost from FS on failed session, got %v", err)
	}
}

func TestKeepAlive_ThreeFailuresTriggerReconnect(t *testing.T) {
	bus := events.NewBus(256)
	defer bus.Close()

	m := testManager(t, bus, 1)
	m.keepAliveOverride = 20 * time.Millisecond

	flaky := &fakeConn{fs: remote.NewMemFS()}
	first := true
	var dialMu sync.Mutex
	m.dial = func(prof profile.Profile, cfg *ssh.ClientConfig) (conn, error) {
		dialMu.Lock()
		defer dialMu.Unlock()
		if first {
			first = false
			return flaky, nil
		}
		return &fakeConn{fs: remote.NewMemFS()}, nil
	}

	s, err := m.Connect(passwordProfile(t, m), ConnectOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Disconnect(s)

	ch := bus.Subscribe(events.EventSessionStateChanged)
	flaky.setProbeErr(errors.New("connection reset"))

	// Three failed probes at 20ms plus one reconnect backoff of ~1s.
	states := collectStates(ch, 2, 10*time.Second)
	if len(states) != 2 || states[0] != "reconnecting" || states[1] != "connected" {
		t.Errorf("Unexpected state sequence: %v", states)
	}
}

func TestJitter_StaysWithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(8 * time.Second)
		if d < 4*time.Second || d > 8*time.Second {
			t.Fatalf("jitter out of [d/2, d]: %v", d)
		}
	}
}
