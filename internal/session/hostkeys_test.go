package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func generateHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer.PublicKey()
}

var testAddr = &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 22}

func TestHostKey_UnknownRejectedWithoutTrust(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := newHostKeyVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}

	err = v.callback()("example.com:22", testAddr, generateHostKey(t))
	if !IsKind(err, KindHostKeyMismatch) {
		t.Errorf("Expected KindHostKeyMismatch for unknown host, got %v", err)
	}
	if recorded := v.takeError(); recorded == nil {
		t.Error("Verifier did not record the classification")
	}
}

func TestHostKey_TrustOnFirstUseRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	key := generateHostKey(t)

	trusting, err := newHostKeyVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := trusting.callback()("example.com:22", testAddr, key); err != nil {
		t.Fatalf("First-use accept failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "example.com") {
		t.Errorf("known_hosts missing recorded entry: %q", data)
	}

	// A strict verifier must now accept the exact same key...
	strict, err := newHostKeyVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := strict.callback()("example.com:22", testAddr, key); err != nil {
		t.Errorf("Recorded key rejected on second connect: %v", err)
	}

	// ...and reject a different one.
	err = strict.callback()("example.com:22", testAddr, generateHostKey(t))
	if !IsKind(err, KindHostKeyMismatch) {
		t.Errorf("Expected KindHostKeyMismatch for changed key, got %v", err)
	}
}

func TestHostKey_ChangedKeyRejectedEvenWithTrust(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := newHostKeyVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.callback()("example.com:22", testAddr, generateHostKey(t)); err != nil {
		t.Fatal(err)
	}

	err = v.callback()("example.com:22", testAddr, generateHostKey(t))
	if !IsKind(err, KindHostKeyMismatch) {
		t.Errorf("Trust-on-first-use must not accept a changed key, got %v", err)
	}
}

func TestHostKey_DistinctPortsAreDistinctIdentities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	v, err := newHostKeyVerifier(path, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := v.callback()("example.com:22", testAddr, generateHostKey(t)); err != nil {
		t.Fatal(err)
	}

	// Same host on another port is first contact again.
	strict, err := newHostKeyVerifier(path, false)
	if err != nil {
		t.Fatal(err)
	}
	err = strict.callback()("example.com:2222", &net.TCPAddr{IP: testAddr.IP, Port: 2222}, generateHostKey(t))
	if !IsKind(err, KindHostKeyMismatch) {
		t.Errorf("Expected unknown-host rejection for new port, got %v", err)
	}
}
