package vault

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "vault.key"))
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	v := newTestVault(t)

	secrets := []string{
		"hunter2",
		"",
		"pass with spaces and unicode: пароль",
		strings.Repeat("x", 4096),
	}

	for _, secret := range secrets {
		ref, err := v.Wrap(secret)
		if err != nil {
			t.Fatalf("Wrap failed: %v", err)
		}
		if !strings.HasPrefix(ref, "fv1:") {
			t.Errorf("Expected fv1 prefix, got %q", ref[:8])
		}
		if strings.Contains(ref, secret) && secret != "" {
			t.Error("Secret reference contains plaintext")
		}

		got, err := v.Unwrap(ref)
		if err != nil {
			t.Fatalf("Unwrap failed: %v", err)
		}
		if got != secret {
			t.Errorf("Round trip mismatch: got %d bytes, want %d bytes", len(got), len(secret))
		}
	}
}

func TestWrap_GeneratesKeyLazily(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vault.key")
	v := New(keyPath)

	if v.KeyExists() {
		t.Fatal("Key should not exist before first Wrap")
	}
	if _, err := v.Wrap("secret"); err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if !v.KeyExists() {
		t.Fatal("Key should exist after first Wrap")
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("Stat key file: %v", err)
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("Expected key file mode 0600, got %o", perm)
		}
	}
}

func TestUnwrap_KeyMissing(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Unwrap("fv1:AAAA")
	if !IsKind(err, KindKeyMissing) {
		t.Errorf("Expected KindKeyMissing, got %v", err)
	}
}

func TestUnwrap_CorruptKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vault.key")
	if err := os.WriteFile(keyPath, []byte("short"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := New(keyPath).Unwrap("fv1:AAAA")
	if !IsKind(err, KindKeyMissing) {
		t.Errorf("Expected KindKeyMissing for corrupt key file, got %v", err)
	}
}

func TestUnwrap_MalformedRefs(t *testing.T) {
	v := newTestVault(t)
	if _, err := v.Wrap("prime the key"); err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{
		"not-a-ref",
		"fv1:",
		"fv1:!!!not base64!!!",
		"fv1:AAAA", // Too short for IV + one block
	} {
		_, err := v.Unwrap(ref)
		if !IsKind(err, KindDecryptFailed) {
			t.Errorf("Unwrap(%q): expected KindDecryptFailed, got %v", ref, err)
		}
	}
}

func TestUnwrap_ForeignKey(t *testing.T) {
	v1 := newTestVault(t)
	v2 := newTestVault(t)

	ref, err := v1.Wrap("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Wrap("prime the other key"); err != nil {
		t.Fatal(err)
	}

	if _, err := v2.Unwrap(ref); !IsKind(err, KindDecryptFailed) {
		t.Errorf("Expected KindDecryptFailed for foreign ref, got %v", err)
	}
}

func TestWrap_UniqueRefsPerCall(t *testing.T) {
	v := newTestVault(t)

	ref1, err := v.Wrap("same secret")
	if err != nil {
		t.Fatal(err)
	}
	ref2, err := v.Wrap("same secret")
	if err != nil {
		t.Fatal(err)
	}
	if ref1 == ref2 {
		t.Error("Two wraps of the same secret produced identical refs (IV reuse)")
	}
}

func TestRotate_RewrapsAllSecrets(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "vault.key")
	v := New(keyPath)

	secrets := []string{"alpha", "beta", "gamma"}
	refs := make([]string, len(secrets))
	for i, s := range secrets {
		ref, err := v.Wrap(s)
		if err != nil {
			t.Fatal(err)
		}
		refs[i] = ref
	}

	oldKey, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}

	newRefs, err := v.Rotate(refs)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if len(newRefs) != len(refs) {
		t.Fatalf("Expected %d refs, got %d", len(refs), len(newRefs))
	}

	newKey, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(oldKey) == string(newKey) {
		t.Error("Key file unchanged after rotation")
	}

	for i, ref := range newRefs {
		got, err := v.Unwrap(ref)
		if err != nil {
			t.Fatalf("Unwrap after rotation failed: %v", err)
		}
		if got != secrets[i] {
			t.Errorf("Secret %d mismatch after rotation", i)
		}
		// Old refs must no longer decrypt.
		if _, err := v.Unwrap(refs[i]); !IsKind(err, KindDecryptFailed) {
			t.Errorf("Old ref %d still decrypts after rotation: %v", i, err)
		}
	}
}

func TestRotate_FailsOnForeignRef(t *testing.T) {
	v := newTestVault(t)
	ref, err := v.Wrap("good")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Rotate([]string{ref, "fv1:bogus"}); err == nil {
		t.Fatal("Expected rotation to fail on undecryptable ref")
	}

	// Key must be unchanged: the good ref still unwraps.
	if got, err := v.Unwrap(ref); err != nil || got != "good" {
		t.Errorf("Vault state changed after failed rotation: %q, %v", got, err)
	}
}
