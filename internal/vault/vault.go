// Package vault encrypts connection secrets at rest using a single
// per-installation symmetric key. Losing the key file makes every wrapped
// secret permanently unrecoverable; there is no escrow.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	// KeySize is the installation key size: 256-bit AES.
	KeySize = 32

	// IVSize is the per-secret initialization vector size.
	IVSize = aes.BlockSize

	// refPrefix marks the wrapped-secret wire format version.
	refPrefix = "fv1:"
)

// Kind classifies vault failures.
type Kind int

const (
	// KindKeyMissing means the installation key is absent or corrupted.
	KindKeyMissing Kind = iota

	// KindDecryptFailed means the ciphertext is malformed or was wrapped
	// with a different key (tampered or foreign store).
	KindDecryptFailed
)

func (k Kind) String() string {
	switch k {
	case KindKeyMissing:
		return "key missing"
	case KindDecryptFailed:
		return "decrypt failed"
	default:
		return "unknown"
	}
}

// Error is the vault error type.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("vault: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("vault: %s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

// IsKind reports whether err is a vault error of the given kind.
func IsKind(err error, kind Kind) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == kind
}

// Vault wraps and unwraps secrets with the installation key.
// Safe for concurrent use.
type Vault struct {
	keyPath string

	mu  sync.Mutex
	key []byte // nil until loaded or generated
}

// New creates a vault backed by the key file at keyPath. The key is loaded
// lazily; it is generated on first Wrap if the file does not exist.
func New(keyPath string) *Vault {
	return &Vault{keyPath: keyPath}
}

// Wrap encrypts plaintext and returns an opaque secret reference suitable
// for storage. Generates and persists the installation key on first use.
func (v *Vault) Wrap(plaintext string) (string, error) {
	key, err := v.loadKey(true)
	if err != nil {
		return "", err
	}
	return wrapWithKey(key, plaintext)
}

// Unwrap decrypts a secret reference produced by Wrap.
func (v *Vault) Unwrap(ref string) (string, error) {
	key, err := v.loadKey(false)
	if err != nil {
		return "", err
	}
	return unwrapWithKey(key, ref)
}

// Rotate generates a fresh installation key and re-wraps every supplied
// secret reference with it in one pass. The new key is persisted only after
// all refs decrypt cleanly under the old key. Callers must persist the
// returned refs immediately; the old refs are unreadable once Rotate returns.
func (v *Vault) Rotate(refs []string) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	oldKey, err := v.loadKeyLocked(false)
	if err != nil {
		return nil, err
	}

	plaintexts := make([]string, len(refs))
	for i, ref := range refs {
		plaintexts[i], err = unwrapWithKey(oldKey, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to unwrap secret %d during rotation: %w", i, err)
		}
	}

	newKey := make([]byte, KeySize)
	if _, err := rand.Read(newKey); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	rewrapped := make([]string, len(refs))
	for i, plaintext := range plaintexts {
		rewrapped[i], err = wrapWithKey(newKey, plaintext)
		if err != nil {
			return nil, fmt.Errorf("failed to re-wrap secret %d: %w", i, err)
		}
	}

	if err := v.writeKeyLocked(newKey); err != nil {
		return nil, err
	}
	v.key = newKey
	return rewrapped, nil
}

// KeyExists reports whether the installation key file is present.
func (v *Vault) KeyExists() bool {
	_, err := os.Stat(v.keyPath)
	return err == nil
}

func (v *Vault) loadKey(generate bool) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loadKeyLocked(generate)
}

func (v *Vault) loadKeyLocked(generate bool) ([]byte, error) {
	if v.key != nil {
		return v.key, nil
	}

	data, err := os.ReadFile(v.keyPath)
	if err == nil {
		if len(data) != KeySize {
			return nil, &Error{Kind: KindKeyMissing, msg: fmt.Sprintf("key file %s has %d bytes, want %d", v.keyPath, len(data), KeySize)}
		}
		v.key = data
		return v.key, nil
	}
	if !os.IsNotExist(err) {
		return nil, &Error{Kind: KindKeyMissing, msg: "failed to read key file", err: err}
	}

	if !generate {
		return nil, &Error{Kind: KindKeyMissing, msg: fmt.Sprintf("no installation key at %s", v.keyPath)}
	}

	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := v.writeKeyLocked(key); err != nil {
		return nil, err
	}
	v.key = key
	return v.key, nil
}

// writeKeyLocked persists the key with owner-only access using the usual
// tmp-write-then-rename dance so a crash cannot leave a truncated key.
func (v *Vault) writeKeyLocked(key []byte) error {
	if err := os.MkdirAll(filepath.Dir(v.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmpPath := v.keyPath + ".tmp"
	if err := os.WriteFile(tmpPath, key, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := os.Rename(tmpPath, v.keyPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename key file: %w", err)
	}
	return nil
}

func wrapWithKey(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	return refPrefix + base64.StdEncoding.EncodeToString(append(iv, encrypted...)), nil
}

func unwrapWithKey(key []byte, ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", &Error{Kind: KindDecryptFailed, msg: "unrecognized secret format"}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ref, refPrefix))
	if err != nil {
		return "", &Error{Kind: KindDecryptFailed, msg: "malformed secret encoding", err: err}
	}
	if len(raw) < IVSize+aes.BlockSize || (len(raw)-IVSize)%aes.BlockSize != 0 {
		return "", &Error{Kind: KindDecryptFailed, msg: "truncated secret"}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	iv, ciphertext := raw[:IVSize], raw[IVSize:]
	decrypted := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, ciphertext)

	plaintext, err := pkcs7Unpad(decrypted)
	if err != nil {
		// Bad padding means the ciphertext was tampered with or wrapped
		// under a different installation key.
		return "", &Error{Kind: KindDecryptFailed, msg: "ciphertext does not match installation key", err: err}
	}
	return string(plaintext), nil
}

// pkcs7Pad applies PKCS7 padding to the data.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padText := make([]byte, padding)
	for i := range padText {
		padText[i] = byte(padding)
	}
	return append(data, padText...)
}

// pkcs7Unpad removes PKCS7 padding, verifying every padding byte.
func pkcs7Unpad(data []byte) ([]byte, error) {
	length := len(data)
	if length == 0 {
		return nil, fmt.Errorf("invalid padding: empty data")
	}
	padding := int(data[length-1])
	if padding > length || padding > aes.BlockSize || padding == 0 {
		return nil, fmt.Errorf("invalid padding size: %d", padding)
	}
	for i := 0; i < padding; i++ {
		if data[length-1-i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding byte at position %d", i)
		}
	}
	return data[:length-padding], nil
}
