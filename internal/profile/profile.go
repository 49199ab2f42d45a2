// Package profile stores named SFTP connection profiles on disk.
// Secrets are never stored in plaintext; password profiles carry an opaque
// vault-wrapped reference instead.
package profile

import (
	"errors"
	"fmt"
	"time"
)

// AuthMethod selects how a session authenticates.
type AuthMethod string

const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "private_key"
)

// Default connection tuning used when a profile leaves the field zero.
const (
	DefaultTimeoutSeconds           = 30
	DefaultKeepAliveIntervalSeconds = 60
)

// Profile holds the connection parameters for one remote server.
type Profile struct {
	Name        string     `json:"name"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	Username    string     `json:"username"`
	AuthMethod  AuthMethod `json:"auth_method"`
	SecretRef   string     `json:"secret_ref,omitempty"` // Vault-wrapped password
	KeyPath     string     `json:"key_path,omitempty"`   // Private key file
	Description string     `json:"description,omitempty"`

	TimeoutSeconds           int `json:"timeout_seconds,omitempty"`
	KeepAliveIntervalSeconds int `json:"keep_alive_interval_seconds,omitempty"`
}

// Validate checks the profile invariants: name/host/username present, port in
// range, and the auth method determining exactly one of secret_ref/key_path.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return validationErr("profile name is required")
	}
	if p.Host == "" {
		return validationErr("host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return validationErr(fmt.Sprintf("port %d out of range 1-65535", p.Port))
	}
	if p.Username == "" {
		return validationErr("username is required")
	}
	if p.TimeoutSeconds < 0 {
		return validationErr("timeout_seconds must be non-negative")
	}
	if p.KeepAliveIntervalSeconds < 0 {
		return validationErr("keep_alive_interval_seconds must be non-negative")
	}

	switch p.AuthMethod {
	case AuthPassword:
		if p.SecretRef == "" {
			return validationErr("password auth requires a stored secret")
		}
		if p.KeyPath != "" {
			return validationErr("password auth must not set key_path")
		}
	case AuthPrivateKey:
		if p.KeyPath == "" {
			return validationErr("private_key auth requires key_path")
		}
		if p.SecretRef != "" {
			return validationErr("private_key auth must not set secret_ref")
		}
	default:
		return validationErr(fmt.Sprintf("unknown auth_method %q", p.AuthMethod))
	}
	return nil
}

// Timeout returns the connect/probe timeout, applying the default.
func (p *Profile) Timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return DefaultTimeoutSeconds * time.Second
}

// KeepAliveInterval returns the keep-alive probe interval, applying the default.
func (p *Profile) KeepAliveInterval() time.Duration {
	if p.KeepAliveIntervalSeconds > 0 {
		return time.Duration(p.KeepAliveIntervalSeconds) * time.Second
	}
	return DefaultKeepAliveIntervalSeconds * time.Second
}

// Addr returns the host:port dial address.
func (p *Profile) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// StoreErrorKind classifies profile store failures.
type StoreErrorKind int

const (
	KindNotFound StoreErrorKind = iota
	KindValidationFailed
	KindIOFailure
)

func (k StoreErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindValidationFailed:
		return "validation failed"
	case KindIOFailure:
		return "io failure"
	default:
		return "unknown"
	}
}

// StoreError is the profile store error type.
type StoreError struct {
	Kind StoreErrorKind
	msg  string
	err  error
}

func (e *StoreError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("profile store: %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("profile store: %s: %s", e.Kind, e.msg)
}

func (e *StoreError) Unwrap() error { return e.err }

// IsKind reports whether err is a store error of the given kind.
func IsKind(err error, kind StoreErrorKind) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == kind
}

func validationErr(msg string) error {
	return &StoreError{Kind: KindValidationFailed, msg: msg}
}
