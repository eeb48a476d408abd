// Package securestore persists small secrets (license key, license email,
// validation timestamps) behind a single keyed string/boolean interface.
//
// Two real backends exist: the OS keyring and an encrypted file in the app's
// config directory. Selection happens once at construction time; the core
// never branches on build tags. Under `go test` every operation is a no-op so
// automated runs can never trigger a keyring prompt or touch real secrets.
package securestore

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"testing"
)

// Well-known keys used by the licensing subsystem.
const (
	KeyLicenseKey       = "license_key"
	KeyLicenseEmail     = "license_email"
	KeyLastValidationAt = "license_last_validation_at"
)

// EnvBackendOverride selects the backend regardless of configuration:
// "keyring", "file", or "off".
const EnvBackendOverride = "APPCORE_SECURESTORE"

// Backend identifies a concrete storage implementation.
type Backend string

const (
	BackendKeyring Backend = "keyring"
	BackendFile    Backend = "file"
	BackendNoop    Backend = "off"
)

var (
	// ErrUnknownBackend is returned for a backend name outside the known set.
	ErrUnknownBackend = errors.New("unknown secure store backend")
)

// StoreError carries the backend status for a failed storage operation.
// Callers treat any StoreError as "operation failed, preserve prior state".
type StoreError struct {
	Op      string // "get", "set" or "delete"
	Key     string
	Backend Backend
	Err     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("securestore: %s %q via %s backend: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store is keyed string/boolean storage scoped to one service namespace.
// Get reports absence via the second return value; a missing key is not an
// error.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error

	GetBool(key string) (bool, bool, error)
	SetBool(key string, value bool) error
}

// Config controls store construction.
type Config struct {
	// Service is the namespace for all keys, typically derived from the
	// consuming application's bundle identity (e.g. "com.halcyon.slate").
	Service string

	// ConfigDir is where the file backend keeps its encrypted payload.
	ConfigDir string

	// Backend forces a specific backend. Empty means auto-select.
	Backend Backend
}

// New builds a Store for cfg.
//
// Resolution order: the APPCORE_SECURESTORE environment override, then
// explicit cfg.Backend, then no-op under `go test`, then the OS keyring.
// The file backend is the explicit opt-out path for contexts where keyring
// prompts are unacceptable (CI, headless installs).
func New(cfg Config) (Store, error) {
	backend := cfg.Backend
	if env := strings.TrimSpace(os.Getenv(EnvBackendOverride)); env != "" {
		backend = Backend(env)
	}
	if backend == "" && testing.Testing() {
		backend = BackendNoop
	}
	if backend == "" {
		backend = BackendKeyring
	}

	switch backend {
	case BackendKeyring:
		return newKeyringStore(cfg.Service), nil
	case BackendFile:
		return newFileStore(cfg.Service, cfg.ConfigDir)
	case BackendNoop:
		return noopStore{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// getBool adapts a backend's string Get to the boolean surface.
func getBool(s Store, key string) (bool, bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, ok, err
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, nil // unparseable value reads as absent
	}
	return v, true, nil
}
