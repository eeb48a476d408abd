package securestore

import (
	"errors"
	"strconv"

	"github.com/zalando/go-keyring"
)

// keyringStore keeps secrets in the OS keyring (macOS Keychain, Windows
// Credential Manager, Secret Service on Linux). Each entry is a generic
// password under the configured service namespace.
type keyringStore struct {
	service string
}

func newKeyringStore(service string) *keyringStore {
	return &keyringStore{service: service}
}

func (s *keyringStore) Get(key string) (string, bool, error) {
	value, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StoreError{Op: "get", Key: key, Backend: BackendKeyring, Err: err}
	}
	return value, true, nil
}

func (s *keyringStore) Set(key, value string) error {
	if err := keyring.Set(s.service, key, value); err != nil {
		return &StoreError{Op: "set", Key: key, Backend: BackendKeyring, Err: err}
	}
	return nil
}

func (s *keyringStore) Delete(key string) error {
	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &StoreError{Op: "delete", Key: key, Backend: BackendKeyring, Err: err}
	}
	return nil
}

func (s *keyringStore) GetBool(key string) (bool, bool, error) {
	return getBool(s, key)
}

func (s *keyringStore) SetBool(key string, value bool) error {
	return s.Set(key, strconv.FormatBool(value))
}
