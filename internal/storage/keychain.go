package storage

import (
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/zalando/go-keyring"
)

// KeychainStore stores each key as an item in the OS keychain under a fixed
// service name. The keychain API cannot enumerate items for a service, so
// ListPrefix always returns empty and callers must consult the registry for
// existence. Values are base64-encoded because keychain items are strings.
type KeychainStore struct {
	service string
	logger  *slog.Logger
}

// NewKeychainStore creates a keychain-backed store namespaced by service.
func NewKeychainStore(service string, logger *slog.Logger) *KeychainStore {
	return &KeychainStore{service: service, logger: logger}
}

// Get returns the value for key, or ErrNotFound.
func (s *KeychainStore) Get(key string) ([]byte, error) {
	encoded, err := keyring.Get(s.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, &BackendError{Op: "get", Key: key, Err: err}
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Join(ErrCorrupt, err)
	}
	return value, nil
}

// Put stores value under key, replacing any existing item.
func (s *KeychainStore) Put(key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if err := keyring.Set(s.service, key, encoded); err != nil {
		return &BackendError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes the item for key. Deleting an absent key is not an error.
func (s *KeychainStore) Delete(key string) error {
	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &BackendError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// ListPrefix always returns empty: the keychain cannot enumerate items.
func (s *KeychainStore) ListPrefix(prefix string) ([]string, error) {
	return nil, nil
}
