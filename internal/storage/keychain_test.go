package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func openMockKeychain(t *testing.T) *KeychainStore {
	t.Helper()
	keyring.MockInit()
	return NewKeychainStore("dev.gap.secrets.test", testLogger())
}

func TestKeychainStore_RoundTrip(t *testing.T) {
	store := openMockKeychain(t)

	value := []byte{0, 1, 2, 255, 128}
	if err := store.Put("ca:key", value); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get("ca:key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Get = %v, want %v", got, value)
	}

	if err := store.Put("ca:key", []byte("replaced")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err = store.Get("ca:key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "replaced" {
		t.Errorf("Get after overwrite = %q", got)
	}
}

func TestKeychainStore_NotFound(t *testing.T) {
	store := openMockKeychain(t)

	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
	if err := store.Delete("missing"); err != nil {
		t.Errorf("Delete missing = %v, want nil (idempotent)", err)
	}
}

// The keychain cannot enumerate, so ListPrefix must come back empty and
// callers fall back to the registry.
func TestKeychainStore_ListPrefixEmpty(t *testing.T) {
	store := openMockKeychain(t)

	if err := store.Put("plugin:exa", []byte("code")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	keys, err := store.ListPrefix("plugin:")
	if err != nil {
		t.Fatalf("ListPrefix: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("ListPrefix = %v, want empty on keychain backend", keys)
	}
}
