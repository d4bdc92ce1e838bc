package storage

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for the file encryption key. These follow the OWASP
// minimum profile used for the master password hash (47 MiB, t=1, p=1) so a
// stolen data directory cannot be brute-forced cheaply.
const (
	kdfMemoryKiB = 47 * 1024
	kdfTime      = 1
	kdfThreads   = 1
	kdfKeyLen    = 32
	kdfSaltLen   = 16
)

// saltFileName holds the KDF salt in plaintext next to the encrypted values.
// It contains a '.' so it can never collide with a base64url-encoded key name.
const saltFileName = "kdf.salt"

// FileStore is the encrypted file backend. Each key is stored as one file
// whose name is the base64url encoding of the key and whose content is
// nonce || XChaCha20-Poly1305(plaintext) with the key name as additional data.
//
// Writes are atomic: write to <name>.tmp with mode 0600, fsync, rename. The
// directory is created with mode 0700. This follows the state store's
// tmp/fsync/rename sequence.
type FileStore struct {
	dir    string
	key    []byte
	logger *slog.Logger
}

// OpenFileStore opens (or initializes) the encrypted file backend at dir.
// The encryption key is derived from password and a per-directory salt that
// is created on first use.
func OpenFileStore(dir, password string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &BackendError{Op: "mkdir", Key: dir, Err: err}
	}
	// MkdirAll does not tighten an existing directory.
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, &BackendError{Op: "chmod", Key: dir, Err: err}
	}

	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFileName))
	if err != nil {
		return nil, err
	}

	key := argon2.IDKey([]byte(password), salt, kdfTime, kdfMemoryKiB, kdfThreads, kdfKeyLen)

	return &FileStore{dir: dir, key: key, logger: logger}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != kdfSaltLen {
			return nil, fmt.Errorf("storage: malformed salt file %s: %w", path, ErrCorrupt)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, &BackendError{Op: "read", Key: path, Err: err}
	}

	salt = make([]byte, kdfSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, &BackendError{Op: "rand", Key: path, Err: err}
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, &BackendError{Op: "write", Key: path, Err: err}
	}
	return salt, nil
}

// Get returns the decrypted value for key, or ErrNotFound / ErrCorrupt.
func (s *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &BackendError{Op: "read", Key: key, Err: err}
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, &BackendError{Op: "cipher", Key: key, Err: err}
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("storage: truncated value for %q: %w", key, ErrCorrupt)
	}
	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		// Wrong master password and on-disk tampering are
		// indistinguishable here.
		return nil, fmt.Errorf("storage: decrypt %q: %w", key, ErrCorrupt)
	}
	return plaintext, nil
}

// Put seals value under key and writes it atomically.
func (s *FileStore) Put(key string, value []byte) error {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return &BackendError{Op: "cipher", Key: key, Err: err}
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return &BackendError{Op: "rand", Key: key, Err: err}
	}
	sealed := aead.Seal(nonce, nonce, value, []byte(key))

	return s.writeAtomic(key, sealed)
}

// writeAtomic writes data to the key's file via tmp + fsync + rename so a
// crash mid-write leaves either the old value or the new one.
func (s *FileStore) writeAtomic(key string, data []byte) error {
	path := s.path(key)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return &BackendError{Op: "create", Key: key, Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &BackendError{Op: "write", Key: key, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &BackendError{Op: "fsync", Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &BackendError{Op: "close", Key: key, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &BackendError{Op: "rename", Key: key, Err: err}
	}
	return nil
}

// Delete removes the key's file. Deleting an absent key is not an error.
func (s *FileStore) Delete(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return &BackendError{Op: "remove", Key: key, Err: err}
	}
	return nil
}

// ListPrefix returns all keys starting with prefix, in lexical order.
func (s *FileStore) ListPrefix(prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &BackendError{Op: "readdir", Key: s.dir, Err: err}
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		decoded, err := base64.RawURLEncoding.DecodeString(entry.Name())
		if err != nil {
			// Salt file, tmp leftovers, and anything else that is
			// not an encoded key.
			continue
		}
		key := string(decoded)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close zeroes the derived encryption key. The store must not be used after
// Close.
func (s *FileStore) Close() {
	for i := range s.key {
		s.key[i] = 0
	}
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key)))
}
