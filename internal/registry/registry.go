// Package registry maintains the authoritative index of tokens, plugins, and
// credentials.
//
// The registry is a single JSON document persisted in the secret store under
// the key "_registry". It exists because the keychain backend cannot
// enumerate items: anything that needs listing must be listed from here, not
// from storage. Plugin code blobs are stored under separate "plugin:<name>"
// keys so large bodies do not rewrite the registry on unrelated edits.
//
// The document is held in memory behind a reader-writer lock. Reads (token
// validation, host matching, credential lookup) never touch storage. Writes
// validate the document invariants first and only mutate memory after the
// new document has been persisted, so a failed write leaves no state change.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mikekelly/gap/internal/plugin"
	"github.com/mikekelly/gap/internal/storage"
)

// Key is the storage key of the registry document.
const Key = "_registry"

// tokenPrefixLen is how many leading characters of a token value are safe to
// show in listings and logs.
const tokenPrefixLen = 8

// Sentinel errors for registry operations.
var (
	// ErrAlreadyInitialized is returned by SetPasswordHash when a master
	// password hash is already present.
	ErrAlreadyInitialized = errors.New("registry: already initialized")
	// ErrTokenNotFound is returned when revoking an unknown token value.
	ErrTokenNotFound = errors.New("registry: token not found")
	// ErrPluginNotFound is returned for operations on an uninstalled plugin.
	ErrPluginNotFound = errors.New("registry: plugin not found")
)

// InvariantError rejects a write that would violate the registry invariants.
// The store is not touched when this is returned.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("registry: invariant violated: %s", e.Reason)
}

// TokenMeta is the per-token metadata stored in the document. The token
// value itself is the map key and never appears in listings.
type TokenMeta struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TokenInfo is what listings expose: never the full value, only the prefix.
type TokenInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// Token is returned once, at creation time. The Value field is the only
// place the full token ever leaves the registry.
type Token struct {
	ID        string
	Name      string
	Value     string
	Prefix    string
	CreatedAt time.Time
}

// document is the persisted registry shape, version 1.
type document struct {
	Version      int                          `json:"version"`
	PasswordHash string                       `json:"password_hash,omitempty"`
	Tokens       map[string]TokenMeta         `json:"tokens"`
	Plugins      []plugin.Entry               `json:"plugins"`
	Credentials  map[string]map[string]string `json:"credentials"`
}

func newDocument() document {
	return document{
		Version:     1,
		Tokens:      make(map[string]TokenMeta),
		Credentials: make(map[string]map[string]string),
	}
}

// Registry wraps the secret store with the in-memory document.
type Registry struct {
	store  storage.SecretStore
	logger *slog.Logger

	mu  sync.RWMutex
	doc document
}

// Open loads the registry document from the store. A missing document is the
// expected state of a fresh installation and yields an empty registry; a
// document that fails to parse or decrypt is an error.
func Open(store storage.SecretStore, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{store: store, logger: logger, doc: newDocument()}

	data, err := store.Get(Key)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("registry not found, starting empty")
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", errors.Join(storage.ErrCorrupt, err))
	}
	if doc.Tokens == nil {
		doc.Tokens = make(map[string]TokenMeta)
	}
	if doc.Credentials == nil {
		doc.Credentials = make(map[string]map[string]string)
	}
	if err := validate(&doc); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	r.doc = doc
	return r, nil
}

// validate checks the document invariants:
//
//	(a) plugin names are unique;
//	(b) every credential field is in its plugin's schema;
//	(d) every credential key references an installed plugin.
//
// (Invariant (c), separate code keys, is structural: the document has no
// code field to misplace.)
func validate(doc *document) error {
	if doc.Version != 1 {
		return &InvariantError{Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}

	byName := make(map[string]*plugin.Entry, len(doc.Plugins))
	for i := range doc.Plugins {
		p := &doc.Plugins[i]
		if _, dup := byName[p.Name]; dup {
			return &InvariantError{Reason: fmt.Sprintf("duplicate plugin %q", p.Name)}
		}
		byName[p.Name] = p
	}

	for name, fields := range doc.Credentials {
		p, ok := byName[name]
		if !ok {
			return &InvariantError{Reason: fmt.Sprintf("credentials for uninstalled plugin %q", name)}
		}
		for field := range fields {
			if !p.HasCredentialField(field) {
				return &InvariantError{
					Reason: fmt.Sprintf("field %q not in credential schema of plugin %q", field, name),
				}
			}
		}
	}
	return nil
}

// persist validates next and writes it through to the store. On success the
// in-memory document is replaced. Callers must hold the write lock.
func (r *Registry) persist(next document) error {
	if err := validate(&next); err != nil {
		return err
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	if err := r.store.Put(Key, data); err != nil {
		return fmt.Errorf("persist registry: %w", err)
	}
	r.doc = next
	return nil
}

// clone deep-copies the document so a failed write cannot leave a mutated
// in-memory state behind.
func (r *Registry) clone() document {
	next := document{
		Version:      r.doc.Version,
		PasswordHash: r.doc.PasswordHash,
		Tokens:       make(map[string]TokenMeta, len(r.doc.Tokens)),
		Plugins:      make([]plugin.Entry, len(r.doc.Plugins)),
		Credentials:  make(map[string]map[string]string, len(r.doc.Credentials)),
	}
	for v, meta := range r.doc.Tokens {
		next.Tokens[v] = meta
	}
	for i, p := range r.doc.Plugins {
		entry := p
		entry.MatchPatterns = append([]string(nil), p.MatchPatterns...)
		entry.CredentialSchema = append([]string(nil), p.CredentialSchema...)
		next.Plugins[i] = entry
	}
	for name, fields := range r.doc.Credentials {
		m := make(map[string]string, len(fields))
		for f, v := range fields {
			m[f] = v
		}
		next.Credentials[name] = m
	}
	return next
}

// Initialized reports whether a master password hash has been set.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.PasswordHash != ""
}

// PasswordHash returns the stored Argon2id hash, or empty if uninitialized.
func (r *Registry) PasswordHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.doc.PasswordHash
}

// SetPasswordHash records the master password hash. It can only be done
// once; reinitializing requires wiping the store.
func (r *Registry) SetPasswordHash(hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.doc.PasswordHash != "" {
		return ErrAlreadyInitialized
	}
	next := r.clone()
	next.PasswordHash = hash
	return r.persist(next)
}
