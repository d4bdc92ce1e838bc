package registry

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// tokenRandomBytes is the entropy of an issued token: 32 bytes from the
// CSPRNG, 256 bits. Encoded with unpadded base64url the value is
// "gap_" + 43 characters.
const tokenRandomBytes = 32

// CreateToken issues a new bearer token. The full value is returned exactly
// once; afterwards only the 8-character prefix is recoverable through the
// registry.
func (r *Registry) CreateToken(name string) (Token, error) {
	raw := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	value := "gap_" + base64.RawURLEncoding.EncodeToString(raw)

	meta := TokenMeta{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.clone()
	next.Tokens[value] = meta
	if err := r.persist(next); err != nil {
		return Token{}, err
	}

	r.logger.Info("token created", "name", name, "prefix", value[:tokenPrefixLen])
	return Token{
		ID:        meta.ID,
		Name:      meta.Name,
		Value:     value,
		Prefix:    value[:tokenPrefixLen],
		CreatedAt: meta.CreatedAt,
	}, nil
}

// ValidateToken checks a presented bearer token value against the registry.
// The lookup is a single map access under the read lock. On success it
// returns the token's opaque id.
func (r *Registry) ValidateToken(value string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.doc.Tokens[value]
	if !ok {
		return "", false
	}
	return meta.ID, true
}

// ListTokens returns metadata for every token, oldest first. Full values are
// never included.
func (r *Registry) ListTokens() []TokenInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TokenInfo, 0, len(r.doc.Tokens))
	for value, meta := range r.doc.Tokens {
		prefix := value
		if len(prefix) > tokenPrefixLen {
			prefix = prefix[:tokenPrefixLen]
		}
		infos = append(infos, TokenInfo{
			ID:        meta.ID,
			Name:      meta.Name,
			Prefix:    prefix,
			CreatedAt: meta.CreatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RevokeToken removes a token by its full value.
func (r *Registry) RevokeToken(value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, ok := r.doc.Tokens[value]
	if !ok {
		return ErrTokenNotFound
	}
	next := r.clone()
	delete(next.Tokens, value)
	if err := r.persist(next); err != nil {
		return err
	}
	r.logger.Info("token revoked", "name", meta.Name, "id", meta.ID)
	return nil
}

