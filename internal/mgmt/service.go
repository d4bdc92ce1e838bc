// Package mgmt is the management surface adapter: thin CRUD over the store,
// registry, and CA, consumed by the external management HTTP server and the
// CLI. It owns nothing itself; every operation delegates and maps errors.
package mgmt

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexedwards/argon2id"

	"github.com/mikekelly/gap/internal/ca"
	"github.com/mikekelly/gap/internal/jsruntime"
	"github.com/mikekelly/gap/internal/plugin"
	"github.com/mikekelly/gap/internal/registry"
)

// ErrBadPassword is returned by VerifyPassword for a wrong master password.
var ErrBadPassword = errors.New("mgmt: invalid password")

// ErrNotInitialized is returned when an operation requires a completed init.
var ErrNotInitialized = errors.New("mgmt: server not initialized")

// argonParams follow the OWASP minimum profile (46 MiB memory floor).
var argonParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Service exposes the management operations.
type Service struct {
	registry    *registry.Registry
	ca          *ca.Manager
	transformer *jsruntime.Transformer
	logger      *slog.Logger
}

// New assembles the management service.
func New(reg *registry.Registry, caManager *ca.Manager, transformer *jsruntime.Transformer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:    reg,
		ca:          caManager,
		transformer: transformer,
		logger:      logger,
	}
}

// Init records the master password hash. It fails with
// registry.ErrAlreadyInitialized on a second call. Returns the filesystem
// path of the exported CA certificate for the operator to hand to agents.
func (s *Service) Init(password string) (string, error) {
	if password == "" {
		return "", errors.New("mgmt: password must not be empty")
	}
	hash, err := argon2id.CreateHash(password, argonParams)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	if err := s.registry.SetPasswordHash(hash); err != nil {
		return "", err
	}
	s.logger.Info("initialized")
	return s.ca.ExportPath(), nil
}

// VerifyPassword checks the master password against the stored hash.
func (s *Service) VerifyPassword(password string) error {
	hash := s.registry.PasswordHash()
	if hash == "" {
		return ErrNotInitialized
	}
	match, err := argon2id.ComparePasswordAndHash(password, hash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return ErrBadPassword
	}
	return nil
}

// Initialized reports whether Init has completed.
func (s *Service) Initialized() bool {
	return s.registry.Initialized()
}

// CreateToken issues a bearer token. The returned value is shown once and
// not recoverable afterwards.
func (s *Service) CreateToken(name string) (registry.Token, error) {
	return s.registry.CreateToken(name)
}

// ListTokens returns token metadata: name, 8-character prefix, creation
// time, and the server-assigned opaque id. Never full values.
func (s *Service) ListTokens() []registry.TokenInfo {
	return s.registry.ListTokens()
}

// RevokeToken removes a token by its full value.
func (s *Service) RevokeToken(value string) error {
	return s.registry.RevokeToken(value)
}

// InstallPlugin validates and installs a plugin. The code is evaluated in a
// throwaway sandbox first so a plugin that cannot even declare a transform
// is rejected at install time rather than at first request.
func (s *Service) InstallPlugin(name, code string, matchPatterns, credentialSchema []string) (plugin.Entry, error) {
	if _, err := s.transformer.Describe(code); err != nil {
		return plugin.Entry{}, fmt.Errorf("plugin code rejected: %w", err)
	}
	entry := plugin.Entry{
		Name:             name,
		MatchPatterns:    matchPatterns,
		CredentialSchema: credentialSchema,
	}
	if err := s.registry.InstallPlugin(entry, code); err != nil {
		return plugin.Entry{}, err
	}
	return entry, nil
}

// InstallPluginFromCode installs a plugin using the metadata it declares in
// its own source (the `plugin` global's name, match, and credentialSchema).
func (s *Service) InstallPluginFromCode(code string) (plugin.Entry, error) {
	desc, err := s.transformer.Describe(code)
	if err != nil {
		return plugin.Entry{}, fmt.Errorf("plugin code rejected: %w", err)
	}
	if desc.Name == "" {
		return plugin.Entry{}, errors.New("mgmt: plugin code declares no name")
	}
	return s.InstallPlugin(desc.Name, code, desc.MatchPatterns, desc.CredentialSchema)
}

// UninstallPlugin removes a plugin; its credentials and code blob go with it.
func (s *Service) UninstallPlugin(name string) error {
	return s.registry.UninstallPlugin(name)
}

// ListPlugins returns installed plugin entries in declared order.
func (s *Service) ListPlugins() []plugin.Entry {
	return s.registry.Plugins()
}

// SetCredential stores one credential field for a plugin. The field must be
// in the plugin's credential schema. Values are write-only: no operation
// reads one back out.
func (s *Service) SetCredential(pluginName, field, value string) error {
	return s.registry.SetCredential(pluginName, field, value)
}

// DeleteCredential removes one credential field.
func (s *Service) DeleteCredential(pluginName, field string) error {
	return s.registry.DeleteCredential(pluginName, field)
}

// RotateManagementCert mints and persists a new management certificate for
// the given SANs and swaps it in for new handshakes. Returns the PEM.
func (s *Service) RotateManagementCert(sans []string) ([]byte, error) {
	return s.ca.RotateManagementCert(sans, 0)
}

// CACertPath returns the exported CA certificate path.
func (s *Service) CACertPath() string {
	return s.ca.ExportPath()
}

// uptime bookkeeping for the status operation.
var processStart = time.Now()

// Status is the unauthenticated status snapshot.
type Status struct {
	Initialized   bool          `json:"initialized"`
	Uptime        time.Duration `json:"uptime"`
	PluginCount   int           `json:"plugin_count"`
	TokenCount    int           `json:"token_count"`
	CACertPath    string        `json:"ca_cert_path"`
	HasMgmtCert   bool          `json:"has_management_cert"`
	LeafCacheSize int           `json:"leaf_cache_size"`
}

// Status reports coarse server state; it exposes no secrets.
func (s *Service) Status() Status {
	return Status{
		Initialized:   s.registry.Initialized(),
		Uptime:        time.Since(processStart),
		PluginCount:   len(s.registry.Plugins()),
		TokenCount:    len(s.registry.ListTokens()),
		CACertPath:    s.ca.ExportPath(),
		HasMgmtCert:   s.ca.ManagementCertificate() != nil,
		LeafCacheSize: s.ca.CacheSize(),
	}
}
