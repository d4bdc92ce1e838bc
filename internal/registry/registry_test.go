package registry

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/mikekelly/gap/internal/plugin"
	"github.com/mikekelly/gap/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestRegistry(t *testing.T) (*Registry, storage.SecretStore) {
	t.Helper()
	store, err := storage.OpenFileStore(t.TempDir(), "test-password", testLogger())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	reg, err := Open(store, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return reg, store
}

func exaEntry() plugin.Entry {
	return plugin.Entry{
		Name:             "exa",
		MatchPatterns:    []string{"api.exa.ai"},
		CredentialSchema: []string{"api_key"},
	}
}

const exaCode = `var plugin = {
  name: "exa",
  match: ["api.exa.ai"],
  credentialSchema: ["api_key"],
  transform: function(request, credentials) { return request; }
};`

func TestTokenLifecycle(t *testing.T) {
	reg, _ := openTestRegistry(t)

	tok, err := reg.CreateToken("ci-agent")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if !strings.HasPrefix(tok.Value, "gap_") {
		t.Errorf("token value %q missing gap_ prefix", tok.Value)
	}
	if len(tok.Value) < 36 {
		t.Errorf("token value length = %d, want >= 36", len(tok.Value))
	}
	if tok.Prefix != tok.Value[:8] {
		t.Errorf("prefix = %q, want first 8 chars of value", tok.Prefix)
	}
	if tok.ID == "" {
		t.Error("token id is empty")
	}

	id, ok := reg.ValidateToken(tok.Value)
	if !ok || id != tok.ID {
		t.Errorf("ValidateToken = (%q, %v), want (%q, true)", id, ok, tok.ID)
	}
	if _, ok := reg.ValidateToken("gap_bogus"); ok {
		t.Error("ValidateToken accepted unknown token")
	}

	infos := reg.ListTokens()
	if len(infos) != 1 {
		t.Fatalf("ListTokens = %d entries, want 1", len(infos))
	}
	if infos[0].Prefix != tok.Value[:8] {
		t.Errorf("listed prefix = %q, want %q", infos[0].Prefix, tok.Value[:8])
	}
	if infos[0].ID == tok.Value {
		t.Error("listing uses the token value as id")
	}

	if err := reg.RevokeToken(tok.Value); err != nil {
		t.Fatalf("RevokeToken: %v", err)
	}
	if _, ok := reg.ValidateToken(tok.Value); ok {
		t.Error("revoked token still validates")
	}
	if err := reg.RevokeToken(tok.Value); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("second revoke = %v, want ErrTokenNotFound", err)
	}
}

// The registry document is the only listing surface; the full token value
// must not appear in any field of a listing entry.
func TestListTokensNeverExposesValue(t *testing.T) {
	reg, _ := openTestRegistry(t)

	tok, err := reg.CreateToken("agent")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	for _, info := range reg.ListTokens() {
		for _, field := range []string{info.ID, info.Name, info.Prefix} {
			if field == tok.Value {
				t.Errorf("listing contains full token value in %q", field)
			}
		}
	}
}

func TestPluginInstallAndMatch(t *testing.T) {
	reg, _ := openTestRegistry(t)

	if err := reg.InstallPlugin(exaEntry(), exaCode); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}

	entry, ok := reg.Match("api.exa.ai")
	if !ok || entry.Name != "exa" {
		t.Fatalf("Match = (%q, %v), want (exa, true)", entry.Name, ok)
	}
	if _, ok := reg.Match("evil.com"); ok {
		t.Error("Match accepted unlisted host")
	}

	code, err := reg.PluginCode("exa")
	if err != nil {
		t.Fatalf("PluginCode: %v", err)
	}
	if code != exaCode {
		t.Error("PluginCode returned different code")
	}
}

func TestPluginInstallRejectsBadPatterns(t *testing.T) {
	reg, _ := openTestRegistry(t)

	entry := exaEntry()
	entry.MatchPatterns = []string{"a.*.b"}
	if err := reg.InstallPlugin(entry, exaCode); err == nil {
		t.Error("InstallPlugin accepted invalid pattern")
	}

	entry = exaEntry()
	entry.MatchPatterns = nil
	if err := reg.InstallPlugin(entry, exaCode); err == nil {
		t.Error("InstallPlugin accepted empty pattern list")
	}
}

func TestCredentialSchemaEnforced(t *testing.T) {
	reg, _ := openTestRegistry(t)

	if err := reg.SetCredential("exa", "api_key", "SECRET"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("SetCredential before install = %v, want ErrPluginNotFound", err)
	}

	if err := reg.InstallPlugin(exaEntry(), exaCode); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}

	if err := reg.SetCredential("exa", "api_key", "SECRET"); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}

	var invErr *InvariantError
	err := reg.SetCredential("exa", "not_in_schema", "x")
	if !errors.As(err, &invErr) {
		t.Errorf("SetCredential unknown field = %v, want InvariantError", err)
	}

	creds := reg.Credentials("exa")
	if creds["api_key"] != "SECRET" {
		t.Errorf("Credentials = %v, want api_key=SECRET", creds)
	}
	if len(creds) != 1 {
		t.Errorf("Credentials has %d fields, want 1", len(creds))
	}

	if err := reg.DeleteCredential("exa", "api_key"); err != nil {
		t.Fatalf("DeleteCredential: %v", err)
	}
	if len(reg.Credentials("exa")) != 0 {
		t.Error("credential survived delete")
	}
	if err := reg.DeleteCredential("exa", "api_key"); err != nil {
		t.Errorf("second DeleteCredential: %v", err)
	}
}

func TestUninstallCascades(t *testing.T) {
	reg, store := openTestRegistry(t)

	if err := reg.InstallPlugin(exaEntry(), exaCode); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}
	if err := reg.SetCredential("exa", "api_key", "SECRET"); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}

	if err := reg.UninstallPlugin("exa"); err != nil {
		t.Fatalf("UninstallPlugin: %v", err)
	}

	if len(reg.Credentials("exa")) != 0 {
		t.Error("credentials survived uninstall")
	}
	if _, err := store.Get(plugin.CodeKey("exa")); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("plugin code after uninstall = %v, want ErrNotFound", err)
	}
	if _, ok := reg.Match("api.exa.ai"); ok {
		t.Error("uninstalled plugin still matches")
	}
	if err := reg.UninstallPlugin("exa"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("second uninstall = %v, want ErrPluginNotFound", err)
	}
}

func TestReinstallDropsStaleCredentials(t *testing.T) {
	reg, _ := openTestRegistry(t)

	if err := reg.InstallPlugin(exaEntry(), exaCode); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}
	if err := reg.SetCredential("exa", "api_key", "SECRET"); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}

	next := exaEntry()
	next.CredentialSchema = []string{"bearer_token"}
	if err := reg.InstallPlugin(next, exaCode); err != nil {
		t.Fatalf("reinstall: %v", err)
	}

	if len(reg.Credentials("exa")) != 0 {
		t.Error("credential for removed schema field survived reinstall")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.OpenFileStore(dir, "pw", testLogger())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	reg, err := Open(store, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tok, err := reg.CreateToken("agent")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if err := reg.InstallPlugin(exaEntry(), exaCode); err != nil {
		t.Fatalf("InstallPlugin: %v", err)
	}
	if err := reg.SetCredential("exa", "api_key", "SECRET"); err != nil {
		t.Fatalf("SetCredential: %v", err)
	}

	store2, err := storage.OpenFileStore(dir, "pw", testLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	reg2, err := Open(store2, testLogger())
	if err != nil {
		t.Fatalf("reopen registry: %v", err)
	}

	if _, ok := reg2.ValidateToken(tok.Value); !ok {
		t.Error("token lost across reopen")
	}
	if _, ok := reg2.Match("api.exa.ai"); !ok {
		t.Error("plugin lost across reopen")
	}
	if reg2.Credentials("exa")["api_key"] != "SECRET" {
		t.Error("credential lost across reopen")
	}
}

func TestSetPasswordHashOnce(t *testing.T) {
	reg, _ := openTestRegistry(t)

	if reg.Initialized() {
		t.Fatal("fresh registry reports initialized")
	}
	if err := reg.SetPasswordHash("$argon2id$fake"); err != nil {
		t.Fatalf("SetPasswordHash: %v", err)
	}
	if !reg.Initialized() {
		t.Error("registry not initialized after SetPasswordHash")
	}
	if err := reg.SetPasswordHash("$argon2id$other"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("second SetPasswordHash = %v, want ErrAlreadyInitialized", err)
	}
}

// failingStore rejects every write while failPuts is set, exercising the
// validate-then-persist contract: a failed persist must leave the in-memory
// document unchanged.
type failingStore struct {
	storage.SecretStore
	failPuts bool
}

func (f *failingStore) Put(key string, value []byte) error {
	if f.failPuts {
		return &storage.BackendError{Op: "put", Key: key, Err: errors.New("disk full")}
	}
	return f.SecretStore.Put(key, value)
}

func TestFailedPersistLeavesNoChange(t *testing.T) {
	inner, err := storage.OpenFileStore(t.TempDir(), "pw", testLogger())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	fs := &failingStore{SecretStore: inner}
	reg, err := Open(fs, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	tok, err := reg.CreateToken("agent")
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	fs.failPuts = true
	if _, err := reg.CreateToken("doomed"); err == nil {
		t.Fatal("CreateToken succeeded with failing store")
	}

	if got := len(reg.ListTokens()); got != 1 {
		t.Errorf("tokens after failed create = %d, want 1", got)
	}
	if _, ok := reg.ValidateToken(tok.Value); !ok {
		t.Error("existing token lost after failed write")
	}
}

func TestOpenRejectsInvalidDocument(t *testing.T) {
	store, err := storage.OpenFileStore(t.TempDir(), "pw", testLogger())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	// Credentials referencing an uninstalled plugin violate the invariants.
	doc := `{"version":1,"tokens":{},"plugins":[],"credentials":{"ghost":{"k":"v"}}}`
	if err := store.Put(Key, []byte(doc)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := Open(store, testLogger()); err == nil {
		t.Error("Open accepted document with dangling credentials")
	}
}
