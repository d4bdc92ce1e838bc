package cmd

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mikekelly/gap/internal/ca"
	"github.com/mikekelly/gap/internal/config"
	"github.com/mikekelly/gap/internal/jsruntime"
	"github.com/mikekelly/gap/internal/mgmt"
	"github.com/mikekelly/gap/internal/registry"
	"github.com/mikekelly/gap/internal/storage"
)

// core bundles the assembled subsystems a command needs.
type core struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       storage.SecretStore
	registry    *registry.Registry
	ca          *ca.Manager
	transformer *jsruntime.Transformer
	mgmt        *mgmt.Service
}

// openCore loads config and assembles store, registry, CA, runtime, and the
// management service. The master password is only consulted by the file
// backend.
func openCore() (*core, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	store, err := storage.Open(storage.Options{
		Backend:        storage.Backend(cfg.Storage.Backend),
		DataDir:        cfg.Storage.DataDir,
		MasterPassword: masterPassword(),
		ServiceName:    cfg.Storage.ServiceName,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(store, logger)
	if err != nil {
		return nil, err
	}

	caManager, err := ca.Open(store, ca.Config{
		ExportPath:    cfg.CA.CertPath,
		LeafTTL:       config.Duration(cfg.CA.LeafTTL),
		CacheCapacity: cfg.CA.CacheCapacity,
	}, logger)
	if err != nil {
		return nil, err
	}

	transformer := jsruntime.New(jsruntime.Config{
		Timeout:     config.Duration(cfg.Plugins.TransformTimeout),
		MemoryLimit: cfg.Plugins.MemoryLimitBytes,
		Logger:      logger,
	})

	return &core{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		registry:    reg,
		ca:          caManager,
		transformer: transformer,
		mgmt:        mgmt.New(reg, caManager, transformer, logger),
	}, nil
}

// close zeroes the file backend's derived key, if that backend is in use.
func (c *core) close() {
	if fs, ok := c.store.(*storage.FileStore); ok {
		fs.Close()
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// masterPassword reads the master password from the environment. The file
// backend derives its encryption key from it; the keychain backend ignores
// it.
func masterPassword() string {
	return os.Getenv("GAP_MASTER_PASSWORD")
}

// promptPassword asks on stderr and reads one line from stdin. Used by init
// when no password was supplied and by credential set when no value was.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
