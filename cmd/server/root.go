package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/Avicted/sigil/internal/config"
	"github.com/Avicted/sigil/internal/ephemeral"
	"github.com/Avicted/sigil/internal/securelog"
	"github.com/Avicted/sigil/internal/securestore"
	"github.com/Avicted/sigil/internal/storage"
)

// Set with -ldflags "-X main.Version=x.y.z".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sigil",
		Short: "Sigil identity provider",
		Long: `Sigil is an identity provider for end-to-end encrypted applications.
It issues OpenID Connect tokens, signs users in with passkeys, trust codes
or approval from an already trusted device, and never sees a plaintext
master key.

All settings are read from SIGIL_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newKeygenCmd(),
		newAppCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sigil version %s\n", Version)
			fmt.Fprintf(out, "Git commit: %s\n", GitCommit)
			fmt.Fprintf(out, "Build date: %s\n", BuildDate)
			fmt.Fprintf(out, "Go version: %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadStorageConfig is used by commands that only touch the database.
func loadStorageConfig() (config.Config, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return config.Config{}, fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.ValidateStorage(); err != nil {
		return config.Config{}, fmt.Errorf("config invalid: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	if cfg.DBURL == config.MemoryDB {
		securelog.Warn("using in-memory store; state is lost on restart")
		return storage.NewMemoryStore(), nil
	}
	fields, err := securestore.NewFieldCrypto(cfg.FieldKey)
	if err != nil {
		return nil, fmt.Errorf("init field crypto: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(ctx, cfg.DBURL, fields)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	return store, nil
}

func migrateStore(ctx context.Context, store storage.Store) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func closeStore(store storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		securelog.Error("server.close_store", err)
	}
}

// openEphemeral picks Redis when configured so several instances share
// ceremony state and codes. The in-process store only suits one instance.
func openEphemeral(ctx context.Context, cfg config.Config) (ephemeral.Store, func(), error) {
	if cfg.RedisURL == "" {
		return ephemeral.NewMemoryStore(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := ephemeral.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("init ephemeral store: %w", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			securelog.Error("server.close_redis", err)
		}
	}, nil
}
