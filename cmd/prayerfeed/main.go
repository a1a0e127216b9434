package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/prayerfeed/internal/config"
	"github.com/user/prayerfeed/internal/mongostore"
	"github.com/user/prayerfeed/internal/state"
	"github.com/user/prayerfeed/internal/types"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:          "prayerfeed",
	Short:        "Live activity notifications for the feed",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".prayerfeed", "config.json"), "config file path (.json or .yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// openStore connects the configured content backend. The returned close
// function is never nil.
func openStore(ctx context.Context, cfg *config.Config) (types.ContentStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMongo:
		m := cfg.Store.Mongo
		store, err := mongostore.Connect(ctx, m.URI, mongostore.Options{
			Database:                m.Database,
			PostsCollection:         m.PostsCollection,
			NotificationsCollection: m.NotificationsCollection,
			WordType:                m.WordType,
			PrayerType:              m.PrayerType,
			Timeout:                 m.Timeout.Std(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() {
			if err := store.Close(context.Background()); err != nil {
				slog.Warn("failed to disconnect mongo", "error", err)
			}
		}
		return store, closeFn, nil
	default:
		return state.NewContentStore(cfg.ContentPath()), func() {}, nil
	}
}

// fileStore returns the development content store, refusing when the server
// reads from another backend.
func fileStore(cfg *config.Config) (*state.ContentStore, error) {
	if cfg.Store.Backend != config.BackendFile {
		return nil, fmt.Errorf("content commands need store.backend %q, configured %q", config.BackendFile, cfg.Store.Backend)
	}
	return state.NewContentStore(cfg.ContentPath()), nil
}
