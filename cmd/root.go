package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/TranVPhu/FaceRecognize/internal/config"
	"github.com/TranVPhu/FaceRecognize/internal/enroll"
	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/logging"
	"github.com/TranVPhu/FaceRecognize/internal/store"
	"github.com/TranVPhu/FaceRecognize/internal/worker"
)

// Registry is an identity registry the CLI can release.
type Registry interface {
	enroll.Registry
	Close()
}

var (
	// DB is the identity registry shared by subcommands
	DB Registry
	// Cfg is the loaded configuration
	Cfg *config.Config
	// Log is the process logger
	Log *slog.Logger

	configPath string
	dbURL      string
	logLevel   string
	memoryDB   bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facerecognize",
	Short:   "Real-time face identification for video streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env file is optional, don't fail if not found
		_ = godotenv.Load()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if memoryDB {
			cfg.Database.Memory = true
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		detachIndex(cfg)
		Cfg = cfg

		Log, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		slog.SetDefault(Log)

		if cfg.Database.Memory {
			DB = store.NewMemory(cfg.Model.Dim)
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		s, err := store.New(cmd.Context(), cfg.Database.URL, cfg.Model.Dim)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		DB = s
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/facerecognize)")
	rootCmd.PersistentFlags().BoolVar(&memoryDB, "memory", false, "Use a throwaway in-memory registry instead of PostgreSQL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// detachIndex keeps the index in memory when the registry is. A throwaway
// registry restarts its ids at 1, so persisted slots would name strangers.
func detachIndex(cfg *config.Config) {
	if cfg.Database.Memory {
		cfg.Index.Dir = ""
	}
}

// indexOptions maps the configuration onto the vector index.
func indexOptions(cfg *config.Config, logger *slog.Logger) index.Options {
	return index.Options{
		Dir:      cfg.Index.Dir,
		Dim:      cfg.Model.Dim,
		Kind:     index.Kind(cfg.Index.Kind),
		Compress: cfg.Index.Compress,
		HNSW:     index.HNSWOptions{M: cfg.Index.HNSWM, EfSearch: cfg.Index.HNSWEf},
		Logger:   logger,
	}
}

// openCoordinator loads (or rebuilds) the index and binds it to the registry.
func openCoordinator(ctx context.Context, cfg *config.Config, reg enroll.Registry, logger *slog.Logger) (*enroll.Coordinator, *index.Index, error) {
	idx, rep := index.Open(ctx, indexOptions(cfg, logger), enroll.RegistrySource(reg))
	for _, w := range rep.Warnings {
		fmt.Fprintf(os.Stderr, "⚠️  %s\n", w)
	}
	if rep.Origin == index.OriginRebuilt {
		fmt.Fprintf(os.Stderr, "🧱 Index rebuilt from registry (%d vectors)\n", rep.Count)
	}
	coord := enroll.New(reg, idx, logger)
	if err := coord.Refresh(ctx); err != nil {
		return nil, nil, err
	}
	return coord, idx, nil
}

// workerOptions maps the configuration onto an embedding engine.
func workerOptions(cfg *config.Config, logger *slog.Logger) worker.Options {
	return worker.Options{
		Command:     cfg.Model.Command,
		Dim:         cfg.Model.Dim,
		Timeout:     cfg.Model.Timeout,
		JPEGQuality: cfg.Model.JPEGQuality,
		Logger:      logger,
	}
}
