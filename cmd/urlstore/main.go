package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"urlstore/config"
	"urlstore/pkg/kv"
	"urlstore/storage"
)

var (
	configPath string
	timeout    int
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "urlstore",
		Short:         "urlstore - keyed JSON store",
		Long:          `urlstore saves, fetches and deletes JSON values keyed by an opaque string in a SQLite, Bolt, Badger or in-memory table.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to configuration file")
	flags.IntVar(&timeout, "timeout", 30, "Operation timeout in seconds")
	flags.String("backend", storage.BackendSQLite, "Storage backend: sqlite, bolt, badger or memory")
	flags.String("data-dir", "./data", "Data directory")
	flags.String("dsn", "", "SQLite data source name (overrides data-dir)")
	flags.String("table", storage.DefaultSchema.Table, "Table name")
	flags.String("log-level", "info", "Log level: debug, info, warn or error")

	_ = v.BindPFlag("storage.backend", flags.Lookup("backend"))
	_ = v.BindPFlag("storage.data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("storage.dsn", flags.Lookup("dsn"))
	_ = v.BindPFlag("storage.table", flags.Lookup("table"))
	_ = v.BindPFlag("logging.level", flags.Lookup("log-level"))

	// Add subcommands
	rootCmd.AddCommand(initCmd(v))
	rootCmd.AddCommand(saveCmd(v))
	rootCmd.AddCommand(updateCmd(v))
	rootCmd.AddCommand(fetchCmd(v))
	rootCmd.AddCommand(existsCmd(v))
	rootCmd.AddCommand(deleteCmd(v))

	return rootCmd
}

// withStore loads configuration, opens the configured engine, runs fn with a
// store over it and closes the store afterwards.
func withStore(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, st *kv.Store) error) error {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closeLog()

	engine, err := storage.Open(cfg.Storage.EngineOptions())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	opts := []kv.Option{kv.WithLogger(logger)}
	if cfg.Storage.CheckThenWrite {
		opts = append(opts, kv.WithCheckThenWrite())
	}
	st := kv.New(engine, opts...)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(timeout)*time.Second)
	defer cancel()

	runErr := fn(ctx, st)
	if err := st.Close(context.Background()); err != nil && runErr == nil {
		runErr = fmt.Errorf("closing store: %w", err)
	}
	return runErr
}

// newLogger builds the process logger from the logging section. Output goes
// to logging.file when set, otherwise to fallback.
func newLogger(cfg config.LoggingConfig, fallback io.Writer) (*slog.Logger, func(), error) {
	out := fallback
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closeFn, nil
}
