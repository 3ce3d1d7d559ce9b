// Package cli implements the memory-api commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/backup"
	"github.com/rcliao/memory-api/internal/config"
	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/service"
	"github.com/rcliao/memory-api/internal/store"
)

// Version is set at build time.
var Version = "dev"

var (
	dbPath      string
	backendFlag string
	tagModeFlag string
	logLevel    string
	envFile     string

	cfg    *config.Config
	logger *slog.Logger
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memory-api",
	Short: "Key-addressed memory store",
	Long: "Stores short memories under a key with optional tags, and recalls them by exact key or substring. " +
		"Serves them over HTTP or MCP, or works on them directly from the command line.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite file or Badger directory (default: $MEMORY_DB or ~/.memory-api/memory.db)")
	RootCmd.PersistentFlags().StringVarP(&backendFlag, "backend", "b", "", "Storage backend: sqlite, postgres or badger (default: $MEMORY_BACKEND or sqlite)")
	RootCmd.PersistentFlags().StringVar(&tagModeFlag, "tag-mode", "", "Tag validation: free or closed (default: $MEMORY_TAG_MODE or free)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Read settings from this file instead of ./.env")
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if logger, err = setupLogger(logLevel); err != nil {
		return err
	}
	slog.SetDefault(logger)

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	if cfg, err = config.Load(files...); err != nil {
		return err
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if backendFlag != "" {
		cfg.Backend = strings.ToLower(backendFlag)
	}
	if tagModeFlag != "" {
		if cfg.TagMode, err = model.ParseTagMode(tagModeFlag); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func setupLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// openStore opens the configured backend without checking its schema.
func openStore(ctx context.Context) (store.Store, error) {
	opts := cfg.StoreOptions(logger)
	switch cfg.Backend {
	case config.BackendPostgres:
		return store.NewPostgresStore(ctx, cfg.DatabaseURL, opts)
	case config.BackendBadger:
		return store.NewBadgerStore(cfg.StorePath(), opts)
	default:
		return store.NewSQLiteStore(cfg.StorePath(), opts)
	}
}

// openService opens the store, refuses an unmigrated schema and wraps it in
// a service. Close it with svc.Store().Close().
func openService(ctx context.Context) (*service.Service, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureMigrated(ctx, st); err != nil {
		st.Close()
		return nil, err
	}
	opts := []service.Option{service.WithLogger(logger)}
	if cfg.BackupDir != "" {
		opts = append(opts, service.WithBackups(&backup.Writer{Dir: cfg.BackupDir}, cfg.AutoBackup))
	}
	return service.New(st, opts...), nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}

func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// readContent joins args, or reads stdin when it is piped and args are empty.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// parseBody treats content as a JSON object when asJSON is set.
func parseBody(content string, asJSON bool) (model.Body, error) {
	content = strings.TrimSpace(content)
	if asJSON {
		return model.DecodeBody(content)
	}
	if content == "" {
		return nil, nil
	}
	return model.TextBody(content), nil
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
