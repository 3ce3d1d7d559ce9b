package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/server"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long:  "Serve the HTTP API. Every route except / and /healthz needs $MEMORY_API_KEY in X-API-Key or an Authorization bearer token.",
		Run:   runServe,
	}

	cmd.Flags().String("addr", "", "Listen address (default: $MEMORY_ADDR or :8080)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}
	if cfg.APIKey == "" {
		exitErr("serve", errors.New("MEMORY_API_KEY is not set"))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := openService(ctx)
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	srv := server.New(svc, server.Options{APIKey: cfg.APIKey, Timeout: cfg.OpTimeout, Logger: logger})
	logger.Info("serving", "backend", cfg.Backend, "tag_mode", cfg.TagMode.String())
	if err := srv.Run(ctx, cfg.Addr); err != nil {
		exitErr("serve", err)
	}
}
