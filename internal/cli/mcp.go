package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/mcpserver"
)

func init() {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the memory tools over MCP on stdio",
		Run:   runMCP,
	}

	RootCmd.AddCommand(cmd)
}

func runMCP(cmd *cobra.Command, args []string) {
	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	if err := mcpserver.New(svc, Version, logger).ServeStdio(); err != nil {
		exitErr("mcp", err)
	}
}
