package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "List the category vocabulary used in closed tag mode",
		Run:   runCategories,
	}

	RootCmd.AddCommand(cmd)
}

func runCategories(cmd *cobra.Command, args []string) {
	printJSON(cmd.OutOrStdout(), service.New(nil).Categories())
}
