package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		Run:   runList,
	}

	cmd.Flags().StringP("tag", "t", "", "Filter by tag")
	cmd.Flags().IntP("limit", "l", 20, "Max results (0 for all)")
	cmd.Flags().Bool("keys-only", false, "Only output keys")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) {
	tag, _ := cmd.Flags().GetString("tag")
	limit, _ := cmd.Flags().GetInt("limit")
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	memories, err := svc.List(cmd.Context(), store.ListParams{Tag: tag, Limit: limit})
	if err != nil {
		exitErr("list", err)
	}

	if keysOnly {
		for _, m := range memories {
			fmt.Fprintln(cmd.OutOrStdout(), m.Key)
		}
		return
	}
	printJSON(cmd.OutOrStdout(), memories)
}
