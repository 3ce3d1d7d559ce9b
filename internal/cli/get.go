package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a memory by exact key (case-insensitive)",
		Run:   runGet,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	mem, err := svc.Get(cmd.Context(), key)
	if err != nil {
		exitErr("get", err)
	}
	printJSON(cmd.OutOrStdout(), mem)
}
