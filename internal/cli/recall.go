package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Recall by exact key, plus memories containing the query",
		Long:  "Look the query up as a key (case-insensitive), then list every memory whose key or body contains it.",
		Run:   runRecall,
	}

	cmd.Flags().StringP("tag", "t", "", "Only match memories carrying this tag")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	tag, _ := cmd.Flags().GetString("tag")

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	res, err := svc.Recall(cmd.Context(), store.RecallParams{
		Query: strings.Join(args, " "),
		Tag:   tag,
	})
	if err != nil {
		exitErr("recall", err)
	}
	if err := res.Err(); err != nil {
		exitErr("recall", err)
	}
	printJSON(cmd.OutOrStdout(), res)
}
