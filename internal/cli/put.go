package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [body]",
		Short: "Store a memory",
		Long:  "Store a memory under a key, replacing whatever that key held. The body can be a positional arg or piped via stdin.",
		Run:   runPut,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().Bool("json", false, "Parse the body as a JSON object")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	tagsStr, _ := cmd.Flags().GetString("tags")
	asJSON, _ := cmd.Flags().GetBool("json")

	content, err := readContent(cmd, args)
	if err != nil {
		exitErr("put", err)
	}
	body, err := parseBody(content, asJSON)
	if err != nil {
		exitErr("put", fmt.Errorf("parse body: %w", err))
	}

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	mem, err := svc.Remember(cmd.Context(), store.UpsertParams{
		Key:  key,
		Body: body,
		Tags: splitTags(tagsStr),
	})
	if err != nil {
		exitErr("put", err)
	}

	printJSON(cmd.OutOrStdout(), mem)
}
