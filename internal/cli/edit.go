package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/model"
	"github.com/rcliao/memory-api/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Change part of a memory",
		Long:  "Change the key, body, tags or timestamp of the most recent memory matching --key, or the one created at --created-at.",
		Run:   runEdit,
	}

	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().String("created-at", "", "RFC 3339 timestamp of the record to edit")
	cmd.Flags().String("new-key", "", "Replacement key")
	cmd.Flags().String("body", "", "Replacement body")
	cmd.Flags().Bool("json", false, "Parse --body as a JSON object")
	cmd.Flags().StringP("tags", "t", "", "Replacement comma-separated tags (empty clears them)")
	cmd.Flags().String("new-created-at", "", "Replacement RFC 3339 timestamp")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runEdit(cmd *cobra.Command, args []string) {
	key, _ := cmd.Flags().GetString("key")
	asJSON, _ := cmd.Flags().GetBool("json")

	at, err := timeFlag(cmd, "created-at")
	if err != nil {
		exitErr("edit", err)
	}

	var patch store.Patch
	if cmd.Flags().Changed("new-key") {
		v, _ := cmd.Flags().GetString("new-key")
		patch.Key = &v
	}
	if cmd.Flags().Changed("body") {
		v, _ := cmd.Flags().GetString("body")
		if patch.Body, err = parseBody(v, asJSON); err != nil {
			exitErr("edit", fmt.Errorf("parse body: %w", err))
		}
		if patch.Body == nil {
			patch.Body = model.Body{}
		}
	}
	if cmd.Flags().Changed("tags") {
		v, _ := cmd.Flags().GetString("tags")
		tags := splitTags(v)
		if tags == nil {
			tags = []string{}
		}
		patch.Tags = &tags
	}
	if patch.CreatedAt, err = timeFlag(cmd, "new-created-at"); err != nil {
		exitErr("edit", err)
	}

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	mem, err := svc.Edit(cmd.Context(), store.EditParams{Key: key, CreatedAt: at, Patch: patch})
	if err != nil {
		exitErr("edit", err)
	}
	printJSON(cmd.OutOrStdout(), mem)
}
