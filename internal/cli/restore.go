package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/backup"
)

func init() {
	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore memories from a backup",
		Long: `Insert every record of a backup document (a file, or stdin when no file is given).

Keys are unique, so restore does not merge: if any backup key already exists
in the store the whole restore fails and the store is left unchanged. Restore
into an empty store, or remove the overlapping keys first.`,
		Args:  cobra.MaximumNArgs(1),
		Run:   runRestore,
	}

	RootCmd.AddCommand(cmd)
}

func runRestore(cmd *cobra.Command, args []string) {
	var (
		doc *backup.Document
		err error
	)
	if len(args) == 1 && args[0] != "-" {
		doc, err = backup.ReadFile(args[0])
	} else {
		doc, err = backup.Decode(cmd.InOrStdin())
	}
	if err != nil {
		exitErr("read backup", err)
	}

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	n, err := svc.Restore(cmd.Context(), doc)
	if err != nil {
		exitErr("restore", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"restored":%d}`+"\n", n)
}
