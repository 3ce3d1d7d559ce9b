package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Run:   runMigrate,
	}

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) {
	s, err := openStore(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer s.Close()

	if err := s.Migrate(cmd.Context()); err != nil {
		exitErr("migrate", err)
	}
	v, err := s.SchemaVersion(cmd.Context())
	if err != nil {
		exitErr("migrate", err)
	}
	printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "backend": cfg.Backend, "schema_version": v})
}
