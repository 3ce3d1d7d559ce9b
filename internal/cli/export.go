package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-api/internal/backup"
	"github.com/rcliao/memory-api/internal/config"
	"github.com/rcliao/memory-api/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a backup of every memory",
		Long:  "Write every memory to a new memory-backup-<timestamp>.json file. Existing backups are never overwritten.",
		Run:   runExport,
	}

	cmd.Flags().String("dir", "", "Backup directory (default: $MEMORY_BACKUP_DIR or ~/.memory-api/backups)")
	cmd.Flags().Bool("stdout", false, "Print the document instead of writing a file")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	dir, _ := cmd.Flags().GetString("dir")
	toStdout, _ := cmd.Flags().GetBool("stdout")

	svc, err := openService(cmd.Context())
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Store().Close()

	if toStdout {
		doc, err := svc.Snapshot(cmd.Context())
		if err != nil {
			exitErr("export", err)
		}
		printJSON(cmd.OutOrStdout(), doc)
		return
	}

	if dir == "" {
		dir = cfg.BackupDir
	}
	if dir == "" {
		dir = filepath.Join(config.Dir(), "backups")
	}
	svc = service.New(svc.Store(), service.WithLogger(logger), service.WithBackups(&backup.Writer{Dir: dir}, false))

	doc, path, err := svc.Export(cmd.Context())
	if err != nil {
		exitErr("export", err)
	}
	printJSON(cmd.OutOrStdout(), map[string]any{"ok": true, "path": path, "count": doc.Count})
}
