package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/folio/internal/domain"
)

var backupList bool

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the database, upload it off-site and rotate old archives",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(app *App) error {
			if app.Cfg.Backup == nil || app.Cfg.Backup.Bucket == "" {
				return domain.ValidationError("backup", "FOLIO_S3_BUCKET is not configured")
			}
			backups, err := backupService(app)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if backupList {
				remote, err := backups.ListRemote(ctx)
				if err != nil {
					return err
				}
				return printJSON(remote)
			}

			if err := backups.Run(ctx, os.TempDir()); err != nil {
				return err
			}
			printf("backup complete")
			return nil
		})
	},
}

func init() {
	backupCmd.Flags().BoolVar(&backupList, "list", false, "list remote archives instead of creating one")
}
