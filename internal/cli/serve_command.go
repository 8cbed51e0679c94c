package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/folio/internal/reliability"
	"github.com/aristath/folio/internal/scheduler"
	"github.com/aristath/folio/internal/server"
)

// Default job schedules. Overridable per deployment via env once that
// need actually shows up; for now the fleet is one box.
const (
	watchlistSpec   = "0 2 * * *"   // nightly, before US pre-market
	pnlSpec         = "30 22 * * *" // after US close
	cacheSpec       = "0 * * * *"
	maintenanceSpec = "0 3 * * *"
	backupSpec      = "30 3 * * *"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the background job scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newApp()
		if err != nil {
			return err
		}
		defer app.Close()

		sched := scheduler.New(app.Log)
		if err := registerJobs(app, sched); err != nil {
			return err
		}

		srv := server.New(server.Config{
			Port:       app.Cfg.Port,
			DataDir:    app.Cfg.DataDir,
			DB:         app.DB,
			Ledger:     app.Ledger,
			LedgerRepo: app.LedgerRepo,
			Analysis:   app.Analysis,
			Scheduler:  sched,
			Log:        app.Log,
		})

		sched.Start()
		defer sched.Stop()

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-stop:
			app.Log.Info().Str("signal", sig.String()).Msg("Shutting down")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	},
}

func registerJobs(app *App, sched *scheduler.Scheduler) error {
	// Trading tables are created lazily on first ledger write; the
	// snapshot job may fire before that.
	lotSymbols := func() ([]string, error) {
		if err := app.LedgerRepo.EnsureSchema(); err != nil {
			return nil, err
		}
		return app.LedgerRepo.LotSymbols()
	}

	register := []struct {
		spec string
		job  scheduler.Job
	}{
		{watchlistSpec, scheduler.NewWatchlistRefreshJob(app.Market, app.Cfg.Watchlist, true, app.Log)},
		{pnlSpec, scheduler.NewPnLSnapshotJob(app.Calculator, lotSymbols, app.Log)},
		{cacheSpec, scheduler.NewCacheCleanupJob(app.Cache, app.Log)},
		{maintenanceSpec, scheduler.NewMaintenanceJob(app.DB, app.Log)},
	}
	for _, r := range register {
		if err := sched.Register(r.spec, r.job); err != nil {
			return err
		}
	}

	if app.Cfg.Backup != nil && app.Cfg.Backup.Bucket != "" {
		backups, err := backupService(app)
		if err != nil {
			return err
		}
		job := scheduler.NewBackupJob(backups, os.TempDir(), app.Log)
		if err := sched.Register(backupSpec, job); err != nil {
			return err
		}
	}
	return nil
}

func backupService(app *App) (*reliability.BackupService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := reliability.NewS3Client(ctx, app.Cfg.Backup, app.Log)
	if err != nil {
		return nil, err
	}
	policy := reliability.RotationPolicy{
		RetentionDays: app.Cfg.Backup.RetentionDays,
		MinKeep:       app.Cfg.Backup.MinKeep,
	}
	return reliability.NewBackupService(app.DB, store, policy, app.Log), nil
}
