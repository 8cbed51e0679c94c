package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/modules/marketdata"
	"github.com/aristath/folio/internal/modules/pnl"
	"github.com/aristath/folio/internal/reliability"
)

// WatchlistRefreshJob downloads fresh prices for the configured
// watchlist and refreshes stale financials.
type WatchlistRefreshJob struct {
	service  *marketdata.Service
	symbols  []string
	timeout  time.Duration
	withFins bool
	log      zerolog.Logger
}

// NewWatchlistRefreshJob creates the nightly watchlist refresh.
func NewWatchlistRefreshJob(service *marketdata.Service, symbols []string, withFins bool, log zerolog.Logger) *WatchlistRefreshJob {
	return &WatchlistRefreshJob{
		service:  service,
		symbols:  symbols,
		timeout:  2 * time.Hour,
		withFins: withFins,
		log:      log.With().Str("job", "watchlist_refresh").Logger(),
	}
}

func (j *WatchlistRefreshJob) Name() string { return "watchlist_refresh" }

func (j *WatchlistRefreshJob) Run() error {
	if len(j.symbols) == 0 {
		j.log.Debug().Msg("Watchlist empty, nothing to do")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	batch := j.service.DownloadBatch(ctx, j.symbols, "", j.withFins)
	j.log.Info().
		Str("batch_id", batch.BatchID).
		Int("total", batch.Total).
		Int("successful", batch.Successful).
		Int("failed", batch.Failed).
		Msg("Watchlist refresh complete")
	if batch.Failed == batch.Total && batch.Total > 0 {
		return fmt.Errorf("all %d watchlist symbols failed", batch.Total)
	}
	return nil
}

// PnLSnapshotJob writes today's daily P&L rows for every symbol
// holding open lots.
type PnLSnapshotJob struct {
	calculator *pnl.Calculator
	symbols    func() ([]string, error)
	log        zerolog.Logger

	now func() time.Time
}

// NewPnLSnapshotJob creates the end-of-day valuation job. symbols
// supplies the symbols with open positions.
func NewPnLSnapshotJob(calculator *pnl.Calculator, symbols func() ([]string, error), log zerolog.Logger) *PnLSnapshotJob {
	return &PnLSnapshotJob{
		calculator: calculator,
		symbols:    symbols,
		log:        log.With().Str("job", "pnl_snapshot").Logger(),
		now:        time.Now,
	}
}

func (j *PnLSnapshotJob) Name() string { return "pnl_snapshot" }

func (j *PnLSnapshotJob) Run() error {
	symbols, err := j.symbols()
	if err != nil {
		return fmt.Errorf("failed to list position symbols: %w", err)
	}
	if len(symbols) == 0 {
		return nil
	}
	today := j.now().Format("2006-01-02")
	result, err := j.calculator.CalculateRange(symbols, today, today, false)
	if err != nil {
		return err
	}
	j.log.Info().
		Int("rows", result.RowsWritten).
		Int("skipped", result.Skipped).
		Msg("P&L snapshot complete")
	return nil
}

// CacheCleanupJob evicts expired analysis frames.
type CacheCleanupJob struct {
	cache *marketdata.FrameCache
	log   zerolog.Logger
}

// NewCacheCleanupJob creates the frame cache sweeper.
func NewCacheCleanupJob(cache *marketdata.FrameCache, log zerolog.Logger) *CacheCleanupJob {
	return &CacheCleanupJob{
		cache: cache,
		log:   log.With().Str("job", "cache_cleanup").Logger(),
	}
}

func (j *CacheCleanupJob) Name() string { return "cache_cleanup" }

func (j *CacheCleanupJob) Run() error {
	deleted, err := j.cache.DeleteExpired()
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info().Int64("deleted", deleted).Msg("Evicted expired frames")
	}
	return nil
}

// MaintenanceJob keeps the database healthy: quick integrity check
// then a truncating WAL checkpoint.
type MaintenanceJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewMaintenanceJob creates the daily database maintenance job.
func NewMaintenanceJob(db *database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:  db,
		log: log.With().Str("job", "db_maintenance").Logger(),
	}
}

func (j *MaintenanceJob) Name() string { return "db_maintenance" }

func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := j.db.QuickCheck(ctx); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		// Not fatal: the checkpoint retries on the next run.
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}
	return nil
}

// BackupJob ships a database archive off-site and rotates old ones.
type BackupJob struct {
	backups *reliability.BackupService
	workDir string
	log     zerolog.Logger
}

// NewBackupJob creates the nightly backup job.
func NewBackupJob(backups *reliability.BackupService, workDir string, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		backups: backups,
		workDir: workDir,
		log:     log.With().Str("job", "backup").Logger(),
	}
}

func (j *BackupJob) Name() string { return "backup" }

func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	return j.backups.Run(ctx, j.workDir)
}
