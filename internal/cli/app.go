package cli

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/clients/finnhub"
	"github.com/aristath/folio/internal/clients/stooq"
	"github.com/aristath/folio/internal/clients/twelvedata"
	"github.com/aristath/folio/internal/clients/yfinance"
	"github.com/aristath/folio/internal/config"
	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/modules/analysis"
	"github.com/aristath/folio/internal/modules/ledger"
	"github.com/aristath/folio/internal/modules/marketdata"
	"github.com/aristath/folio/internal/modules/pnl"
	"github.com/aristath/folio/pkg/logger"
)

// frameCacheTTL bounds how long analysis price frames are served from
// the cache table before being re-read from stock_prices.
const frameCacheTTL = 15 * time.Minute

// App holds the wired services every command works against. Commands
// that only touch the ledger still go through the same bootstrap so
// schema creation and logging behave identically everywhere.
type App struct {
	Cfg *config.Config
	Log zerolog.Logger
	DB  *database.DB

	MarketRepo *marketdata.Repository
	Market     *marketdata.Service
	Cache      *marketdata.FrameCache

	LedgerRepo *ledger.Repository
	Ledger     *ledger.Service

	Calculator *pnl.Calculator
	Analysis   *analysis.Runner
}

func newApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)

	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "folio",
	})
	if err != nil {
		return nil, err
	}
	if err := database.EnsureCoreSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	marketRepo := marketdata.NewRepository(db.Conn(), log)
	cache := marketdata.NewFrameCache(db.Conn(), frameCacheTTL, log)

	bulk := stooq.New(log)
	market := newMarketService(bulk, marketRepo, cfg, log)

	ledgerRepo := ledger.NewRepository(db, log)
	ledgerSvc := ledger.NewService(ledgerRepo, log)

	calculator := pnl.NewCalculator(ledgerRepo, marketRepo, pnl.Config{}, log)
	runner := analysis.NewRunner(analysis.NewRepository(db.Conn(), cache, log), log)

	return &App{
		Cfg:        cfg,
		Log:        log,
		DB:         db,
		MarketRepo: marketRepo,
		Market:     market,
		Cache:      cache,
		LedgerRepo: ledgerRepo,
		Ledger:     ledgerSvc,
		Calculator: calculator,
		Analysis:   runner,
	}, nil
}

// Close releases the database handle.
func (a *App) Close() {
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

// newMarketService wires the downloader stack: Stooq for bulk history,
// and for incremental updates Finnhub when a key is configured, else
// Twelve Data, else the keyless YFinance chart API. Finnhub doubles as
// the financial-statement and company-profile source when available.
func newMarketService(bulk *stooq.Client, repo *marketdata.Repository, cfg *config.Config, log zerolog.Logger) *marketdata.Service {
	mdCfg := marketdata.Config{
		StockIncrementalThresholdDays: cfg.StockIncrementalThresholdDays,
		FinancialRefreshDays:          cfg.FinancialRefreshDays,
		BatchDelay:                    time.Duration(cfg.BatchDelaySeconds) * time.Second,
		DefaultStartDate:              cfg.DefaultStartDate,
	}

	var incremental marketdata.PriceDownloader
	var financial marketdata.FinancialDownloader
	var profiles marketdata.ProfileFetcher

	switch {
	case cfg.FinnhubAPIKey != "":
		fh := finnhub.New(cfg.FinnhubAPIKey, log)
		incremental, financial, profiles = fh, fh, fh
	case cfg.TwelveDataAPIKey != "":
		incremental = twelvedata.New(cfg.TwelveDataAPIKey, log)
	default:
		incremental = yfinance.New(log)
	}

	svc := marketdata.NewService(repo, bulk, incremental, financial, mdCfg, log)
	if profiles != nil {
		svc.SetProfileFetcher(profiles)
	}
	return svc
}
