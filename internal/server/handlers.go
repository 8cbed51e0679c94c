package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/folio/internal/database"
	"github.com/aristath/folio/internal/domain"
	"github.com/aristath/folio/internal/modules/analysis"
	"github.com/aristath/folio/internal/modules/ledger"
	"github.com/aristath/folio/internal/scheduler"
)

// Handlers implements the API endpoints.
type Handlers struct {
	dataDir    string
	db         *database.DB
	ledger     *ledger.Service
	ledgerRepo *ledger.Repository
	analysis   *analysis.Runner
	scheduler  *scheduler.Scheduler
	log        zerolog.Logger
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientPosition),
		errors.Is(err, domain.ErrUnknownLot):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Health reports database integrity and host resource usage.
// GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	dbStatus := "ok"
	if err := h.db.QuickCheck(ctx); err != nil {
		status = "degraded"
		dbStatus = err.Error()
	}

	payload := map[string]interface{}{
		"status":   status,
		"database": dbStatus,
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		payload["memory_used_pct"] = memStat.UsedPercent
	}
	if diskStat, err := disk.Usage(h.dataDir); err == nil {
		payload["disk_used_pct"] = diskStat.UsedPercent
		payload["disk_free_bytes"] = diskStat.Free
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, payload)
}

// Positions lists open position summaries.
// GET /api/positions
func (h *Handlers) Positions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.ledger.Positions()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

// Lots lists position lots.
// GET /api/lots?symbol=AAPL&active=true&limit=100&offset=0
func (h *Handlers) Lots(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	active := r.URL.Query().Get("active") == "true"
	limit := intParam(r, "limit", 0)
	offset := intParam(r, "offset", 0)

	lots, err := h.ledger.ListLots(symbol, active, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"lots": lots})
}

// Transactions lists ledger rows, newest first.
// GET /api/transactions?symbol=AAPL&limit=50
func (h *Handlers) Transactions(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	limit := intParam(r, "limit", 100)

	txns, err := h.ledger.ListTransactions(symbol, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": txns})
}

// DailyPnL returns valuation rows for a symbol.
// GET /api/pnl?symbol=AAPL&start=2024-01-01&end=2024-12-31
func (h *Handlers) DailyPnL(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	if symbol == "" {
		h.writeError(w, domain.ValidationError("symbol", "required"))
		return
	}
	if err := h.ledgerRepo.EnsureSchema(); err != nil {
		h.writeError(w, err)
		return
	}
	rows, err := h.ledgerRepo.GetDailyPnLRange(symbol,
		r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "rows": rows})
}

// Analyze runs the pipeline for the requested symbols.
// GET /api/analyze?symbols=AAPL,MSFT&start=2024-01-01&end=2024-06-30
func (h *Handlers) Analyze(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		h.writeError(w, domain.ValidationError("symbols", "required"))
		return
	}
	var symbols []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}

	reports, err := h.analysis.RunBatch(r.Context(), symbols,
		r.URL.Query().Get("start"), r.URL.Query().Get("end"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reports": reports})
}

// Jobs reports the scheduler's latest run per job.
// GET /api/jobs
func (h *Handlers) Jobs(w http.ResponseWriter, r *http.Request) {
	if h.scheduler == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": []scheduler.RunRecord{}})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": h.scheduler.LastRuns()})
}

func intParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
