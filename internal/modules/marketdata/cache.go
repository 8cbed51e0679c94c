package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/folio/internal/domain"
)

// FrameCache persists OHLCV frames keyed by (symbol, start, end) so
// repeated analysis runs over the same window skip the row scan.
// Entries are msgpack blobs with a TTL; the cache is read-mostly and
// safe to drop entirely.
type FrameCache struct {
	db  *sql.DB
	ttl time.Duration
	log zerolog.Logger
}

// NewFrameCache creates a frame cache with the given TTL.
func NewFrameCache(db *sql.DB, ttl time.Duration, log zerolog.Logger) *FrameCache {
	return &FrameCache{
		db:  db,
		ttl: ttl,
		log: log.With().Str("repo", "framecache").Logger(),
	}
}

func frameKey(symbol, startDate, endDate string) string {
	return symbol + "|" + startDate + "|" + endDate
}

// Store serializes bars for the window. Cache write failures are
// logged, never propagated.
func (c *FrameCache) Store(symbol, startDate, endDate string, bars []domain.PriceBar) {
	blob, err := msgpack.Marshal(bars)
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("failed to serialize frame")
		return
	}

	expiresAt := time.Now().Add(c.ttl).Unix()
	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO frame_cache (cache_key, data, expires_at)
		VALUES (?, ?, ?)`,
		frameKey(symbol, startDate, endDate), blob, expiresAt)
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("failed to store frame")
	}
}

// Get returns the cached frame if present and fresh.
func (c *FrameCache) Get(symbol, startDate, endDate string) ([]domain.PriceBar, bool) {
	var blob []byte
	err := c.db.QueryRow(`
		SELECT data FROM frame_cache WHERE cache_key = ? AND expires_at > ?`,
		frameKey(symbol, startDate, endDate), time.Now().Unix()).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("frame cache read failed")
		return nil, false
	}

	var bars []domain.PriceBar
	if err := msgpack.Unmarshal(blob, &bars); err != nil {
		c.log.Warn().Str("symbol", symbol).Err(err).Msg("failed to deserialize frame")
		return nil, false
	}
	return bars, true
}

// DeleteExpired removes stale entries. Returns rows deleted.
func (c *FrameCache) DeleteExpired() (int64, error) {
	result, err := c.db.Exec(`DELETE FROM frame_cache WHERE expires_at < ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired frames: %w", err)
	}
	return result.RowsAffected()
}
