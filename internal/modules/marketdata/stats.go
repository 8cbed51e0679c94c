package marketdata

import (
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/folio/internal/domain"
)

// PriceStats summarizes a span of daily bars.
type PriceStats struct {
	Rows        int     `json:"rows"`
	FirstDate   string  `json:"first_date"`
	LastDate    string  `json:"last_date"`
	MinClose    float64 `json:"min_close"`
	MaxClose    float64 `json:"max_close"`
	MeanClose   float64 `json:"mean_close"`
	StdDevClose float64 `json:"stddev_close"`
	TotalVolume int64   `json:"total_volume"`
}

// Summarize computes summary statistics over bars. Returns the zero
// value for an empty span.
func Summarize(bars []domain.PriceBar) PriceStats {
	if len(bars) == 0 {
		return PriceStats{}
	}

	closes := make([]float64, len(bars))
	var totalVolume int64
	minClose, maxClose := bars[0].Close, bars[0].Close
	for i, b := range bars {
		closes[i] = b.Close
		totalVolume += b.Volume
		if b.Close < minClose {
			minClose = b.Close
		}
		if b.Close > maxClose {
			maxClose = b.Close
		}
	}

	mean, std := stat.MeanStdDev(closes, nil)
	if len(bars) == 1 {
		std = 0
	}

	return PriceStats{
		Rows:        len(bars),
		FirstDate:   bars[0].Date,
		LastDate:    bars[len(bars)-1].Date,
		MinClose:    minClose,
		MaxClose:    maxClose,
		MeanClose:   mean,
		StdDevClose: std,
		TotalVolume: totalVolume,
	}
}
