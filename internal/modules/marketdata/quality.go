package marketdata

import (
	"github.com/aristath/folio/internal/domain"
)

// gradeFor maps completeness to a letter grade with fixed thresholds.
func gradeFor(completeness float64) string {
	switch {
	case completeness >= 0.9:
		return "A"
	case completeness >= 0.7:
		return "B"
	case completeness >= 0.5:
		return "C"
	case completeness >= 0.3:
		return "D"
	default:
		return "F"
	}
}

// Assess is the pure quality computation:
// completeness = 0.6*stock + 0.4*financial.
func Assess(symbol string, stockAvailable, financialAvailable bool) domain.DataQuality {
	completeness := 0.0
	if stockAvailable {
		completeness += 0.6
	}
	if financialAvailable {
		completeness += 0.4
	}
	return domain.DataQuality{
		Symbol:             symbol,
		StockAvailable:     stockAvailable,
		FinancialAvailable: financialAvailable,
		DataCompleteness:   completeness,
		Grade:              gradeFor(completeness),
	}
}

// AssessQuality inspects storage and grades the symbol's data.
func (s *Service) AssessQuality(symbol string) (domain.DataQuality, error) {
	rowCount, err := s.repo.CountPriceRows(symbol)
	if err != nil {
		return domain.DataQuality{}, err
	}
	hasFinancial, err := s.repo.HasFinancialData(symbol)
	if err != nil {
		return domain.DataQuality{}, err
	}

	quality := Assess(symbol, rowCount > 0, hasFinancial)
	quality.PriceRows = rowCount

	if rowCount > 0 {
		lastDate, err := s.repo.GetLastPriceDate(symbol)
		if err != nil {
			return domain.DataQuality{}, err
		}
		quality.LastPriceDate = lastDate
	}
	return quality, nil
}
