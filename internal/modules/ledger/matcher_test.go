package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/domain"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func lot(id int64, date, qty, cost string) domain.PositionLot {
	return domain.PositionLot{
		ID:                id,
		Symbol:            "AAPL",
		OriginalQuantity:  dec(qty),
		RemainingQuantity: dec(qty),
		CostBasis:         dec(cost),
		PurchaseDate:      date,
	}
}

// Five open lots used across the method comparisons.
func ladderLots() []domain.PositionLot {
	return []domain.PositionLot{
		lot(1, "2024-01-01", "100", "150"),
		lot(2, "2024-01-10", "200", "160"),
		lot(3, "2024-01-20", "150", "140"),
		lot(4, "2024-01-30", "300", "170"),
		lot(5, "2024-02-10", "100", "155"),
	}
}

// realizedPnL replays the allocation arithmetic the service performs.
func realizedPnL(matches []LotMatch, salePrice decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, m := range matches {
		total = total.Add(salePrice.Sub(m.Lot.CostBasis).Mul(m.Quantity))
	}
	return total
}

func TestFIFOMatch_OldestLotsFirst(t *testing.T) {
	matcher, err := MatcherFor(domain.BasisFIFO)
	require.NoError(t, err)

	matches, err := matcher.Match(ladderLots(), dec("350"))
	require.NoError(t, err)
	require.Len(t, matches, 3)

	assert.Equal(t, int64(1), matches[0].Lot.ID)
	assert.True(t, matches[0].Quantity.Equal(dec("100")))
	assert.Equal(t, int64(2), matches[1].Lot.ID)
	assert.True(t, matches[1].Quantity.Equal(dec("200")))
	assert.Equal(t, int64(3), matches[2].Lot.ID)
	assert.True(t, matches[2].Quantity.Equal(dec("50")))

	// 100*(165-150) + 200*(165-160) + 50*(165-140) = 3750
	pnl := realizedPnL(matches, dec("165"))
	assert.True(t, pnl.Equal(dec("3750")), "got %s", pnl)
}

func TestLIFOMatch_NewestLotsFirst(t *testing.T) {
	matcher, err := MatcherFor(domain.BasisLIFO)
	require.NoError(t, err)

	matches, err := matcher.Match(ladderLots(), dec("350"))
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, int64(5), matches[0].Lot.ID)
	assert.True(t, matches[0].Quantity.Equal(dec("100")))
	assert.Equal(t, int64(4), matches[1].Lot.ID)
	assert.True(t, matches[1].Quantity.Equal(dec("250")))

	// 100*(165-155) + 250*(165-170) = -250
	pnl := realizedPnL(matches, dec("165"))
	assert.True(t, pnl.Equal(dec("-250")), "got %s", pnl)
}

func TestMatch_InsufficientPosition(t *testing.T) {
	matcher, err := MatcherFor(domain.BasisFIFO)
	require.NoError(t, err)

	_, err = matcher.Match(ladderLots(), dec("850.5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition)
}

func TestMatch_SameDateTieBreaksOnID(t *testing.T) {
	lots := []domain.PositionLot{
		lot(2, "2024-01-01", "50", "110"),
		lot(1, "2024-01-01", "50", "100"),
	}

	fifo, err := MatcherFor(domain.BasisFIFO)
	require.NoError(t, err)
	matches, err := fifo.Match(lots, dec("60"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].Lot.ID)

	lifo, err := MatcherFor(domain.BasisLIFO)
	require.NoError(t, err)
	matches, err = lifo.Match(lots, dec("60"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), matches[0].Lot.ID)
}

func TestAverageMatch_Proportional(t *testing.T) {
	matcher, err := MatcherFor(domain.BasisAverage)
	require.NoError(t, err)

	lots := []domain.PositionLot{
		lot(1, "2024-01-01", "100", "150"),
		lot(2, "2024-01-10", "300", "160"),
	}

	matches, err := matcher.Match(lots, dec("100"))
	require.NoError(t, err)
	require.Len(t, matches, 2)

	// 100/400 and 300/400 shares of the 100 sold.
	assert.True(t, matches[0].Quantity.Equal(dec("25")), "got %s", matches[0].Quantity)
	assert.True(t, matches[1].Quantity.Equal(dec("75")), "got %s", matches[1].Quantity)

	sum := matches[0].Quantity.Add(matches[1].Quantity)
	assert.True(t, sum.Equal(dec("100")))
}

func TestAverageMatch_RoundingSumsExactly(t *testing.T) {
	matcher, err := MatcherFor(domain.BasisAverage)
	require.NoError(t, err)

	lots := []domain.PositionLot{
		lot(1, "2024-01-01", "1", "10"),
		lot(2, "2024-01-02", "1", "11"),
		lot(3, "2024-01-03", "1", "12"),
	}

	matches, err := matcher.Match(lots, dec("1"))
	require.NoError(t, err)

	sum := decimal.Zero
	for _, m := range matches {
		sum = sum.Add(m.Quantity)
		assert.True(t, m.Quantity.LessThanOrEqual(m.Lot.RemainingQuantity))
	}
	assert.True(t, sum.Equal(dec("1")), "got %s", sum)
}

func TestSpecificMatch_Valid(t *testing.T) {
	matcher := NewSpecificMatcher([]SpecificLot{
		{LotID: 3, Quantity: dec("150")},
		{LotID: 1, Quantity: dec("50")},
	})

	matches, err := matcher.Match(ladderLots(), dec("200"))
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(3), matches[0].Lot.ID)
	assert.Equal(t, int64(1), matches[1].Lot.ID)
}

func TestSpecificMatch_SumMismatchIsValidation(t *testing.T) {
	matcher := NewSpecificMatcher([]SpecificLot{
		{LotID: 1, Quantity: dec("50")},
		{LotID: 2, Quantity: dec("100")},
	})

	_, err := matcher.Match(ladderLots(), dec("200"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSpecificMatch_UnknownLot(t *testing.T) {
	matcher := NewSpecificMatcher([]SpecificLot{
		{LotID: 99, Quantity: dec("10")},
	})

	_, err := matcher.Match(ladderLots(), dec("10"))
	assert.ErrorIs(t, err, domain.ErrUnknownLot)
}

func TestSpecificMatch_OverLotCapacity(t *testing.T) {
	matcher := NewSpecificMatcher([]SpecificLot{
		{LotID: 1, Quantity: dec("150")},
	})

	_, err := matcher.Match(ladderLots(), dec("150"))
	assert.ErrorIs(t, err, domain.ErrInsufficientPosition)
}

func TestMatcherFor_UnknownMethod(t *testing.T) {
	_, err := MatcherFor("HIFO")
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Specific requires explicit selections.
	_, err = MatcherFor(domain.BasisSpecific)
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Empty defaults to FIFO.
	m, err := MatcherFor("")
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMatch_EpsilonResidualCollapses(t *testing.T) {
	matcher, err := MatcherFor(domain.BasisFIFO)
	require.NoError(t, err)

	lots := []domain.PositionLot{lot(1, "2024-01-01", "100.00005", "150")}

	// Requested quantity exceeds the lot by less than epsilon.
	matches, err := matcher.Match(lots, dec("100.0001"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Quantity.LessThanOrEqual(lots[0].RemainingQuantity))
}
