package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/aristath/folio/internal/domain"
)

// LotMatch pairs a lot with the quantity consumed from it.
type LotMatch struct {
	Lot      domain.PositionLot
	Quantity decimal.Decimal
}

// SpecificLot is a caller-chosen (lot id, quantity) pair for the
// specific-lot method.
type SpecificLot struct {
	LotID    int64
	Quantity decimal.Decimal
}

// Matcher allocates a sell quantity across active lots. The returned
// matches are ordered, each within the lot's remaining quantity, and
// sum exactly to the requested quantity.
type Matcher interface {
	Match(lots []domain.PositionLot, quantity decimal.Decimal) ([]LotMatch, error)
}

// MatcherFor returns the matcher for a cost-basis method. Specific-lot
// matching needs the caller's selections and has its own constructor.
func MatcherFor(method string) (Matcher, error) {
	switch method {
	case domain.BasisFIFO, "":
		return fifoMatcher{}, nil
	case domain.BasisLIFO:
		return lifoMatcher{}, nil
	case domain.BasisAverage:
		return averageMatcher{}, nil
	case domain.BasisSpecific:
		return nil, domain.ValidationError("basis", "specific method requires lot selections")
	default:
		return nil, domain.ValidationError("basis", method)
	}
}

// totalRemaining sums remaining quantity over lots.
func totalRemaining(lots []domain.PositionLot) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingQuantity)
	}
	return total
}

// checkAvailable fails with InsufficientPosition when the active lots
// cannot cover quantity within epsilon.
func checkAvailable(lots []domain.PositionLot, quantity decimal.Decimal) error {
	available := totalRemaining(lots)
	if available.LessThan(quantity.Sub(domain.Epsilon)) {
		return fmt.Errorf("%w: requested %s, available %s",
			domain.ErrInsufficientPosition, quantity.String(), available.String())
	}
	return nil
}

// consumeGreedy walks the sorted lots, taking from each until the
// request is filled. Residuals below epsilon collapse into the final
// match so quantities sum exactly.
func consumeGreedy(lots []domain.PositionLot, quantity decimal.Decimal) []LotMatch {
	var matches []LotMatch
	remaining := quantity
	for _, lot := range lots {
		if remaining.LessThanOrEqual(domain.Epsilon) {
			break
		}
		take := decimal.Min(lot.RemainingQuantity, remaining)
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		matches = append(matches, LotMatch{Lot: lot, Quantity: take})
		remaining = remaining.Sub(take)
	}
	// Tolerated shortfall within epsilon lands on the last match.
	if remaining.GreaterThan(decimal.Zero) && remaining.LessThanOrEqual(domain.Epsilon) && len(matches) > 0 {
		last := &matches[len(matches)-1]
		if last.Lot.RemainingQuantity.GreaterThanOrEqual(last.Quantity.Add(remaining)) {
			last.Quantity = last.Quantity.Add(remaining)
		}
	}
	return matches
}

// fifoMatcher consumes oldest lots first: (purchase_date ASC, id ASC).
type fifoMatcher struct{}

func (fifoMatcher) Match(lots []domain.PositionLot, quantity decimal.Decimal) ([]LotMatch, error) {
	if err := checkAvailable(lots, quantity); err != nil {
		return nil, err
	}
	sorted := make([]domain.PositionLot, len(lots))
	copy(sorted, lots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PurchaseDate != sorted[j].PurchaseDate {
			return sorted[i].PurchaseDate < sorted[j].PurchaseDate
		}
		return sorted[i].ID < sorted[j].ID
	})
	return consumeGreedy(sorted, quantity), nil
}

// lifoMatcher consumes newest lots first: (purchase_date DESC, id DESC).
type lifoMatcher struct{}

func (lifoMatcher) Match(lots []domain.PositionLot, quantity decimal.Decimal) ([]LotMatch, error) {
	if err := checkAvailable(lots, quantity); err != nil {
		return nil, err
	}
	sorted := make([]domain.PositionLot, len(lots))
	copy(sorted, lots)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PurchaseDate != sorted[j].PurchaseDate {
			return sorted[i].PurchaseDate > sorted[j].PurchaseDate
		}
		return sorted[i].ID > sorted[j].ID
	})
	return consumeGreedy(sorted, quantity), nil
}

// averageMatcher allocates proportionally to each lot's share of the
// total remaining quantity. The final lot absorbs rounding remainder.
// This is proportional allocation, not a consolidated cost pool.
type averageMatcher struct{}

func (averageMatcher) Match(lots []domain.PositionLot, quantity decimal.Decimal) ([]LotMatch, error) {
	if err := checkAvailable(lots, quantity); err != nil {
		return nil, err
	}

	// Stable order: lot id.
	sorted := make([]domain.PositionLot, len(lots))
	copy(sorted, lots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	total := totalRemaining(sorted)
	if total.IsZero() {
		return nil, fmt.Errorf("%w: no remaining shares", domain.ErrInsufficientPosition)
	}

	var matches []LotMatch
	allocated := decimal.Zero
	for i, lot := range sorted {
		var take decimal.Decimal
		if i == len(sorted)-1 {
			// Remainder absorber; capped at the lot's remaining shares.
			take = decimal.Min(quantity.Sub(allocated), lot.RemainingQuantity)
		} else {
			share := lot.RemainingQuantity.Div(total)
			take = quantity.Mul(share).Round(4)
			take = decimal.Min(take, lot.RemainingQuantity)
		}
		if take.LessThanOrEqual(decimal.Zero) {
			continue
		}
		matches = append(matches, LotMatch{Lot: lot, Quantity: take})
		allocated = allocated.Add(take)
	}

	// Rounding may leave a sliver unallocated; sweep remaining lots.
	shortfall := quantity.Sub(allocated)
	if shortfall.GreaterThan(domain.Epsilon) {
		for i := range matches {
			headroom := matches[i].Lot.RemainingQuantity.Sub(matches[i].Quantity)
			if headroom.LessThanOrEqual(decimal.Zero) {
				continue
			}
			add := decimal.Min(headroom, shortfall)
			matches[i].Quantity = matches[i].Quantity.Add(add)
			shortfall = shortfall.Sub(add)
			if shortfall.LessThanOrEqual(decimal.Zero) {
				break
			}
		}
	} else if shortfall.GreaterThan(decimal.Zero) && len(matches) > 0 {
		last := &matches[len(matches)-1]
		if last.Lot.RemainingQuantity.GreaterThanOrEqual(last.Quantity.Add(shortfall)) {
			last.Quantity = last.Quantity.Add(shortfall)
		}
	}

	return matches, nil
}

// specificMatcher validates caller-supplied (lot, quantity) pairs.
type specificMatcher struct {
	selections []SpecificLot
}

// NewSpecificMatcher creates a matcher for explicit lot selections.
func NewSpecificMatcher(selections []SpecificLot) Matcher {
	return specificMatcher{selections: selections}
}

func (m specificMatcher) Match(lots []domain.PositionLot, quantity decimal.Decimal) ([]LotMatch, error) {
	if len(m.selections) == 0 {
		return nil, domain.ValidationError("specific_lots", "no lot selections supplied")
	}

	byID := make(map[int64]domain.PositionLot, len(lots))
	for _, lot := range lots {
		byID[lot.ID] = lot
	}

	total := decimal.Zero
	matches := make([]LotMatch, 0, len(m.selections))
	for _, sel := range m.selections {
		lot, ok := byID[sel.LotID]
		if !ok {
			return nil, fmt.Errorf("%w: lot %d is not an active lot", domain.ErrUnknownLot, sel.LotID)
		}
		if sel.Quantity.LessThanOrEqual(decimal.Zero) {
			return nil, domain.ValidationError("specific_lots", fmt.Sprintf("lot %d quantity must be positive", sel.LotID))
		}
		if sel.Quantity.GreaterThan(lot.RemainingQuantity.Add(domain.Epsilon)) {
			return nil, fmt.Errorf("%w: lot %d has %s remaining, requested %s",
				domain.ErrInsufficientPosition, sel.LotID,
				lot.RemainingQuantity.String(), sel.Quantity.String())
		}
		matches = append(matches, LotMatch{Lot: lot, Quantity: sel.Quantity})
		total = total.Add(sel.Quantity)
	}

	if total.Sub(quantity).Abs().GreaterThan(domain.Epsilon) {
		return nil, domain.ValidationError("specific_lots",
			fmt.Sprintf("selections sum to %s, sell quantity is %s", total.String(), quantity.String()))
	}
	return matches, nil
}
