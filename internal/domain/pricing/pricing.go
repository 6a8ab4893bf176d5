package pricing

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrNoTiers        = errors.New("pricing table needs at least one tier")
	ErrTierOrder      = errors.New("pricing tiers must have strictly ascending credits")
	ErrTierValues     = errors.New("pricing tiers must have positive credits and prices")
	ErrInvalidCredits = errors.New("credits must be greater than zero")
)

// Tier anchors a credit quantity to its total price
type Tier struct {
	Credits int
	Price   decimal.Decimal
}

// Table maps credit quantities to prices by piecewise-linear interpolation
// of the per-credit unit rate between adjacent tier anchors. Below the lowest
// and at/above the highest anchor the price is linear through the origin at
// that anchor's unit rate. Price must stay pure and deterministic: the debit
// path and the refund path both call it, and any drift between the two calls
// is a financial bug.
type Table struct {
	tiers []Tier
	rates []decimal.Decimal
}

// NewTable builds a validated pricing table
func NewTable(tiers []Tier) (*Table, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}

	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Credits < sorted[j].Credits })

	rates := make([]decimal.Decimal, len(sorted))
	for i, tier := range sorted {
		if tier.Credits <= 0 || tier.Price.LessThanOrEqual(decimal.Zero) {
			return nil, ErrTierValues
		}
		if i > 0 && tier.Credits == sorted[i-1].Credits {
			return nil, ErrTierOrder
		}
		rates[i] = tier.Price.Div(decimal.NewFromInt(int64(tier.Credits)))
	}

	return &Table{tiers: sorted, rates: rates}, nil
}

// Default returns the storefront's standard tier table
func Default() *Table {
	t, err := NewTable([]Tier{
		{Credits: 100, Price: decimal.RequireFromString("10.00")},
		{Credits: 500, Price: decimal.RequireFromString("45.00")},
		{Credits: 1000, Price: decimal.RequireFromString("80.00")},
		{Credits: 5000, Price: decimal.RequireFromString("350.00")},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Price returns the cost of the given credit quantity, rounded to 2 decimal
// places. Zero or negative quantities cost nothing.
func (t *Table) Price(credits int) decimal.Decimal {
	if credits <= 0 {
		return decimal.Zero.Round(2)
	}

	c := decimal.NewFromInt(int64(credits))
	return t.unitRate(credits).Mul(c).Round(2)
}

func (t *Table) unitRate(credits int) decimal.Decimal {
	first := t.tiers[0]
	last := t.tiers[len(t.tiers)-1]

	if credits <= first.Credits {
		return t.rates[0]
	}
	if credits >= last.Credits {
		return t.rates[len(t.rates)-1]
	}

	// Locate the bracketing pair of anchors
	i := sort.Search(len(t.tiers), func(i int) bool { return t.tiers[i].Credits > credits }) - 1
	lo, hi := t.tiers[i], t.tiers[i+1]

	span := decimal.NewFromInt(int64(hi.Credits - lo.Credits))
	pos := decimal.NewFromInt(int64(credits - lo.Credits)).Div(span)

	return t.rates[i].Add(t.rates[i+1].Sub(t.rates[i]).Mul(pos))
}

// CreditsForAmount returns the largest credit quantity whose price does not
// exceed the given amount. UI estimation only; settlement never calls this.
func (t *Table) CreditsForAmount(amount decimal.Decimal) int {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0
	}

	minRate := t.rates[0]
	for _, r := range t.rates[1:] {
		if r.LessThan(minRate) {
			minRate = r
		}
	}

	hi := int(amount.Div(minRate).IntPart()) + 1
	lo := 0
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if t.Price(mid).LessThanOrEqual(amount) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}
