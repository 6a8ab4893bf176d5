package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPriceMonotonic(t *testing.T) {
	table := Default()

	prev := decimal.Zero
	for c := 1; c <= 6000; c += 7 {
		p := table.Price(c)
		if p.LessThan(prev) {
			t.Fatalf("price not monotonic: price(%d)=%s < price(%d)=%s", c, p, c-7, prev)
		}
		prev = p
	}
}

func TestPriceContinuousAtTierBoundaries(t *testing.T) {
	table := Default()

	// Across each anchor the price may only move by a hair more than one
	// unit rate plus rounding; a jump discontinuity would show up as a
	// much larger gap.
	for _, anchor := range []int{100, 500, 1000, 5000} {
		below := table.Price(anchor - 1)
		at := table.Price(anchor)
		gap := at.Sub(below)
		// generous bound: highest unit rate is 0.10, rounding adds 0.01
		if gap.GreaterThan(decimal.RequireFromString("0.25")) || gap.IsNegative() {
			t.Fatalf("discontinuity at %d credits: price(%d)=%s price(%d)=%s", anchor, anchor-1, below, anchor, at)
		}
	}
}

func TestPriceAnchorsExact(t *testing.T) {
	table := Default()

	cases := map[int]string{
		100:  "10.00",
		500:  "45.00",
		1000: "80.00",
		5000: "350.00",
	}
	for credits, want := range cases {
		if got := table.Price(credits); !got.Equal(decimal.RequireFromString(want)) {
			t.Fatalf("price(%d) = %s, want %s", credits, got, want)
		}
	}
}

func TestPriceBelowAndAboveAnchors(t *testing.T) {
	table := Default()

	// Below the lowest anchor: linear through the origin at 0.10/credit
	if got := table.Price(50); !got.Equal(decimal.RequireFromString("5.00")) {
		t.Fatalf("price(50) = %s, want 5.00", got)
	}
	// Above the highest anchor: linear at 0.07/credit
	if got := table.Price(10000); !got.Equal(decimal.RequireFromString("700.00")) {
		t.Fatalf("price(10000) = %s, want 700.00", got)
	}
	if got := table.Price(0); !got.IsZero() {
		t.Fatalf("price(0) = %s, want 0", got)
	}
	if got := table.Price(-5); !got.IsZero() {
		t.Fatalf("price(-5) = %s, want 0", got)
	}
}

func TestRefundDifferentialNotLinear(t *testing.T) {
	table := Default()

	// The settlement refund for 400 delivered of 1000 requested is the cost
	// differential. Tiered pricing keeps the 400 delivered credits at their
	// higher small-volume unit rate, so the refund comes out below a naive
	// per-credit refund at the 1000-credit rate.
	full := table.Price(1000)
	partial := table.Price(400)
	refund := full.Sub(partial)

	naive := decimal.RequireFromString("0.08").Mul(decimal.NewFromInt(600))
	if !refund.LessThan(naive) {
		t.Fatalf("expected differential refund %s below naive %s", refund, naive)
	}
	if !refund.Add(partial).Equal(full) {
		t.Fatalf("refund %s + partial %s != full %s", refund, partial, full)
	}
}

func TestPriceDeterministic(t *testing.T) {
	table := Default()
	for c := 1; c < 2000; c += 13 {
		if !table.Price(c).Equal(table.Price(c)) {
			t.Fatalf("price(%d) not deterministic", c)
		}
	}
}

func TestCreditsForAmountConsistent(t *testing.T) {
	table := Default()

	for _, amount := range []string{"5.00", "10.00", "44.99", "80.00", "351.37"} {
		a := decimal.RequireFromString(amount)
		c := table.CreditsForAmount(a)
		if c < 0 {
			t.Fatalf("negative credits for %s", amount)
		}
		if table.Price(c).GreaterThan(a) {
			t.Fatalf("price(%d)=%s exceeds amount %s", c, table.Price(c), amount)
		}
		if table.Price(c+1).LessThanOrEqual(a) {
			t.Fatalf("credits(%s)=%d is not maximal", amount, c)
		}
	}

	if got := table.CreditsForAmount(decimal.Zero); got != 0 {
		t.Fatalf("expected 0 credits for zero amount, got %d", got)
	}
}

func TestNewTableValidation(t *testing.T) {
	if _, err := NewTable(nil); err != ErrNoTiers {
		t.Fatalf("expected ErrNoTiers, got %v", err)
	}
	if _, err := NewTable([]Tier{{Credits: 0, Price: decimal.NewFromInt(1)}}); err != ErrTierValues {
		t.Fatalf("expected ErrTierValues, got %v", err)
	}
	if _, err := NewTable([]Tier{
		{Credits: 100, Price: decimal.NewFromInt(10)},
		{Credits: 100, Price: decimal.NewFromInt(12)},
	}); err != ErrTierOrder {
		t.Fatalf("expected ErrTierOrder, got %v", err)
	}
}
