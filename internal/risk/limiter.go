// Package risk implements exposure limits per pair and across pairs quoted
// in the same price denom.
//
// Pairs sharing a price denom share the first 8 bytes of their storage key,
// so the denom group is exactly the set of pairs a prefix scan over
// pair.PricePrefix would return.
package risk

import (
	"bytes"
	"errors"

	"github.com/vortex/perp-engine/internal/pair"
	"github.com/vortex/perp-engine/internal/signed"
)

var (
	// ErrPairLimitExceeded is returned when a trade would push a single
	// pair's notional beyond the per-pair maximum.
	ErrPairLimitExceeded = errors.New("risk: per-pair exposure limit exceeded")

	// ErrDenomLimitExceeded is returned when a trade would push the aggregate
	// notional across pairs sharing a price denom beyond the group maximum.
	ErrDenomLimitExceeded = errors.New("risk: price-denom exposure limit exceeded")
)

// Limiter enforces notional exposure limits. A zero limit disables that
// check.
type Limiter struct {
	// MaxPerPair is the maximum absolute net notional in any single pair.
	MaxPerPair signed.Decimal

	// MaxPerDenom is the maximum aggregate absolute notional across all
	// pairs quoted in the same price denom.
	MaxPerDenom signed.Decimal
}

// NewLimiter creates a limiter; negative limits are treated as their
// magnitude.
func NewLimiter(maxPerPair, maxPerDenom signed.Decimal) *Limiter {
	return &Limiter{
		MaxPerPair:  maxPerPair.Abs(),
		MaxPerDenom: maxPerDenom.Abs(),
	}
}

// CheckLimit validates whether adding delta (signed notional, long positive)
// on target respects the limits given the account's current exposures.
func (l *Limiter) CheckLimit(target pair.Pair, delta signed.Decimal, existing map[pair.Pair]signed.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-pair limit.
	next := existing[target].Add(delta)
	if !l.MaxPerPair.IsZero() && next.Abs().GreaterThan(l.MaxPerPair) {
		return ErrPairLimitExceeded
	}
	if l.MaxPerDenom.IsZero() {
		return nil
	}

	// 2. Aggregate over pairs sharing the target's price-denom key prefix.
	prefix, err := pair.PricePrefix(target.PriceDenom)
	if err != nil {
		return err
	}
	total := next.Abs()
	for p, exposure := range existing {
		if p == target {
			continue
		}
		if sharesPrefix(p, prefix) {
			total = total.Add(exposure.Abs())
		}
	}
	if total.GreaterThan(l.MaxPerDenom) {
		return ErrDenomLimitExceeded
	}
	return nil
}

func sharesPrefix(p pair.Pair, prefix []byte) bool {
	key, err := p.Key()
	if err != nil {
		return false
	}
	return bytes.HasPrefix(key[:], prefix)
}
