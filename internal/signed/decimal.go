// Package signed implements the signed fixed-point decimal used for every
// monetary and quantity value in the engine.
//
// A Decimal is a sign plus a non-negative magnitude with exactly 18
// fractional digits whose atomic form (magnitude × 10^18) fits in an unsigned
// 128-bit integer. Magnitudes are backed by shopspring/decimal. Zero has a
// single representation: every constructor clears the sign of a zero
// magnitude, so a "negative zero" can never be observed.
package signed

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits carried by every magnitude.
const Places = 18

var (
	// ErrRangeExceeded is returned when a magnitude does not fit the
	// 128-bit atomic range at 18 fractional digits.
	ErrRangeExceeded = errors.New("signed: decimal range exceeded")

	// ErrDivideByZero is returned by Div when the divisor is zero.
	ErrDivideByZero = errors.New("signed: division by zero")

	// ErrNegative is returned by conversions that are only defined on
	// non-negative values.
	ErrNegative = errors.New("signed: value is negative")

	// ErrPrecision is returned when a textual value carries more than 18
	// fractional digits.
	ErrPrecision = errors.New("signed: more than 18 fractional digits")
)

var (
	maxAtomics   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	maxMagnitude = decimal.NewFromBigInt(maxAtomics, -Places)
	epsilon      = decimal.New(1, -8)
	oneMagnitude = decimal.NewFromInt(1)
)

// Decimal is an immutable signed fixed-point value. The zero value is
// canonical zero.
type Decimal struct {
	mag decimal.Decimal
	neg bool
}

// Zero returns canonical (non-negative) zero.
func Zero() Decimal { return Decimal{} }

// One returns positive one.
func One() Decimal { return Decimal{mag: oneMagnitude} }

// New returns the non-negative value with magnitude |m|.
func New(m decimal.Decimal) Decimal { return NewSigned(m, false) }

// NewNegative returns the value with magnitude |m| and a negative sign.
// NewNegative of zero is canonical zero.
func NewNegative(m decimal.Decimal) Decimal { return NewSigned(m, true) }

// NewSigned returns the value with magnitude |m| and the given sign. The sign
// of m itself is ignored. Digits beyond the 18th fractional place are
// truncated.
func NewSigned(m decimal.Decimal, negative bool) Decimal {
	mag := m.Abs().Truncate(Places)
	if mag.IsZero() {
		return Decimal{}
	}
	return Decimal{mag: mag, neg: negative}
}

// FromDecimal splits a signed shopspring value into sign and magnitude.
func FromDecimal(d decimal.Decimal) Decimal {
	return NewSigned(d, d.IsNegative())
}

// NewFromInt is a convenience constructor for whole numbers.
func NewFromInt(v int64) Decimal {
	return FromDecimal(decimal.NewFromInt(v))
}

// FromAtomics builds a value from an atomic integer carrying the given number
// of fractional digits, e.g. (1234, 2) is 12.34. Digits beyond the 18th place
// are truncated; ErrRangeExceeded is returned when the result does not fit.
func FromAtomics(atomics *uint256.Int, places uint32, negative bool) (Decimal, error) {
	if atomics == nil {
		return Decimal{}, nil
	}
	a := atomics.ToBig()
	if places <= Places {
		a.Mul(a, pow10(Places-places))
	} else {
		a.Quo(a, pow10(places-Places))
	}
	if a.Cmp(maxAtomics) > 0 {
		return Decimal{}, fmt.Errorf("%w: %s with %d places", ErrRangeExceeded, atomics.Dec(), places)
	}
	return NewSigned(decimal.NewFromBigInt(a, -Places), negative), nil
}

// Parse reads a value such as "12.5" or "-0.000001". It rejects more than 18
// fractional digits and magnitudes outside the atomic range.
func Parse(s string) (Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Decimal{}, fmt.Errorf("signed: parse %q: %w", s, err)
	}
	mag, err := checkMagnitude(d.Abs())
	if err != nil {
		return Decimal{}, err
	}
	return NewSigned(mag, d.IsNegative()), nil
}

// MustParse is like Parse but panics on error. Intended for constants and
// tests.
func MustParse(s string) Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func checkMagnitude(m decimal.Decimal) (decimal.Decimal, error) {
	if m.Exponent() < -Places && !m.Equal(m.Truncate(Places)) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrPrecision, m.String())
	}
	if m.Exponent() < -Places {
		// Trailing zeros only; the value itself is representable.
		m = m.Truncate(Places)
	}
	if m.GreaterThan(maxMagnitude) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrRangeExceeded, m.String())
	}
	return m, nil
}

func pow10(n uint32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Magnitude returns the non-negative magnitude.
func (d Decimal) Magnitude() decimal.Decimal { return d.mag }

// Decimal returns the value as a signed shopspring decimal.
func (d Decimal) Decimal() decimal.Decimal {
	if d.neg {
		return d.mag.Neg()
	}
	return d.mag
}

// Atomics returns magnitude × 10^18.
func (d Decimal) Atomics() *uint256.Int {
	return uint256.MustFromBig(d.mag.Shift(Places).BigInt())
}

func (d Decimal) IsZero() bool     { return d.mag.IsZero() }
func (d Decimal) IsNegative() bool { return d.neg }
func (d Decimal) IsPositive() bool { return !d.neg && !d.mag.IsZero() }

// Neg flips the sign. Zero is returned unchanged.
func (d Decimal) Neg() Decimal {
	if d.mag.IsZero() {
		return d
	}
	return Decimal{mag: d.mag, neg: !d.neg}
}

// Abs drops the sign.
func (d Decimal) Abs() Decimal { return Decimal{mag: d.mag} }

// PositivePart returns d when it is non-negative and zero otherwise.
func (d Decimal) PositivePart() Decimal {
	if d.neg {
		return Decimal{}
	}
	return d
}

// Add returns d + o. Opposite signs subtract the smaller magnitude from the
// larger and keep the larger operand's sign; equal magnitudes give zero.
func (d Decimal) Add(o Decimal) Decimal {
	if d.neg == o.neg {
		return Decimal{mag: d.mag.Add(o.mag), neg: d.neg}
	}
	switch d.mag.Cmp(o.mag) {
	case 1:
		return Decimal{mag: d.mag.Sub(o.mag), neg: d.neg}
	case -1:
		return Decimal{mag: o.mag.Sub(d.mag), neg: o.neg}
	default:
		return Decimal{}
	}
}

// Sub returns d - o. Subtracting zero returns d unchanged.
func (d Decimal) Sub(o Decimal) Decimal {
	if o.mag.IsZero() {
		return d
	}
	return d.Add(o.Neg())
}

// Mul returns d × o truncated to 18 fractional digits. A zero product is
// always non-negative.
func (d Decimal) Mul(o Decimal) Decimal {
	return NewSigned(d.mag.Mul(o.mag), d.neg != o.neg)
}

// CheckedAdd is Add with a range check on the result.
func (d Decimal) CheckedAdd(o Decimal) (Decimal, error) {
	r := d.Add(o)
	if r.mag.GreaterThan(maxMagnitude) {
		return Decimal{}, fmt.Errorf("%w: %s + %s", ErrRangeExceeded, d, o)
	}
	return r, nil
}

// CheckedMul is Mul with a range check on the result.
func (d Decimal) CheckedMul(o Decimal) (Decimal, error) {
	r := d.Mul(o)
	if r.mag.GreaterThan(maxMagnitude) {
		return Decimal{}, fmt.Errorf("%w: %s * %s", ErrRangeExceeded, d, o)
	}
	return r, nil
}

// Div returns d / o computed as d × floor(1/o) at 18 fractional digits.
// It fails with ErrDivideByZero when o is zero and with ErrRangeExceeded when
// the reciprocal or the product leaves the atomic range. A divisor whose
// reciprocal truncates to zero yields zero.
func (d Decimal) Div(o Decimal) (Decimal, error) {
	if o.mag.IsZero() {
		return Decimal{}, ErrDivideByZero
	}
	inv, _ := oneMagnitude.QuoRem(o.mag, Places)
	if inv.IsZero() {
		return Zero(), nil
	}
	if inv.GreaterThan(maxMagnitude) {
		return Decimal{}, fmt.Errorf("%w: reciprocal of %s", ErrRangeExceeded, o)
	}
	mag := d.mag.Mul(inv).Truncate(Places)
	if mag.GreaterThan(maxMagnitude) {
		return Decimal{}, fmt.Errorf("%w: %s / %s", ErrRangeExceeded, d, o)
	}
	return NewSigned(mag, d.neg != o.neg), nil
}

// Cmp orders values: negatives by descending magnitude, then zero, then
// positives by ascending magnitude. It returns -1, 0 or +1.
func (d Decimal) Cmp(o Decimal) int {
	switch {
	case d.neg && o.neg:
		return o.mag.Cmp(d.mag)
	case !d.neg && !o.neg:
		return d.mag.Cmp(o.mag)
	case !d.neg:
		return 1
	default:
		return -1
	}
}

func (d Decimal) Equal(o Decimal) bool              { return d.Cmp(o) == 0 }
func (d Decimal) LessThan(o Decimal) bool           { return d.Cmp(o) < 0 }
func (d Decimal) LessThanOrEqual(o Decimal) bool    { return d.Cmp(o) <= 0 }
func (d Decimal) GreaterThan(o Decimal) bool        { return d.Cmp(o) > 0 }
func (d Decimal) GreaterThanOrEqual(o Decimal) bool { return d.Cmp(o) >= 0 }

// Max returns the larger of d and o.
func Max(d, o Decimal) Decimal {
	if d.Cmp(o) >= 0 {
		return d
	}
	return o
}

// Min returns the smaller of d and o.
func Min(d, o Decimal) Decimal {
	if d.Cmp(o) <= 0 {
		return d
	}
	return o
}

// RoughlyEqual reports whether |a - b| is below 1e-8. Use it for tolerance
// checks only, never for settlement accounting.
func RoughlyEqual(a, b Decimal) bool {
	return a.Sub(b).mag.LessThan(epsilon)
}

// FloorUint truncates the fractional part. Negative values are rejected.
func (d Decimal) FloorUint() (*uint256.Int, error) {
	if d.neg {
		return nil, fmt.Errorf("%w: floor of %s", ErrNegative, d)
	}
	return uint256.MustFromBig(d.mag.Truncate(0).BigInt()), nil
}

// CeilUint rounds the magnitude up to the next whole unit when any fraction
// remains. Negative values are rejected.
func (d Decimal) CeilUint() (*uint256.Int, error) {
	if d.neg {
		return nil, fmt.Errorf("%w: ceiling of %s", ErrNegative, d)
	}
	return uint256.MustFromBig(d.mag.Ceil().BigInt()), nil
}

func (d Decimal) String() string {
	if d.neg {
		return "-" + d.mag.String()
	}
	return d.mag.String()
}

type wireDecimal struct {
	Decimal  string `json:"decimal"`
	Negative bool   `json:"negative"`
}

// MarshalJSON encodes {"decimal":"1.5","negative":false}.
func (d Decimal) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDecimal{Decimal: d.mag.String(), Negative: d.neg})
}

// UnmarshalJSON decodes the wire form. A zero magnitude always decodes as
// canonical zero whatever its negative flag says.
func (d *Decimal) UnmarshalJSON(b []byte) error {
	var w wireDecimal
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("signed: decode: %w", err)
	}
	m, err := decimal.NewFromString(w.Decimal)
	if err != nil {
		return fmt.Errorf("signed: decode magnitude %q: %w", w.Decimal, err)
	}
	if m.IsNegative() {
		return fmt.Errorf("signed: decode: magnitude %q is negative", w.Decimal)
	}
	m, err = checkMagnitude(m)
	if err != nil {
		return err
	}
	*d = NewSigned(m, w.Negative)
	return nil
}
