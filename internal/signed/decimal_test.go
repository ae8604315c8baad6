package signed

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// d is a test helper for creating magnitudes from strings.
func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Construction ---

func TestNewNegativeZero_IsCanonical(t *testing.T) {
	z := NewNegative(d("0"))
	if z.IsNegative() {
		t.Fatal("negative zero must not be constructible")
	}
	if !z.Equal(Zero()) {
		t.Errorf("expected canonical zero, got %s", z)
	}
	if z.String() != "0" {
		t.Errorf("expected \"0\", got %q", z.String())
	}
}

func TestNewSigned_IgnoresArgumentSign(t *testing.T) {
	v := New(d("-2.5"))
	if v.IsNegative() || !v.Magnitude().Equal(d("2.5")) {
		t.Errorf("New(-2.5) should be 2.5, got %s", v)
	}
	if got := FromDecimal(d("-2.5")); !got.IsNegative() {
		t.Errorf("FromDecimal(-2.5) should keep the sign, got %s", got)
	}
}

func TestNewSigned_TruncatesTo18Places(t *testing.T) {
	v := New(d("0.1234567890123456789"))
	if !v.Magnitude().Equal(d("0.123456789012345678")) {
		t.Errorf("expected truncation to 18 places, got %s", v)
	}
}

func TestFromAtomics(t *testing.T) {
	tests := []struct {
		atomics uint64
		places  uint32
		neg     bool
		want    string
	}{
		{1234, 2, false, "12.34"},
		{1234, 2, true, "-12.34"},
		{5, 0, false, "5"},
		{1, 18, false, "0.000000000000000001"},
		{123, 20, false, "0.000000000000000001"},
		{0, 3, true, "0"},
	}
	for _, tt := range tests {
		got, err := FromAtomics(uint256.NewInt(tt.atomics), tt.places, tt.neg)
		if err != nil {
			t.Fatalf("FromAtomics(%d, %d): %v", tt.atomics, tt.places, err)
		}
		if got.String() != tt.want {
			t.Errorf("FromAtomics(%d, %d, %v) = %s, want %s", tt.atomics, tt.places, tt.neg, got, tt.want)
		}
	}
}

func TestFromAtomics_RangeExceeded(t *testing.T) {
	// 2^128 - 1 atomics at 0 places needs 10^18 headroom that does not exist.
	maxU128 := new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))
	if _, err := FromAtomics(maxU128, 0, false); !errors.Is(err, ErrRangeExceeded) {
		t.Errorf("expected ErrRangeExceeded, got %v", err)
	}
	if _, err := FromAtomics(maxU128, 18, false); err != nil {
		t.Errorf("max atomics at 18 places should fit, got %v", err)
	}
}

func TestParse(t *testing.T) {
	v, err := Parse("-0.5")
	if err != nil {
		t.Fatal(err)
	}
	if !v.IsNegative() || !v.Magnitude().Equal(d("0.5")) {
		t.Errorf("expected -0.5, got %s", v)
	}
	if _, err := Parse("1.0000000000000000001"); !errors.Is(err, ErrPrecision) {
		t.Errorf("expected ErrPrecision, got %v", err)
	}
	if _, err := Parse("1000000000000000000000"); !errors.Is(err, ErrRangeExceeded) {
		t.Errorf("expected ErrRangeExceeded, got %v", err)
	}
	if z := MustParse("-0"); z.IsNegative() {
		t.Error("parsed -0 must be canonical zero")
	}
}

// --- Arithmetic ---

func TestAdd_NonNegativeOperands(t *testing.T) {
	pairs := [][2]string{{"0", "0"}, {"1", "2"}, {"0.000000000000000001", "3.5"}, {"100", "0"}}
	for _, p := range pairs {
		a, b := d(p[0]), d(p[1])
		sum := New(a).Add(New(b))
		if sum.IsNegative() || !sum.Magnitude().Equal(a.Add(b)) {
			t.Errorf("%s + %s = %s", p[0], p[1], sum)
		}
	}
}

func TestAdd_OppositeEqualMagnitudesIsCanonicalZero(t *testing.T) {
	for _, s := range []string{"1", "0.5", "12345.678"} {
		sum := New(d(s)).Add(NewNegative(d(s)))
		if !sum.IsZero() || sum.IsNegative() {
			t.Errorf("%s + -%s should be canonical zero, got %s", s, s, sum)
		}
		sum = NewNegative(d(s)).Add(New(d(s)))
		if !sum.IsZero() || sum.IsNegative() {
			t.Errorf("-%s + %s should be canonical zero, got %s", s, s, sum)
		}
	}
}

func TestAdd_MixedSigns(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"5", "-3", "2"},
		{"3", "-5", "-2"},
		{"-5", "3", "-2"},
		{"-3", "5", "2"},
		{"-3", "-5", "-8"},
	}
	for _, tt := range tests {
		got := MustParse(tt.a).Add(MustParse(tt.b))
		if !got.Equal(MustParse(tt.want)) {
			t.Errorf("%s + %s = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSub(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"5", "3", "2"},
		{"3", "5", "-2"},
		{"-3", "-5", "2"},
		{"-3", "0", "-3"},
		{"0", "4", "-4"},
	}
	for _, tt := range tests {
		got := MustParse(tt.a).Sub(MustParse(tt.b))
		if !got.Equal(MustParse(tt.want)) {
			t.Errorf("%s - %s = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNeg_ZeroUnchanged(t *testing.T) {
	if Zero().Neg().IsNegative() {
		t.Error("negating zero must be a no-op")
	}
	if !NewFromInt(4).Neg().Equal(NewFromInt(-4)) {
		t.Error("negation of 4 should be -4")
	}
}

func TestMul_ZeroIsNonNegative(t *testing.T) {
	for _, v := range []Decimal{NewFromInt(-7), NewFromInt(7), Zero()} {
		if p := v.Mul(Zero()); p.IsNegative() || !p.IsZero() {
			t.Errorf("%s * 0 = %s", v, p)
		}
		if p := Zero().Mul(v); p.IsNegative() || !p.IsZero() {
			t.Errorf("0 * %s = %s", v, p)
		}
	}
	// Product that truncates to zero.
	tiny := MustParse("-0.0000000001")
	if p := tiny.Mul(MustParse("0.000000001")); p.IsNegative() || !p.IsZero() {
		t.Errorf("truncated product should be canonical zero, got %s", p)
	}
}

func TestMul_Signs(t *testing.T) {
	if got := NewFromInt(-2).Mul(NewFromInt(3)); !got.Equal(NewFromInt(-6)) {
		t.Errorf("-2 * 3 = %s", got)
	}
	if got := NewFromInt(-2).Mul(NewFromInt(-3)); !got.Equal(NewFromInt(6)) {
		t.Errorf("-2 * -3 = %s", got)
	}
}

func TestDiv(t *testing.T) {
	got, err := NewFromInt(6).Div(NewFromInt(2))
	if err != nil || !got.Equal(NewFromInt(3)) {
		t.Errorf("6 / 2 = %s (%v)", got, err)
	}
	got, err = NewFromInt(-6).Div(NewFromInt(2))
	if err != nil || !got.Equal(NewFromInt(-3)) {
		t.Errorf("-6 / 2 = %s (%v)", got, err)
	}
	got, err = NewFromInt(-6).Div(NewFromInt(-2))
	if err != nil || !got.Equal(NewFromInt(3)) {
		t.Errorf("-6 / -2 = %s (%v)", got, err)
	}
	got, err = NewFromInt(1).Div(NewFromInt(3))
	if err != nil || got.String() != "0.333333333333333333" {
		t.Errorf("1 / 3 = %s (%v)", got, err)
	}
}

func TestDiv_ByZero(t *testing.T) {
	for _, z := range []Decimal{Zero(), NewNegative(d("0"))} {
		if _, err := NewFromInt(1).Div(z); !errors.Is(err, ErrDivideByZero) {
			t.Errorf("expected ErrDivideByZero, got %v", err)
		}
	}
}

func TestDiv_RangeExceeded(t *testing.T) {
	big := MustParse("340282366920938463463")
	if _, err := big.Div(MustParse("0.001")); !errors.Is(err, ErrRangeExceeded) {
		t.Errorf("expected ErrRangeExceeded, got %v", err)
	}
}

func TestDiv_TinyReciprocalIsZero(t *testing.T) {
	for _, divisor := range []string{"2000000000000000000", "20000000000000000000"} {
		got, err := MustParse("30000000000000000000").Div(MustParse(divisor))
		if err != nil {
			t.Fatalf("divide by %s: %v", divisor, err)
		}
		if !got.IsZero() || got.IsNegative() {
			t.Errorf("divide by %s: expected canonical zero, got %s", divisor, got)
		}
	}
	if got, err := NewFromInt(-1).Div(MustParse("2000000000000000000")); err != nil || got.IsNegative() || !got.IsZero() {
		t.Errorf("-1 / 2e18 = %s (%v)", got, err)
	}
}

func TestCheckedMul_RangeExceeded(t *testing.T) {
	big := MustParse("340282366920938463463")
	if _, err := big.CheckedMul(NewFromInt(2)); !errors.Is(err, ErrRangeExceeded) {
		t.Errorf("expected ErrRangeExceeded, got %v", err)
	}
	if _, err := big.CheckedAdd(NewFromInt(1)); !errors.Is(err, ErrRangeExceeded) {
		t.Errorf("expected ErrRangeExceeded, got %v", err)
	}
}

// --- Ordering ---

func TestCmp_TotalOrder(t *testing.T) {
	ordered := []Decimal{
		MustParse("-10"),
		MustParse("-2.5"),
		MustParse("-0.000000000000000001"),
		Zero(),
		NewNegative(d("0")),
		MustParse("0.000000000000000001"),
		MustParse("3"),
		MustParse("10"),
	}
	for i := range ordered {
		for j := range ordered {
			got := ordered[i].Cmp(ordered[j])
			want := 0
			switch {
			case ordered[i].IsZero() && ordered[j].IsZero():
				want = 0
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			if got != want {
				t.Errorf("Cmp(%s, %s) = %d, want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestCmp_NegativesDescendByMagnitude(t *testing.T) {
	a, b := d("1"), d("2")
	if NewNegative(a).Cmp(NewNegative(b)) != 1 {
		t.Error("-1 should be greater than -2")
	}
	if New(a).Cmp(New(b)) != -1 {
		t.Error("1 should be less than 2")
	}
	if NewNegative(d("1000")).Cmp(New(d("0"))) != -1 {
		t.Error("every negative value should be below zero")
	}
}

func TestMaxMin(t *testing.T) {
	if !Max(NewFromInt(-1), NewFromInt(-3)).Equal(NewFromInt(-1)) {
		t.Error("Max(-1, -3) should be -1")
	}
	if !Min(NewFromInt(-1), NewFromInt(2)).Equal(NewFromInt(-1)) {
		t.Error("Min(-1, 2) should be -1")
	}
}

func TestRoughlyEqual(t *testing.T) {
	if !RoughlyEqual(MustParse("1.000000001"), One()) {
		t.Error("difference of 1e-9 should be roughly equal")
	}
	if RoughlyEqual(MustParse("1.00000001"), One()) {
		t.Error("difference of exactly 1e-8 should not be roughly equal")
	}
	if !RoughlyEqual(MustParse("-0.000000001"), MustParse("0.000000001")) {
		t.Error("values straddling zero within epsilon should be roughly equal")
	}
}

// --- Integer conversions ---

func TestFloorCeilUint(t *testing.T) {
	tests := []struct {
		in          string
		floor, ceil uint64
	}{
		{"0", 0, 0},
		{"2", 2, 2},
		{"2.000000000000000001", 2, 3},
		{"2.9", 2, 3},
	}
	for _, tt := range tests {
		v := MustParse(tt.in)
		f, err := v.FloorUint()
		if err != nil || f.Uint64() != tt.floor {
			t.Errorf("floor(%s) = %v (%v), want %d", tt.in, f, err, tt.floor)
		}
		c, err := v.CeilUint()
		if err != nil || c.Uint64() != tt.ceil {
			t.Errorf("ceil(%s) = %v (%v), want %d", tt.in, c, err, tt.ceil)
		}
	}
}

func TestFloorCeilUint_RejectNegative(t *testing.T) {
	if _, err := MustParse("-1.5").FloorUint(); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
	if _, err := MustParse("-1.5").CeilUint(); !errors.Is(err, ErrNegative) {
		t.Errorf("expected ErrNegative, got %v", err)
	}
}

func TestAtomics(t *testing.T) {
	if got := MustParse("1.5").Atomics(); got.Dec() != "1500000000000000000" {
		t.Errorf("atomics of 1.5 = %s", got.Dec())
	}
}

// --- JSON ---

func TestJSON_WireShape(t *testing.T) {
	b, err := json.Marshal(MustParse("-1.5"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"decimal":"1.5","negative":true}` {
		t.Errorf("unexpected wire form %s", b)
	}

	var v Decimal
	if err := json.Unmarshal([]byte(`{"decimal":"0","negative":true}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.IsNegative() {
		t.Error("decoded zero must be canonical")
	}
	if err := json.Unmarshal([]byte(`{"decimal":"-1","negative":false}`), &v); err == nil {
		t.Error("negative magnitude on the wire should be rejected")
	}
}
