package model

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vortex/perp-engine/internal/signed"
)

func s(v string) signed.Decimal { return signed.MustParse(v) }

// --- Enum code tables ---

func TestOrderType_RoundTrip(t *testing.T) {
	for _, ot := range OrderTypes {
		if got := OrderTypeFromCode(ot.Code()); got != ot {
			t.Errorf("decode(encode(%s)) = %s", ot, got)
		}
	}
	if OrderTypeUnknown.Code() != -1 {
		t.Errorf("Unknown should encode to -1, got %d", OrderTypeUnknown.Code())
	}
}

func TestOrderType_UnknownCodes(t *testing.T) {
	for _, code := range []int32{-1, 4, 5, 100, -2147483648, 2147483647} {
		if got := OrderTypeFromCode(code); got != OrderTypeUnknown {
			t.Errorf("code %d decoded to %s, want Unknown", code, got)
		}
	}
	if OrderType(42).Code() != -1 {
		t.Error("stray order type value should encode to -1")
	}
}

func TestDirection_Codes(t *testing.T) {
	tests := []struct {
		code int32
		want PositionDirection
	}{
		{0, Long}, {1, Short}, {-1, DirectionUnknown}, {2, DirectionUnknown}, {99, DirectionUnknown},
	}
	for _, tt := range tests {
		if got := DirectionFromCode(tt.code); got != tt.want {
			t.Errorf("DirectionFromCode(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
	for _, d := range []PositionDirection{Long, Short} {
		if DirectionFromCode(d.Code()) != d {
			t.Errorf("round trip failed for %s", d)
		}
	}
	if DirectionUnknown.Code() != -1 {
		t.Error("Unknown direction should encode to -1")
	}
}

func TestOpposite(t *testing.T) {
	if Long.Opposite() != Short || Short.Opposite() != Long {
		t.Error("Long and Short should be opposites")
	}
	if DirectionUnknown.Opposite() != DirectionUnknown {
		t.Error("Unknown should be a fixed point")
	}
}

func TestEnumJSON(t *testing.T) {
	b, _ := json.Marshal(struct {
		D PositionDirection `json:"d"`
		E PositionEffect    `json:"e"`
		T OrderType         `json:"t"`
	}{Short, Close, FokMarket})
	if string(b) != `{"d":"Short","e":"Close","t":"FokMarket"}` {
		t.Errorf("unexpected JSON %s", b)
	}

	var v struct {
		D PositionDirection `json:"d"`
		T OrderType         `json:"t"`
	}
	if err := json.Unmarshal([]byte(`{"d":"Sideways","t":"Iceberg"}`), &v); err != nil {
		t.Fatalf("unknown names should decode without error: %v", err)
	}
	if v.D != DirectionUnknown || v.T != OrderTypeUnknown {
		t.Errorf("expected Unknown variants, got %s %s", v.D, v.T)
	}
}

// --- Order ---

func TestOrder_Fill(t *testing.T) {
	o := Order{Quantity: s("10"), RemainingQuantity: s("10")}
	o, err := o.Fill(s("4"))
	if err != nil {
		t.Fatal(err)
	}
	if !o.RemainingQuantity.Equal(s("6")) || o.IsFilled() {
		t.Errorf("remaining = %s", o.RemainingQuantity)
	}
	if _, err := o.Fill(s("7")); !errors.Is(err, ErrOverfill) {
		t.Errorf("expected ErrOverfill, got %v", err)
	}
	if _, err := o.Fill(s("0")); !errors.Is(err, ErrOverfill) {
		t.Errorf("zero fill should be rejected, got %v", err)
	}
	o, _ = o.Fill(s("6"))
	if !o.IsFilled() {
		t.Error("order should be filled")
	}
}

// --- Position ---

func TestPosition_Validate(t *testing.T) {
	p := Position{Direction: Long, Quantity: s("1"), TotalCost: s("10"), TotalMarginDebt: s("5")}
	if err := p.Validate(); err != nil {
		t.Errorf("valid position rejected: %v", err)
	}
	p.TotalMarginDebt = s("-1")
	if err := p.Validate(); !errors.Is(err, ErrBrokenInvariant) {
		t.Errorf("expected ErrBrokenInvariant, got %v", err)
	}
}

func TestPosition_UnrealizedPnL(t *testing.T) {
	long := Position{Direction: Long, Quantity: s("2"), TotalCost: s("20")}
	short := Position{Direction: Short, Quantity: s("2"), TotalCost: s("20")}
	if got := long.UnrealizedPnL(s("12")); !got.Equal(s("4")) {
		t.Errorf("long pnl = %s", got)
	}
	if got := short.UnrealizedPnL(s("12")); !got.Equal(s("-4")) {
		t.Errorf("short pnl = %s", got)
	}
}

func TestPosition_FundingDue(t *testing.T) {
	long := Position{Direction: Long, Quantity: s("3"), LastPaidFundingPaymentRate: s("0.5")}
	short := long
	short.Direction = Short
	if got := long.FundingDue(s("0.7")); !got.Equal(s("0.6")) {
		t.Errorf("long due = %s, want 0.6", got)
	}
	if got := short.FundingDue(s("0.7")); !got.Equal(s("-0.6")) {
		t.Errorf("short due = %s, want -0.6", got)
	}
}

func TestPosition_Reduce(t *testing.T) {
	p := Position{Direction: Long, Quantity: s("4"), TotalCost: s("40"), TotalMarginDebt: s("20")}
	rest, cost, debt, err := p.Reduce(s("1"))
	if err != nil {
		t.Fatal(err)
	}
	if !cost.Equal(s("10")) || !debt.Equal(s("5")) || !rest.Quantity.Equal(s("3")) {
		t.Errorf("partial reduce: cost=%s debt=%s rest=%s", cost, debt, rest.Quantity)
	}
	rest, cost, _, err = rest.Reduce(s("3"))
	if err != nil || !rest.IsEmpty() || !cost.Equal(s("30")) || !rest.TotalCost.IsZero() {
		t.Errorf("full reduce: cost=%s rest=%+v err=%v", cost, rest, err)
	}

	var insufficient *InsufficientOpenPositionError
	if _, _, _, err := p.Reduce(s("5")); !errors.As(err, &insufficient) {
		t.Errorf("expected InsufficientOpenPositionError, got %v", err)
	}
}

// --- Margin ratios ---

func ratios() MarginRatios {
	return MarginRatios{
		Initial:     decimal.RequireFromString("0.5"),
		Partial:     decimal.RequireFromString("0.25"),
		Maintenance: decimal.RequireFromString("0.06"),
	}
}

func TestMarginRatios_Validate(t *testing.T) {
	if err := ratios().Validate(); err != nil {
		t.Errorf("valid ratios rejected: %v", err)
	}
	bad := ratios()
	bad.Maintenance = decimal.RequireFromString("0.3")
	if err := bad.Validate(); err == nil {
		t.Error("maintenance above partial should be rejected")
	}
}

func TestMarginRatios_Assess(t *testing.T) {
	m := ratios()
	tests := []struct {
		equity, value string
		want          MarginLevel
	}{
		{"100", "100", MarginHealthy},
		{"20", "100", MarginPartial},
		{"5", "100", MarginMaintenance},
		{"-1", "100", MarginMaintenance},
		{"10", "0", MarginHealthy},
	}
	for _, tt := range tests {
		if got := m.Assess(s(tt.equity), s(tt.value)); got != tt.want {
			t.Errorf("Assess(%s, %s) = %s, want %s", tt.equity, tt.value, got, tt.want)
		}
	}
	if !m.CanOpen(s("50"), s("100")) || m.CanOpen(s("49"), s("100")) {
		t.Error("CanOpen should gate on the initial ratio")
	}
}
