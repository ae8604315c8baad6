package pair

import (
	"bytes"
	"errors"
	"sort"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	pairs := []Pair{
		{PriceDenom: "usdc", AssetDenom: "eth"},
		{PriceDenom: "uusdc", AssetDenom: "uatom"},
		{PriceDenom: "12345678", AssetDenom: "abcdefgh"},
		{PriceDenom: "u", AssetDenom: "x"},
	}
	for _, p := range pairs {
		k, err := p.Key()
		if err != nil {
			t.Fatalf("Key(%v): %v", p, err)
		}
		got, err := FromKey(k[:])
		if err != nil {
			t.Fatalf("FromKey(%v): %v", p, err)
		}
		if got != p {
			t.Errorf("round trip: got %v, want %v", got, p)
		}
	}
}

func TestKeyLayout(t *testing.T) {
	k, err := MustNew("usdc", "eth").Key()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{'u', 's', 'd', 'c', 0, 0, 0, 0, 'e', 't', 'h', 0, 0, 0, 0, 0}
	if !bytes.Equal(k[:], want) {
		t.Errorf("key = %v, want %v", k, want)
	}
}

func TestFromKey_WrongLength(t *testing.T) {
	for _, n := range []int{0, 8, 15, 17, 32} {
		if _, err := FromKey(make([]byte, n)); !errors.Is(err, ErrKeyLength) {
			t.Errorf("len %d: expected ErrKeyLength, got %v", n, err)
		}
	}
}

func TestNew_RejectsOversizedDenom(t *testing.T) {
	if _, err := New("uusdcoins", "eth"); !errors.Is(err, ErrDenomTooLong) {
		t.Errorf("expected ErrDenomTooLong, got %v", err)
	}
	// A literal Pair cannot bypass validation at encode time either.
	if _, err := (Pair{PriceDenom: "usdc", AssetDenom: "ethereum2"}).Key(); !errors.Is(err, ErrDenomTooLong) {
		t.Errorf("expected ErrDenomTooLong from Key, got %v", err)
	}
}

func TestNew_RejectsInvalidDenom(t *testing.T) {
	for _, denom := range []string{"", "us\x00dc", "usdé"} {
		if _, err := New(denom, "eth"); !errors.Is(err, ErrInvalidDenom) {
			t.Errorf("%q: expected ErrInvalidDenom, got %v", denom, err)
		}
	}
}

func TestSharedPricePrefix(t *testing.T) {
	a, _ := MustNew("usdc", "eth").Key()
	b, _ := MustNew("usdc", "atom").Key()
	prefix, err := PricePrefix("usdc")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a[:8], b[:8]) || !bytes.HasPrefix(a[:], prefix) {
		t.Error("pairs sharing a price denom should share the first 8 bytes")
	}
	if bytes.Compare(b[:], a[:]) >= 0 {
		t.Error("atom should sort before eth under the same price denom")
	}
}

func TestCompare_OrdersByRawBytes(t *testing.T) {
	pairs := []Pair{
		MustNew("usdc", "eth"),
		MustNew("ust", "atom"),
		MustNew("usdc", "atom"),
		MustNew("USDC", "zzz"),
	}
	sort.Slice(pairs, func(i, j int) bool { return Compare(pairs[i], pairs[j]) < 0 })
	want := []Pair{
		MustNew("USDC", "zzz"),
		MustNew("usdc", "atom"),
		MustNew("usdc", "eth"),
		MustNew("ust", "atom"),
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, pairs[i], want[i])
		}
	}
}

func TestString(t *testing.T) {
	if s := MustNew("uusdc", "uatom").String(); s != "uatom/uusdc" {
		t.Errorf("String() = %q", s)
	}
}
