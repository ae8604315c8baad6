// Package pair identifies a market by its (price denom, asset denom) and
// encodes it into the fixed-width 16-byte storage key.
//
// Key layout:
//
//	[0, 8)   price denom, ASCII, left-justified, zero padded
//	[8, 16)  asset denom, ASCII, left-justified, zero padded
//
// Keys sharing a price denom share their first 8 bytes, so a prefix scan
// over PricePrefix visits every market quoted in that denom ordered by the
// asset denom bytes.
package pair

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// DenomSize is the byte budget of one denom inside a key.
	DenomSize = 8
	// KeySize is the length of an encoded pair.
	KeySize = 2 * DenomSize
)

var (
	ErrKeyLength    = errors.New("pair: key must be 16 bytes")
	ErrDenomTooLong = errors.New("pair: denom exceeds 8 bytes")
	ErrInvalidDenom = errors.New("pair: denom must be non-empty ASCII without zero bytes")
)

// Pair identifies a trading market.
type Pair struct {
	PriceDenom string `json:"price_denom"`
	AssetDenom string `json:"asset_denom"`
}

// New validates both denoms and returns the pair.
func New(priceDenom, assetDenom string) (Pair, error) {
	p := Pair{PriceDenom: priceDenom, AssetDenom: assetDenom}
	if err := p.Validate(); err != nil {
		return Pair{}, err
	}
	return p, nil
}

// MustNew is like New but panics on an invalid denom.
func MustNew(priceDenom, assetDenom string) Pair {
	p, err := New(priceDenom, assetDenom)
	if err != nil {
		panic(err)
	}
	return p
}

// Validate checks that both denoms fit the key layout.
func (p Pair) Validate() error {
	if err := ValidateDenom(p.PriceDenom); err != nil {
		return fmt.Errorf("price denom: %w", err)
	}
	if err := ValidateDenom(p.AssetDenom); err != nil {
		return fmt.Errorf("asset denom: %w", err)
	}
	return nil
}

// ValidateDenom checks a single denom against the 8-byte ASCII budget.
func ValidateDenom(denom string) error {
	if len(denom) > DenomSize {
		return fmt.Errorf("%w: %q", ErrDenomTooLong, denom)
	}
	if denom == "" {
		return ErrInvalidDenom
	}
	for i := 0; i < len(denom); i++ {
		if c := denom[i]; c == 0 || c > 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidDenom, denom)
		}
	}
	return nil
}

// Key encodes the pair. Oversized denoms are rejected instead of truncated.
func (p Pair) Key() ([KeySize]byte, error) {
	var k [KeySize]byte
	if err := p.Validate(); err != nil {
		return k, err
	}
	copy(k[:DenomSize], p.PriceDenom)
	copy(k[DenomSize:], p.AssetDenom)
	return k, nil
}

// Bytes is Key as a slice.
func (p Pair) Bytes() ([]byte, error) {
	k, err := p.Key()
	if err != nil {
		return nil, err
	}
	return k[:], nil
}

// FromKey decodes a 16-byte key. Each half is trimmed of trailing zero bytes.
func FromKey(b []byte) (Pair, error) {
	if len(b) != KeySize {
		return Pair{}, fmt.Errorf("%w: got %d", ErrKeyLength, len(b))
	}
	price := trimDenom(b[:DenomSize])
	asset := trimDenom(b[DenomSize:])
	p := Pair{PriceDenom: string(price), AssetDenom: string(asset)}
	if err := p.Validate(); err != nil {
		return Pair{}, err
	}
	return p, nil
}

func trimDenom(half []byte) []byte {
	end := len(half)
	for end > 0 && half[end-1] == 0 {
		end--
	}
	return half[:end]
}

// PricePrefix returns the 8-byte key prefix shared by every pair quoted in
// priceDenom.
func PricePrefix(priceDenom string) ([]byte, error) {
	if err := ValidateDenom(priceDenom); err != nil {
		return nil, err
	}
	prefix := make([]byte, DenomSize)
	copy(prefix, priceDenom)
	return prefix, nil
}

// Compare orders pairs by their raw key bytes. Pairs that cannot be encoded
// fall back to comparing the denom strings.
func Compare(a, b Pair) int {
	ka, errA := a.Key()
	kb, errB := b.Key()
	if errA != nil || errB != nil {
		if c := compareStrings(a.PriceDenom, b.PriceDenom); c != 0 {
			return c
		}
		return compareStrings(a.AssetDenom, b.AssetDenom)
	}
	return bytes.Compare(ka[:], kb[:])
}

func compareStrings(a, b string) int {
	return bytes.Compare([]byte(a), []byte(b))
}

// String renders "asset/price".
func (p Pair) String() string {
	return p.AssetDenom + "/" + p.PriceDenom
}
