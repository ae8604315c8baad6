package model

// PositionDirection is the side of a position or order. The integer codes
// are the ones used by the external order venue.
type PositionDirection int32

const (
	DirectionUnknown PositionDirection = -1
	Long             PositionDirection = 0
	Short            PositionDirection = 1
)

// DirectionFromCode maps a wire code to a direction. Unrecognized codes map
// to DirectionUnknown.
func DirectionFromCode(code int32) PositionDirection {
	switch code {
	case 0:
		return Long
	case 1:
		return Short
	default:
		return DirectionUnknown
	}
}

// Code returns the wire code; anything that is not Long or Short is -1.
func (d PositionDirection) Code() int32 {
	switch d {
	case Long:
		return 0
	case Short:
		return 1
	default:
		return -1
	}
}

// Opposite swaps Long and Short. DirectionUnknown maps to itself.
func (d PositionDirection) Opposite() PositionDirection {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	default:
		return DirectionUnknown
	}
}

func (d PositionDirection) IsKnown() bool { return d == Long || d == Short }

func (d PositionDirection) String() string {
	switch d {
	case Long:
		return "Long"
	case Short:
		return "Short"
	default:
		return "Unknown"
	}
}

func (d PositionDirection) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText never fails: unrecognized names decode as DirectionUnknown.
func (d *PositionDirection) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Long":
		*d = Long
	case "Short":
		*d = Short
	default:
		*d = DirectionUnknown
	}
	return nil
}

// PositionEffect tells whether an order opens or closes exposure.
type PositionEffect int32

const (
	EffectUnknown PositionEffect = iota
	Open
	Close
)

func (e PositionEffect) IsKnown() bool { return e == Open || e == Close }

func (e PositionEffect) String() string {
	switch e {
	case Open:
		return "Open"
	case Close:
		return "Close"
	default:
		return "Unknown"
	}
}

func (e PositionEffect) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (e *PositionEffect) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Open":
		*e = Open
	case "Close":
		*e = Close
	default:
		*e = EffectUnknown
	}
	return nil
}

// OrderType classifies how an order executes on the venue.
type OrderType int32

const (
	OrderTypeUnknown OrderType = -1
	Limit            OrderType = 0
	Market           OrderType = 1
	Liquidation      OrderType = 2
	FokMarket        OrderType = 3
)

// OrderTypes lists every actionable order type.
var OrderTypes = []OrderType{Limit, Market, Liquidation, FokMarket}

// OrderTypeFromCode maps a wire code to an order type. Codes outside
// {0,1,2,3} map to OrderTypeUnknown.
func OrderTypeFromCode(code int32) OrderType {
	switch code {
	case 0:
		return Limit
	case 1:
		return Market
	case 2:
		return Liquidation
	case 3:
		return FokMarket
	default:
		return OrderTypeUnknown
	}
}

// Code returns the wire code; OrderTypeUnknown (or any stray value) is -1.
func (t OrderType) Code() int32 {
	switch t {
	case Limit, Market, Liquidation, FokMarket:
		return int32(t)
	default:
		return -1
	}
}

func (t OrderType) IsKnown() bool { return t.Code() >= 0 }

func (t OrderType) String() string {
	switch t {
	case Limit:
		return "Limit"
	case Market:
		return "Market"
	case Liquidation:
		return "Liquidation"
	case FokMarket:
		return "FokMarket"
	default:
		return "Unknown"
	}
}

func (t OrderType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *OrderType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Limit":
		*t = Limit
	case "Market":
		*t = Market
	case "Liquidation":
		*t = Liquidation
	case "FokMarket":
		*t = FokMarket
	default:
		*t = OrderTypeUnknown
	}
	return nil
}
