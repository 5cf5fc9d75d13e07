package market

import "strings"

// Trade is a computed projection of converting VolumeIn to VolumeOut by
// walking a pair's order book. It is created on demand, never persisted, and
// reflects at most the liquidity that was available: a book exhausted before
// the requested volume yields a smaller trade, not an error.
type Trade struct {
	Pair *TradePair
	Type TradeType

	// Price is the price of the deepest order the conversion touched.
	Price float64
	// VolumeIn is the volume spent, in the input currency of Type.
	VolumeIn float64
	// VolumeOut is the volume received, in the output currency of Type.
	VolumeOut float64
	// VolumeNett is VolumeOut after the exchange fee.
	VolumeNett float64
}

// ValidationResult is a bitset of independent reasons a trade cannot be
// submitted. All applicable reasons are reported at once so that decision code
// can branch on specific flags.
type ValidationResult uint32

const (
	VolumeInInvalid ValidationResult = 1 << iota
	VolumeInOutOfRange
	VolumeOutOutOfRange
	PriceInvalid
	PriceOutOfRange
	InsufficientBalance
)

// Valid is the zero result: no failure reasons.
const Valid ValidationResult = 0

func (v ValidationResult) IsValid() bool { return v == Valid }

func (v ValidationResult) Has(flag ValidationResult) bool { return v&flag != 0 }

func (v ValidationResult) String() string {
	if v == Valid {
		return "valid"
	}
	var parts []string
	for _, f := range []struct {
		flag ValidationResult
		name string
	}{
		{VolumeInInvalid, "volume-in invalid"},
		{VolumeInOutOfRange, "volume-in out of range"},
		{VolumeOutOutOfRange, "volume-out out of range"},
		{PriceInvalid, "price invalid"},
		{PriceOutOfRange, "price out of range"},
		{InsufficientBalance, "insufficient balance"},
	} {
		if v.Has(f.flag) {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ", ")
}
