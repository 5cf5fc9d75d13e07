// Package market holds the local view of exchange market state: coins, trade
// pairs and their order books. All mutation happens on the model loop
// goroutine; background pollers hand updates to the loop instead of touching
// these structures directly.
package market

import "math"

// TradeType is the conversion direction for a pair. The numeric value doubles
// as the price-ordering sign of the order book that serves the direction.
type TradeType int

const (
	// Q2B converts quote currency to base currency (a buy of the base).
	// Served by the ask book, ordered by ascending price.
	Q2B TradeType = 1
	// B2Q converts base currency to quote currency (a sell of the base).
	// Served by the bid book, ordered by descending price.
	B2Q TradeType = -1
)

func (tt TradeType) Sign() int { return int(tt) }

func (tt TradeType) Opposite() TradeType { return -tt }

func (tt TradeType) String() string {
	switch tt {
	case Q2B:
		return "Q2B"
	case B2Q:
		return "B2Q"
	default:
		return "unknown"
	}
}

// Offer is one price level of an order book: a volume of base currency offered
// at a price in quote/base units. Offers are immutable; a partially filled
// offer is replaced by a reduced-volume copy.
type Offer struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// Coin is a currency tracked on an exchange.
type Coin struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Fiat     bool   `json:"fiat"`
}

// RangeF is an inclusive [Min, Max] range of values.
type RangeF struct {
	Min float64
	Max float64
}

// Unbounded is the range that contains every non-negative value.
func Unbounded() RangeF {
	return RangeF{Min: 0, Max: math.Inf(1)}
}

func (r RangeF) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}
