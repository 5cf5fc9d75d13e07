package market

import (
	"fmt"

	"github.com/psryland/coinflip-core/internal/balance"
)

// ValidationEpsilon pads the balance check on trade validation so that
// float rounding on fee math never produces an order the exchange rejects.
const ValidationEpsilon = 1e-8

// TradePair couples the two order books of a base/quote currency pair on one
// exchange, together with the exchange-declared trading limits. A pair is
// exclusively owned and mutated by the model loop.
type TradePair struct {
	Base     string
	Quote    string
	Exchange string

	// Fee is the taker fee fraction charged on the output volume.
	Fee float64

	// Exchange-declared limits for submitted trades.
	BaseRange  RangeF
	QuoteRange RangeF
	PriceRange RangeF

	q2b *OrderBook // asks, ascending price
	b2q *OrderBook // bids, descending price
}

// NewTradePair creates a pair with empty books and unbounded limits.
func NewTradePair(base, quote, exchange string, fee float64) (*TradePair, error) {
	if base == quote {
		return nil, fmt.Errorf("trade pair base and quote must differ: %s", base)
	}
	return &TradePair{
		Base:       base,
		Quote:      quote,
		Exchange:   exchange,
		Fee:        fee,
		BaseRange:  Unbounded(),
		QuoteRange: Unbounded(),
		PriceRange: Unbounded(),
		q2b:        NewOrderBook(Q2B),
		b2q:        NewOrderBook(B2Q),
	}, nil
}

// Name returns the pair in "BASE/QUOTE" form.
func (p *TradePair) Name() string {
	return p.Base + "/" + p.Quote
}

// OrderBook returns the book that serves the given conversion direction.
func (p *TradePair) OrderBook(tt TradeType) *OrderBook {
	if tt == Q2B {
		return p.q2b
	}
	return p.b2q
}

// CoinIn returns the currency spent by a conversion in the given direction.
func (p *TradePair) CoinIn(tt TradeType) string {
	if tt == Q2B {
		return p.Quote
	}
	return p.Base
}

// CoinOut returns the currency received by a conversion in the given direction.
func (p *TradePair) CoinOut(tt TradeType) string {
	if tt == Q2B {
		return p.Base
	}
	return p.Quote
}

// ReplaceBooks atomically replaces both books from a market-data refresh.
// Offers must arrive pre-sorted (asks ascending, bids descending); a broken
// ordering means corrupt upstream data and leaves the pair unchanged.
func (p *TradePair) ReplaceBooks(bids, asks []Offer) error {
	if err := checkOrdering(B2Q, bids); err != nil {
		return fmt.Errorf("%s bids: %w", p.Name(), err)
	}
	if err := checkOrdering(Q2B, asks); err != nil {
		return fmt.Errorf("%s asks: %w", p.Name(), err)
	}
	if err := p.b2q.ReplaceAll(bids); err != nil {
		return err
	}
	return p.q2b.ReplaceAll(asks)
}

// SpotPrice returns the best available price for the given direction.
func (p *TradePair) SpotPrice(tt TradeType) (float64, bool) {
	best, ok := p.OrderBook(tt).Best()
	if !ok {
		return 0, false
	}
	return best.Price, true
}

// Convert walks the relevant order book from the best price outward,
// converting 'volume' (in the input currency of 'tt') into an expected fill.
// If the book runs out of liquidity the trade reflects only what was
// available; that is the partial-liquidity policy, not an error. A zero
// volume yields the best spot price with zero movement.
func (p *TradePair) Convert(tt TradeType, volume float64) Trade {
	t := Trade{Pair: p, Type: tt}
	remaining := volume
	for _, o := range p.OrderBook(tt).Offers() {
		if remaining <= 0 {
			if t.Price == 0 {
				t.Price = o.Price
			}
			break
		}

		// The input-currency volume this offer can absorb.
		in := o.Volume
		if tt == Q2B {
			in = o.Volume * o.Price
		}

		if in < remaining {
			t.VolumeIn += in
			if tt == Q2B {
				t.VolumeOut += o.Volume
			} else {
				t.VolumeOut += o.Volume * o.Price
			}
			t.Price = o.Price
			remaining -= in
			continue
		}

		// Take only the needed fraction of this offer and stop.
		t.VolumeIn += remaining
		if tt == Q2B {
			t.VolumeOut += remaining / o.Price
		} else {
			t.VolumeOut += remaining * o.Price
		}
		t.Price = o.Price
		remaining = 0
		break
	}
	t.VolumeNett = t.VolumeOut * (1 - p.Fee)
	return t
}

// Validate checks a trade against the pair's declared limits and, when a
// balance is given, against the available funds in the input currency. 'held'
// is an optional reservation already taken by the caller for this trade; its
// volume counts as available. All applicable failure reasons are reported.
func (p *TradePair) Validate(t Trade, bal *balance.Balance, held *balance.FundHold) ValidationResult {
	res := Valid

	inRange, outRange := p.QuoteRange, p.BaseRange
	if t.Type == B2Q {
		inRange, outRange = p.BaseRange, p.QuoteRange
	}

	if t.VolumeIn <= 0 {
		res |= VolumeInInvalid
	}
	if !inRange.Contains(t.VolumeIn) {
		res |= VolumeInOutOfRange
	}
	if !outRange.Contains(t.VolumeOut) {
		res |= VolumeOutOutOfRange
	}

	if t.Price <= 0 {
		res |= PriceInvalid
	} else if !p.PriceRange.Contains(t.Price) {
		res |= PriceOutOfRange
	}

	if bal != nil {
		avail := bal.Available()
		if held != nil {
			avail += held.Volume
		}
		if avail < t.VolumeIn*(1+p.Fee+ValidationEpsilon) {
			res |= InsufficientBalance
		}
	}

	return res
}

// OrderBookIndex returns the insertion position for 'price' in the book
// serving 'tt': the number of offers priced ahead of that level.
func (p *TradePair) OrderBookIndex(tt TradeType, price float64) int {
	return p.OrderBook(tt).IndexOf(price)
}
