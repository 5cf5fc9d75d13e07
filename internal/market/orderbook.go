package market

import (
	"fmt"
	"sort"
)

// OrderBook is an ordered sequence of offers for one conversion direction of a
// pair. The ask (Q2B) book is ordered by ascending price, the bid (B2Q) book
// by descending price. The book never re-sorts: market-data refreshes replace
// the whole book pre-sorted, and a broken ordering is a defect in upstream
// data, surfaced as an error rather than silently repaired.
type OrderBook struct {
	ordering TradeType
	offers   []Offer
}

// NewOrderBook creates an empty book for the given conversion direction.
func NewOrderBook(ordering TradeType) *OrderBook {
	return &OrderBook{ordering: ordering}
}

// Ordering returns the direction this book serves.
func (b *OrderBook) Ordering() TradeType { return b.ordering }

func (b *OrderBook) Len() int { return len(b.offers) }

// Offers returns the live offer sequence, best price first. Callers must not
// mutate it.
func (b *OrderBook) Offers() []Offer { return b.offers }

// Add appends an offer. The caller is responsible for keeping the book sorted;
// refreshes arrive whole and pre-sorted via ReplaceAll.
func (b *OrderBook) Add(o Offer) {
	b.offers = append(b.offers, o)
}

// Best returns the first (best-priced) offer, or false if the book is empty.
func (b *OrderBook) Best() (Offer, bool) {
	if len(b.offers) == 0 {
		return Offer{}, false
	}
	return b.offers[0], true
}

// ReplaceAll atomically replaces the book contents on a market-data refresh.
// The new offers must already satisfy the book's price ordering.
func (b *OrderBook) ReplaceAll(offers []Offer) error {
	if err := checkOrdering(b.ordering, offers); err != nil {
		return err
	}
	b.offers = offers
	return nil
}

// Consume simulates fills against the front of the book. Complete offers are
// removed while their price is at least as good as 'price' (per 'sign') and
// their volume fits in the remaining 'volume'. The first offer too large to
// consume whole is replaced by a reduced-volume copy absorbing the rest of
// 'volume'. Returns the unfilled remainder of 'volume'.
func Consume(b *OrderBook, sign int, volume, price float64) float64 {
	remaining := volume
	for len(b.offers) > 0 && remaining > 0 {
		o := b.offers[0]
		if o.Volume <= remaining {
			if float64(sign)*(o.Price-price) > 0 {
				break
			}
			remaining -= o.Volume
			b.offers = b.offers[1:]
			continue
		}
		b.offers[0] = Offer{Price: o.Price, Volume: o.Volume - remaining}
		remaining = 0
	}
	return remaining
}

// Consume simulates fills against the front of this book using its own
// ordering sign. See the package-level Consume.
func (b *OrderBook) Consume(volume, price float64) float64 {
	return Consume(b, b.ordering.Sign(), volume, price)
}

// IndexOf returns the insertion position for 'price' in the book's ordering.
// It equals the number of offers priced strictly better than 'price', which is
// the book depth ahead of that price level.
func (b *OrderBook) IndexOf(price float64) int {
	if b.ordering == Q2B {
		return sort.Search(len(b.offers), func(i int) bool { return b.offers[i].Price >= price })
	}
	return sort.Search(len(b.offers), func(i int) bool { return b.offers[i].Price <= price })
}

func checkOrdering(ordering TradeType, offers []Offer) error {
	sign := float64(ordering.Sign())
	for i := 1; i < len(offers); i++ {
		if sign*(offers[i].Price-offers[i-1].Price) < 0 {
			return fmt.Errorf("order book out of order at index %d: %v after %v (%s book)",
				i, offers[i].Price, offers[i-1].Price, ordering)
		}
	}
	return nil
}
