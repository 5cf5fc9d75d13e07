// Package exchange
package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/psryland/coinflip-core/internal/balance"
	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/order"
)

// Exchange is the interface for all supported exchanges. Implementations must
// be safe for use from background goroutines; results are handed to the model
// loop for integration.
type Exchange interface {
	Name() string

	// FetchCandles returns chart data for [start, end), oldest first.
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)

	// FetchPairs returns the coins and trade pairs involving the given coins
	// of interest.
	FetchPairs(ctx context.Context, coinsOfInterest []string) ([]market.Coin, []*market.TradePair, error)

	// FetchOrderBook returns the current depth snapshot for a pair, bids
	// sorted by descending price and asks by ascending price.
	FetchOrderBook(ctx context.Context, pair string) (bids, asks []market.Offer, err error)

	// FetchBalances returns a snapshot balance per coin.
	FetchBalances(ctx context.Context) ([]*balance.Balance, error)

	SubmitOrder(ctx context.Context, req order.Request) (order.Response, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (order.Response, error)
}

// NormalizeSymbol converts a pair name like "BTC/USDT" to the wire form
// "BTCUSDT".
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "").Replace(symbol))
}

// SplitSymbol splits a wire-form symbol into base and quote using the set of
// known quote currencies, longest suffix first. Returns false when no known
// quote matches.
func SplitSymbol(symbol string, quotes []string) (base, quote string, ok bool) {
	best := ""
	for _, q := range quotes {
		if len(q) > len(best) && len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			best = q
		}
	}
	if best == "" {
		return "", "", false
	}
	return symbol[:len(symbol)-len(best)], best, true
}
