// Package exchange
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/psryland/coinflip-core/internal/balance"
	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/notifier"
	"github.com/psryland/coinflip-core/internal/order"
	"github.com/psryland/coinflip-core/internal/tfutils"
	"github.com/psryland/coinflip-core/internal/utils"
	wallex "github.com/wallexchange/wallex-go"
	"golang.org/x/time/rate"
)

// wallexQuotes are the quote currencies Wallex lists pairs against.
var wallexQuotes = []string{"USDT", "TMN"}

type WallexExchange struct {
	client   *wallex.Client
	notifier notifier.Notifier
	limiter  *rate.Limiter
	fee      float64
}

// NewWallexExchange creates a Wallex adapter. 'fee' is the taker fee fraction
// applied to trade pairs from this exchange.
func NewWallexExchange(apiKey string, fee float64, n notifier.Notifier) Exchange {
	return &WallexExchange{
		client:   wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		notifier: n,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		fee:      fee,
	}
}

func (w *WallexExchange) Name() string {
	return "wallex"
}

// notifyFailure reports a persistent API failure out of band. Fire and forget;
// the caller already has the error.
func (w *WallexExchange) notifyFailure(msg string) {
	if w.notifier != nil {
		go w.notifier.SendWithRetry("Wallex: " + msg)
	}
}

// retry wraps a function with retry logic for transient errors, using exponential backoff and error logging.
// The backoff honours ctx so shutdown never waits out a sleep, and the final
// failed attempt returns immediately.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	backoff := delay
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if i == attempts {
			utils.GetLogger().Printf("Exchange | Wallex retry attempt %d/%d failed: %v", i, attempts, err)
			break
		}
		utils.GetLogger().Printf("Exchange | Wallex retry attempt %d/%d failed: %v. Backing off for %v", i, attempts, err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
	}
	return errors.New("all retry attempts failed")
}

// wallexResolution maps a timeframe to the Wallex chart resolution parameter.
func wallexResolution(timeframe string) (string, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return "", fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	if timeframe == "1d" {
		return "1D", nil
	}
	minutes := int(tfutils.GetTimeframeDuration(timeframe) / time.Minute)
	return strconv.Itoa(minutes), nil
}

func (w *WallexExchange) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	resolution, err := wallexResolution(timeframe)
	if err != nil {
		return nil, err
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	normalizedSymbol := NormalizeSymbol(symbol)

	var wallexCandles []*wallex.Candle
	err = retry(ctx, 3, 2*time.Second, func() error {
		var err error
		wallexCandles, err = w.client.Candles(normalizedSymbol, resolution, start, end)
		if err != nil {
			return fmt.Errorf("fetching candles: %w", err)
		}
		return nil
	})
	if err != nil {
		w.notifyFailure("candle fetch failed for " + normalizedSymbol)
		return nil, fmt.Errorf("FetchCandles failed: %w", err)
	}

	var candles []candle.Candle
	for _, wc := range wallexCandles {
		open, _ := strconv.ParseFloat(string(wc.Open), 64)
		high, _ := strconv.ParseFloat(string(wc.High), 64)
		low, _ := strconv.ParseFloat(string(wc.Low), 64)
		closePrice, _ := strconv.ParseFloat(string(wc.Close), 64)
		volume, _ := strconv.ParseFloat(string(wc.Volume), 64)

		c := candle.Candle{
			Timestamp: wc.Timestamp.UTC().Truncate(tfutils.GetTimeframeDuration(timeframe)),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Median:    (high + low) / 2,
			Volume:    volume,
		}

		// Skip invalid candles rather than poisoning the store.
		if err := c.Validate(); err != nil {
			continue
		}
		candles = append(candles, c)
	}

	return candles, nil
}

func (w *WallexExchange) FetchPairs(ctx context.Context, coinsOfInterest []string) ([]market.Coin, []*market.TradePair, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var markets []*wallex.Market
	err := retry(ctx, 3, 2*time.Second, func() error {
		var err error
		markets, err = w.client.Markets()
		if err != nil {
			return fmt.Errorf("fetching markets: %w", err)
		}
		return nil
	})
	if err != nil {
		w.notifyFailure("market list fetch failed")
		return nil, nil, fmt.Errorf("FetchPairs failed: %w", err)
	}

	interest := make(map[string]bool, len(coinsOfInterest))
	for _, c := range coinsOfInterest {
		interest[strings.ToUpper(c)] = true
	}

	var pairs []*market.TradePair
	seen := make(map[string]bool)
	var coins []market.Coin
	for _, mkt := range markets {
		base, quote, ok := SplitSymbol(mkt.Symbol, wallexQuotes)
		if !ok || !interest[base] || !interest[quote] {
			continue
		}

		pair, err := market.NewTradePair(base, quote, w.Name(), w.fee)
		if err != nil {
			return nil, nil, fmt.Errorf("market %s: %w", mkt.Symbol, err)
		}
		pairs = append(pairs, pair)

		for _, sym := range []string{base, quote} {
			if !seen[sym] {
				seen[sym] = true
				coins = append(coins, market.Coin{Symbol: sym, Exchange: w.Name(), Fiat: sym == "TMN"})
			}
		}
	}

	return coins, pairs, nil
}

func (w *WallexExchange) FetchOrderBook(ctx context.Context, pair string) ([]market.Offer, []market.Offer, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}

	var asks, bids []*wallex.MarketOrder
	err := retry(ctx, 3, 2*time.Second, func() error {
		var err error
		asks, bids, err = w.client.MarketOrders(NormalizeSymbol(pair))
		if err != nil {
			return fmt.Errorf("fetching orderbook: %w", err)
		}
		return nil
	})
	if err != nil {
		w.notifyFailure("order book fetch failed for " + pair)
		return nil, nil, fmt.Errorf("FetchOrderBook failed: %w", err)
	}

	toOffers := func(orders []*wallex.MarketOrder) []market.Offer {
		offers := make([]market.Offer, 0, len(orders))
		for _, o := range orders {
			price, _ := strconv.ParseFloat(string(o.Price), 64)
			quantity := float64Ptr(&o.Quantity)
			if price <= 0 || quantity <= 0 {
				continue
			}
			offers = append(offers, market.Offer{Price: price, Volume: quantity})
		}
		return offers
	}

	bidOffers := toOffers(bids)
	askOffers := toOffers(asks)

	// The books replace wholesale and must arrive sorted; sorting here keeps
	// the ordering invariant check downstream meaningful for real defects.
	sort.Slice(bidOffers, func(i, j int) bool { return bidOffers[i].Price > bidOffers[j].Price })
	sort.Slice(askOffers, func(i, j int) bool { return askOffers[i].Price < askOffers[j].Price })

	return bidOffers, askOffers, nil
}

func (w *WallexExchange) FetchBalances(ctx context.Context) ([]*balance.Balance, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var wallexBalances map[string]*wallex.Balance
	err := retry(ctx, 3, 2*time.Second, func() error {
		var err error
		wallexBalances, err = w.client.Balances()
		if err != nil {
			return fmt.Errorf("fetching balances: %w", err)
		}
		return nil
	})
	if err != nil {
		w.notifyFailure("balance fetch failed")
		return nil, fmt.Errorf("FetchBalances failed: %w", err)
	}

	now := time.Now().UTC()
	balances := make([]*balance.Balance, 0, len(wallexBalances))
	for asset, wb := range wallexBalances {
		available, _ := strconv.ParseFloat(string(wb.Value), 64)
		locked, _ := strconv.ParseFloat(string(wb.Locked), 64)
		balances = append(balances, balance.NewSnapshot(asset, w.Name(), available+locked, locked, 0, 0, now))
	}

	return balances, nil
}

func (w *WallexExchange) SubmitOrder(ctx context.Context, req order.Request) (order.Response, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return order.Response{}, err
	}

	price := strconv.FormatFloat(req.Price, 'f', 8, 64)
	qty := strconv.FormatFloat(req.Quantity, 'f', 8, 64)

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Symbol),
		Type:     strings.ToUpper(req.Type),
		Side:     strings.ToUpper(req.Side),
		Price:    wallex.Number(price),
		Quantity: wallex.Number(qty),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return order.Response{}, err
	}

	return order.Response{
		OrderID:   resp.ClientOrderID,
		Status:    strings.ToUpper(resp.Status),
		FilledQty: float64Ptr(resp.ExecutedQty),
		AvgPrice:  float64Ptr(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
		UpdatedAt: resp.CreatedAt,
	}, nil
}

func (w *WallexExchange) CancelOrder(ctx context.Context, orderID string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return w.client.CancelOrder(orderID)
}

func (w *WallexExchange) GetOrderStatus(ctx context.Context, orderID string) (order.Response, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return order.Response{}, err
	}

	resp, err := w.client.Order(orderID)
	if err != nil {
		return order.Response{}, err
	}

	symbol := resp.Symbol
	if base, quote, ok := SplitSymbol(resp.Symbol, wallexQuotes); ok {
		symbol = base + "/" + quote
	}

	return order.Response{
		OrderID:   resp.ClientOrderID,
		Status:    strings.ToUpper(resp.Status),
		FilledQty: float64Ptr(resp.ExecutedQty),
		AvgPrice:  float64Ptr(resp.ExecutedPrice),
		Timestamp: resp.CreatedAt.UTC(),
		Symbol:    symbol,
		Side:      strings.ToLower(resp.Side),
		Type:      strings.ToLower(resp.Type),
		Price:     float64Ptr(&resp.Price),
		Quantity:  float64Ptr(&resp.OrigQty),
		UpdatedAt: resp.CreatedAt,
	}, nil
}

// Helper to safely dereference *wallex.Number
func float64Ptr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
