package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/order"
)

func seedSimCandles(start time.Time, n int) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := range out {
		price := 100.0 + float64(i)
		out[i] = candle.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + 1, Low: price - 1, Close: price, Median: price, Volume: 1,
		}
	}
	return out
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTC/USDT"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTCUSDT"))
}

func TestSplitSymbol(t *testing.T) {
	quotes := []string{"USDT", "TMN"}

	t.Run("Known quote suffix", func(t *testing.T) {
		base, quote, ok := SplitSymbol("BTCUSDT", quotes)
		require.True(t, ok)
		assert.Equal(t, "BTC", base)
		assert.Equal(t, "USDT", quote)
	})

	t.Run("Shorter quote", func(t *testing.T) {
		base, quote, ok := SplitSymbol("ETHTMN", quotes)
		require.True(t, ok)
		assert.Equal(t, "ETH", base)
		assert.Equal(t, "TMN", quote)
	})

	t.Run("No known quote", func(t *testing.T) {
		_, _, ok := SplitSymbol("BTCEUR", quotes)
		assert.False(t, ok)
	})

	t.Run("Symbol equal to quote", func(t *testing.T) {
		_, _, ok := SplitSymbol("USDT", quotes)
		assert.False(t, ok)
	})
}

func TestWallexResolution(t *testing.T) {
	cases := map[string]string{
		"1m": "1", "5m": "5", "15m": "15", "30m": "30",
		"1h": "60", "4h": "240", "1d": "1D",
	}
	for timeframe, want := range cases {
		got, err := wallexResolution(timeframe)
		require.NoError(t, err, timeframe)
		assert.Equal(t, want, got, timeframe)
	}

	_, err := wallexResolution("7m")
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	t.Run("Succeeds after transient failure", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("No backoff after the final attempt", func(t *testing.T) {
		start := time.Now()
		calls := 0
		err := retry(context.Background(), 2, 10*time.Millisecond, func() error {
			calls++
			return errors.New("persistent")
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("Cancelled context cuts the backoff short", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := retry(ctx, 3, time.Hour, func() error { return errors.New("persistent") })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestParseDepth(t *testing.T) {
	t.Run("String and numeric prices", func(t *testing.T) {
		data := []byte(`{
			"0": {"price": "100.5", "quantity": 2},
			"1": {"price": 101, "quantity": 1},
			"2": {"price": "99.0", "quantity": 3}
		}`)

		offers, err := parseDepth(data, SellDepth)
		require.NoError(t, err)
		require.Len(t, offers, 3)
		assert.Equal(t, 99.0, offers[0].Price)
		assert.Equal(t, 100.5, offers[1].Price)
		assert.Equal(t, 101.0, offers[2].Price)
	})

	t.Run("Buy depth sorts descending", func(t *testing.T) {
		data := []byte(`{
			"a": {"price": "99", "quantity": 1},
			"b": {"price": "101", "quantity": 1}
		}`)

		offers, err := parseDepth(data, BuyDepth)
		require.NoError(t, err)
		require.Len(t, offers, 2)
		assert.Equal(t, 101.0, offers[0].Price)
	})

	t.Run("Invalid levels skipped", func(t *testing.T) {
		data := []byte(`{
			"a": {"price": "0", "quantity": 1},
			"b": {"price": "100", "quantity": 0},
			"c": {"price": "100", "quantity": 1}
		}`)

		offers, err := parseDepth(data, SellDepth)
		require.NoError(t, err)
		require.Len(t, offers, 1)
		assert.Equal(t, 100.0, offers[0].Price)
	})

	t.Run("Malformed payload", func(t *testing.T) {
		_, err := parseDepth([]byte(`[1,2,3]`), SellDepth)
		assert.Error(t, err)
	})
}

func TestSimExchange_Orders(t *testing.T) {
	ctx := context.Background()
	sim := NewSimExchange()

	resp, err := sim.SubmitOrder(ctx, order.Request{
		Symbol: "BTC/USDT", Side: "buy", Type: "limit", Price: 100, Quantity: 2,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, "FILLED", resp.Status)
	assert.Equal(t, 2.0, resp.FilledQty)
	assert.False(t, resp.IsOpen())

	got, err := sim.GetOrderStatus(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, resp.OrderID, got.OrderID)

	// Cancel on a filled order is a no-op.
	require.NoError(t, sim.CancelOrder(ctx, resp.OrderID))
	got, err = sim.GetOrderStatus(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "FILLED", got.Status)

	_, err = sim.GetOrderStatus(ctx, "missing")
	assert.Error(t, err)
}

func TestSimExchange_MarketData(t *testing.T) {
	ctx := context.Background()
	sim := NewSimExchange()

	t.Run("Candles filtered to range", func(t *testing.T) {
		start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		sim.SetCandles("BTC/USDT", "1m", seedSimCandles(start, 5))

		got, err := sim.FetchCandles(ctx, "BTC/USDT", "1m", start.Add(time.Minute), start.Add(3*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, start.Add(time.Minute), got[0].Timestamp)
	})

	t.Run("Order book round trip", func(t *testing.T) {
		bids := []market.Offer{{Price: 99, Volume: 1}}
		asks := []market.Offer{{Price: 100, Volume: 2}}
		sim.SetOrderBook("BTC/USDT", bids, asks)

		gotBids, gotAsks, err := sim.FetchOrderBook(ctx, "BTC/USDT")
		require.NoError(t, err)
		assert.Equal(t, bids, gotBids)
		assert.Equal(t, asks, gotAsks)

		_, _, err = sim.FetchOrderBook(ctx, "ETH/USDT")
		assert.Error(t, err)
	})
}
