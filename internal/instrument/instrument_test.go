package instrument

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/db"
	"github.com/psryland/coinflip-core/internal/exchange"
)

func seedCandles(t *testing.T, store candle.Store, symbol string, start time.Time, n int) []candle.Candle {
	t.Helper()
	candles := make([]candle.Candle, n)
	for i := range candles {
		price := 100.0 + float64(i)
		candles[i] = candle.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Median:    price,
			Volume:    1,
		}
	}
	require.NoError(t, store.SaveCandles(context.Background(), symbol, "1m", candles))
	return candles
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestInstrument_CountAndAt(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := db.NewMemory()
	seedCandles(t, store, "BTC/USDT", start, 20)

	in := New("BTC/USDT", "1m", store, nil)
	in.Clock = fixedClock(start.Add(time.Hour))

	t.Run("Count respects clock ceiling", func(t *testing.T) {
		n, err := in.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 20, n)

		capped := New("BTC/USDT", "1m", store, nil)
		capped.Clock = fixedClock(start.Add(9*time.Minute + 30*time.Second))
		n, err = capped.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)
	})

	t.Run("Timestamps strictly increase by index", func(t *testing.T) {
		prev, err := in.At(ctx, 0)
		require.NoError(t, err)
		for i := 1; i < 20; i++ {
			c, err := in.At(ctx, i)
			require.NoError(t, err)
			assert.True(t, c.Timestamp.After(prev.Timestamp), "index %d", i)
			prev = c
		}
	})

	t.Run("Out of range rejected", func(t *testing.T) {
		_, err := in.At(ctx, -1)
		assert.Error(t, err)
		_, err = in.At(ctx, 20)
		assert.Error(t, err)
	})
}

func TestInstrument_WindowRecentre(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := db.NewMemory()
	candles := seedCandles(t, store, "BTC/USDT", start, 50)

	in := New("BTC/USDT", "1m", store, nil)
	in.Clock = fixedClock(start.Add(time.Hour))
	in.WindowCapacity = 5

	// First access materializes a window around index 0.
	c, err := in.At(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, candles[0].Timestamp, c.Timestamp)

	// Far access forces a reload centred on the new index.
	c, err = in.At(ctx, 40)
	require.NoError(t, err)
	assert.Equal(t, candles[40].Timestamp, c.Timestamp)

	// Neighbours inside the recentred window come from cache.
	c, err = in.At(ctx, 41)
	require.NoError(t, err)
	assert.Equal(t, candles[41].Timestamp, c.Timestamp)

	// Edge access clamps the window to the valid range.
	c, err = in.At(ctx, 49)
	require.NoError(t, err)
	assert.Equal(t, candles[49].Timestamp, c.Timestamp)
}

func TestInstrument_LatestOldest(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Empty instrument returns sentinel", func(t *testing.T) {
		in := New("BTC/USDT", "1m", db.NewMemory(), nil)
		in.Clock = fixedClock(start)

		latest, err := in.Latest(ctx)
		require.NoError(t, err)
		assert.True(t, latest.IsDefault())

		oldest, err := in.Oldest(ctx)
		require.NoError(t, err)
		assert.True(t, oldest.IsDefault())
	})

	t.Run("Edges match store contents", func(t *testing.T) {
		store := db.NewMemory()
		candles := seedCandles(t, store, "BTC/USDT", start, 10)
		in := New("BTC/USDT", "1m", store, nil)
		in.Clock = fixedClock(start.Add(time.Hour))

		latest, err := in.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, candles[9].Timestamp, latest.Timestamp)

		oldest, err := in.Oldest(ctx)
		require.NoError(t, err)
		assert.Equal(t, candles[0].Timestamp, oldest.Timestamp)
	})

	t.Run("Latest honors clock ceiling", func(t *testing.T) {
		store := db.NewMemory()
		candles := seedCandles(t, store, "BTC/USDT", start, 10)
		in := New("BTC/USDT", "1m", store, nil)
		in.Clock = fixedClock(start.Add(4*time.Minute + 30*time.Second))

		latest, err := in.Latest(ctx)
		require.NoError(t, err)
		assert.Equal(t, candles[4].Timestamp, latest.Timestamp)
	})

	t.Run("Invalidate drops cached aggregates", func(t *testing.T) {
		store := db.NewMemory()
		seedCandles(t, store, "BTC/USDT", start, 5)
		in := New("BTC/USDT", "1m", store, nil)
		in.Clock = fixedClock(start.Add(time.Hour))

		n, err := in.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 5, n)

		seedCandles(t, store, "BTC/USDT", start.Add(5*time.Minute), 3)

		// Cached until invalidated.
		n, err = in.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		in.Invalidate()
		n, err = in.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 8, n)
	})
}

func TestInstrument_SetTimeframe(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := db.NewMemory()
	seedCandles(t, store, "BTC/USDT", start, 10)

	in := New("BTC/USDT", "1m", store, nil)
	in.Clock = fixedClock(start.Add(time.Hour))

	n, err := in.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, n)

	require.NoError(t, in.SetTimeframe(ctx, "5m"))
	assert.Equal(t, "5m", in.Timeframe())

	// No 5m data seeded; aggregates were cleared.
	n, err = in.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestInstrument_Refresh(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Minute)

	source := exchange.NewSimExchange()
	feed := make([]candle.Candle, 10)
	for i := range feed {
		price := 200.0 + float64(i)
		feed[i] = candle.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      price, High: price + 1, Low: price - 1, Close: price, Median: price, Volume: 1,
		}
	}
	source.SetCandles("BTC/USDT", "1m", feed)

	store := db.NewMemory()
	in := New("BTC/USDT", "1m", store, source)
	in.Clock = fixedClock(now)
	in.PollInterval = 5 * time.Millisecond
	in.InitialHistory = time.Hour

	changed := make(chan struct{}, 1)
	in.OnDataChanged = func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}

	in.StartRefresh(ctx)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh never signalled data changed")
	}

	in.Stop()

	n, err := store.Count(ctx, "BTC/USDT", "1m", now)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// Stop is idempotent and joins the refresher.
	in.Stop()
}
