package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psryland/coinflip-core/internal/db/conf"
	"github.com/psryland/coinflip-core/internal/journal"
	"github.com/psryland/coinflip-core/internal/order"
)

func newTestStore(t *testing.T) (*Default, func()) {
	t.Helper()
	cfg, cleanup := conf.NewTestConfig(t)

	store, err := New(*cfg)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema(context.Background()))
	require.NoError(t, store.CreateTable(context.Background(), "1m"))
	return store, cleanup
}

func TestPostgres_Candles(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := makeCandles(start, time.Minute, 10)

	require.NoError(t, store.SaveCandles(ctx, "BTC/USDT", "1m", candles))

	t.Run("Count with ceiling", func(t *testing.T) {
		n, err := store.Count(ctx, "BTC/USDT", "1m", start.Add(4*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("Upsert keyed by timestamp", func(t *testing.T) {
		c := candles[3]
		c.Close = 12345
		c.High = 12346
		require.NoError(t, store.SaveCandle(ctx, "BTC/USDT", "1m", c))

		n, err := store.Count(ctx, "BTC/USDT", "1m", start.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		got, err := store.QueryRange(ctx, "BTC/USDT", "1m", 3, 1, true)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 12345.0, got[0].Close)
	})

	t.Run("QueryRange ordering", func(t *testing.T) {
		asc, err := store.QueryRange(ctx, "BTC/USDT", "1m", 0, 3, true)
		require.NoError(t, err)
		require.Len(t, asc, 3)
		assert.True(t, asc[1].Timestamp.After(asc[0].Timestamp))

		desc, err := store.QueryRange(ctx, "BTC/USDT", "1m", 0, 3, false)
		require.NoError(t, err)
		require.Len(t, desc, 3)
		assert.True(t, desc[1].Timestamp.Before(desc[0].Timestamp))
	})

	t.Run("Edge lookups", func(t *testing.T) {
		latest, err := store.LatestAtOrBefore(ctx, "BTC/USDT", "1m", start.Add(2*time.Minute+time.Second))
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, start.Add(2*time.Minute), latest.Timestamp)

		oldest, err := store.OldestAfter(ctx, "BTC/USDT", "1m", start)
		require.NoError(t, err)
		require.NotNil(t, oldest)
		assert.Equal(t, start.Add(time.Minute), oldest.Timestamp)

		none, err := store.LatestAtOrBefore(ctx, "BTC/USDT", "1m", start.Add(-time.Hour))
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("Unknown timeframe rejected", func(t *testing.T) {
		_, err := store.Count(ctx, "BTC/USDT", "2m", start)
		assert.Error(t, err)
	})
}

func TestPostgres_Transactions(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	tx, err := store.GetDB().Begin()
	require.NoError(t, err)

	txCtx := WithTransaction(ctx, tx)
	require.NoError(t, store.SaveCandles(txCtx, "BTC/USDT", "1m", makeCandles(start, time.Minute, 3)))

	// Rolled back writes never become visible.
	require.NoError(t, tx.Rollback())
	n, err := store.Count(ctx, "BTC/USDT", "1m", start.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPostgres_JournalAndOrders(t *testing.T) {
	store, cleanup := newTestStore(t)
	defer cleanup()

	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	t.Run("Journal round trip", func(t *testing.T) {
		require.NoError(t, store.LogEvent(ctx, journal.Event{
			Time:        base,
			Type:        "scanner_finding",
			Description: "test",
			Data:        map[string]any{"pair": "BTC/USDT", "profit": 0.01},
		}))

		events, err := store.GetEvents(ctx, "scanner_finding", base.Add(-time.Minute), base.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "BTC/USDT", events[0].Data["pair"])
	})

	t.Run("Order lifecycle", func(t *testing.T) {
		o := order.Response{
			OrderID: "o1", Status: "NEW", Timestamp: base, Symbol: "BTC/USDT",
			Side: "buy", Type: "limit", Price: 100, Quantity: 1, UpdatedAt: base,
		}
		require.NoError(t, store.SaveOrder(ctx, o))

		open, err := store.GetOpenOrders(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)

		o.Status = "FILLED"
		o.FilledQty = 1
		require.NoError(t, store.SaveOrder(ctx, o))
		require.NoError(t, store.CloseOrder(ctx, "o1"))

		open, err = store.GetOpenOrders(ctx)
		require.NoError(t, err)
		assert.Empty(t, open)

		got, err := store.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, "FILLED", got.Status)
	})
}
