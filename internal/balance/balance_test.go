package balance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alwaysNeeded(*Balance) bool { return true }

func TestBalance_Available(t *testing.T) {
	t.Run("Basic accounting", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 30, 0, 0, time.Now())
		assert.Equal(t, 70.0, b.Available())
		assert.Equal(t, 30.0, b.HeldForTrades())
	})

	t.Run("Never negative", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 150, 0, 0, time.Now())
		assert.Equal(t, 0.0, b.Available())
	})

	t.Run("Full hold leaves zero", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		_, err := b.Hold(100, alwaysNeeded)
		require.NoError(t, err)
		assert.Equal(t, 0.0, b.Available())
		assert.Equal(t, 100.0, b.HeldForTrades())
	})
}

func TestBalance_Hold(t *testing.T) {
	t.Run("Second hold beyond available fails", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())

		_, err := b.Hold(40, alwaysNeeded)
		require.NoError(t, err)
		assert.Equal(t, 60.0, b.Available())

		_, err = b.Hold(70, alwaysNeeded)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.Equal(t, 60.0, b.Available())
	})

	t.Run("Release restores available", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		before := b.Available()

		h, err := b.Hold(40, alwaysNeeded)
		require.NoError(t, err)
		require.Equal(t, before-40, b.Available())

		b.Release(h.ID)
		assert.Equal(t, before, b.Available())

		// Releasing again is a no-op.
		b.Release(h.ID)
		assert.Equal(t, before, b.Available())
	})

	t.Run("Expired hold pruned on read", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		needed := true
		_, err := b.Hold(40, func(*Balance) bool { return needed })
		require.NoError(t, err)
		require.Equal(t, 60.0, b.Available())

		needed = false
		assert.Equal(t, 100.0, b.Available())
		assert.Empty(t, b.Holds())
	})

	t.Run("Default predicate survives until refresh", func(t *testing.T) {
		taken := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, taken.Add(-time.Hour))
		b.SetClock(func() time.Time { return taken })

		_, err := b.Hold(40, nil)
		require.NoError(t, err)
		assert.Equal(t, 60.0, b.Available())

		// A refresh with a newer timestamp expires the hold.
		snap := NewSnapshot("USDT", "test", 100, 0, 0, 0, taken.Add(time.Minute))
		require.NoError(t, b.Update(snap))
		assert.Equal(t, 100.0, b.Available())
	})
}

func TestBalance_Update(t *testing.T) {
	t.Run("Coin mismatch rejected", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		err := b.Update(NewSnapshot("BTC", "test", 1, 0, 0, 0, time.Now()))
		assert.Error(t, err)
		assert.Equal(t, 100.0, b.Total)
	})

	t.Run("Figures replaced", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 10, 0, 0, time.Now().Add(-time.Minute))
		snap := NewSnapshot("USDT", "test", 250, 20, 5, 1, time.Now())
		require.NoError(t, b.Update(snap))

		assert.Equal(t, 250.0, b.Total)
		assert.Equal(t, 20.0, b.HeldOnExchange)
		assert.Equal(t, 5.0, b.Unconfirmed)
		assert.Equal(t, 1.0, b.PendingWithdraw)
		assert.Equal(t, snap.LastUpdated, b.LastUpdated)
	})

	t.Run("Snapshot holds carried forward", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		snap := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		_, err := snap.Hold(25, alwaysNeeded)
		require.NoError(t, err)

		require.NoError(t, b.Update(snap))
		assert.Equal(t, 75.0, b.Available())
		assert.Len(t, b.Holds(), 1)
	})

	t.Run("Own holds survive refresh when still needed", func(t *testing.T) {
		b := NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())
		h, err := b.Hold(30, alwaysNeeded)
		require.NoError(t, err)

		require.NoError(t, b.Update(NewSnapshot("USDT", "test", 100, 0, 0, 0, time.Now())))
		assert.Equal(t, 70.0, b.Available())
		b.Release(h.ID)
		assert.Equal(t, 100.0, b.Available())
	})
}
