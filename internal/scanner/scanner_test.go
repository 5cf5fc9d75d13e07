package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psryland/coinflip-core/internal/balance"
	"github.com/psryland/coinflip-core/internal/db"
	"github.com/psryland/coinflip-core/internal/exchange"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/model"
)

// runScan drives one decision phase of a model seeded with the given books and
// balance, returning what the scanner found.
func runScan(t *testing.T, bids, asks []market.Offer, quoteTotal float64, s *Scanner) []Finding {
	t.Helper()

	sim := exchange.NewSimExchange()
	pair, err := market.NewTradePair("BTC", "USDT", sim.Name(), 0.001)
	require.NoError(t, err)
	require.NoError(t, pair.ReplaceBooks(bids, asks))
	sim.SetPairs(
		[]market.Coin{{Symbol: "BTC", Exchange: sim.Name()}, {Symbol: "USDT", Exchange: sim.Name()}},
		[]*market.TradePair{pair},
	)
	sim.SetBalances([]*balance.Balance{
		balance.NewSnapshot("USDT", sim.Name(), quoteTotal, 0, 0, 0, time.Now()),
	})

	m := model.New([]exchange.Exchange{sim}, []string{"BTC", "USDT"})
	m.TickInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())

	results := make(chan []Finding, 1)
	m.OnEvaluate = func(mm *model.Model) {
		if len(mm.Pairs()) == 0 || mm.Balance("USDT", sim.Name()) == nil {
			return
		}
		findings := s.Scan(ctx, mm)
		s.ReleaseAll(mm, findings)
		select {
		case results <- findings:
		default:
		}
	}

	go m.Run(ctx)
	defer m.WaitStopped()
	defer cancel()

	select {
	case findings := <-results:
		return findings
	case <-time.After(2 * time.Second):
		t.Fatal("scan never ran against an integrated snapshot")
		return nil
	}
}

func TestScanner_Scan(t *testing.T) {
	store := db.NewMemory()

	t.Run("Crossed books produce a finding", func(t *testing.T) {
		s := New(store, nil, 100, 0.002)
		// Bids above asks: buy at 100, sell back at 105.
		findings := runScan(t,
			[]market.Offer{{Price: 105, Volume: 10}},
			[]market.Offer{{Price: 100, Volume: 10}},
			1000, s)

		require.Len(t, findings, 1)
		f := findings[0]
		assert.Equal(t, "BTC/USDT", f.Pair)
		assert.Greater(t, f.Profit, 0.002)
		assert.InDelta(t, 100.0, f.VolumeIn, 1e-9)

		events, err := store.GetEvents(context.Background(),
			"scanner_finding", time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.NotEmpty(t, events)
	})

	t.Run("Normal spread yields nothing", func(t *testing.T) {
		s := New(store, nil, 100, 0.002)
		findings := runScan(t,
			[]market.Offer{{Price: 99, Volume: 10}},
			[]market.Offer{{Price: 100, Volume: 10}},
			1000, s)
		assert.Empty(t, findings)
	})

	t.Run("Insufficient balance skipped", func(t *testing.T) {
		s := New(store, nil, 100, 0.002)
		findings := runScan(t,
			[]market.Offer{{Price: 105, Volume: 10}},
			[]market.Offer{{Price: 100, Volume: 10}},
			50, s)
		assert.Empty(t, findings)
	})
}
