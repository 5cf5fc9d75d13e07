// Package model implements the coordinating loop that owns all market data.
// Background goroutines (exchange pollers, depth watchers, instrument
// refreshers) never touch order books, balances or pairs directly; they post
// closures that the loop integrates in FIFO order. Readers outside an
// integration or decision window are a programming error and fail fast.
package model

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/psryland/coinflip-core/internal/balance"
	"github.com/psryland/coinflip-core/internal/exchange"
	"github.com/psryland/coinflip-core/internal/instrument"
	"github.com/psryland/coinflip-core/internal/market"
	"github.com/psryland/coinflip-core/internal/utils"
)

// DefaultTickInterval is the loop's periodic wakeup when nothing posts.
const DefaultTickInterval = time.Second

// DefaultUpdateQueueSize bounds the pending-update queue. Posting blocks when
// the loop falls this far behind.
const DefaultUpdateQueueSize = 1024

// DefaultBalanceRefreshInterval is how often account balances are re-fetched
// from every exchange between pair refreshes.
const DefaultBalanceRefreshInterval = 30 * time.Second

// Model owns the trading state: pairs, balances and instruments, all mutated
// only on the loop goroutine.
type Model struct {
	// TickInterval, BalanceRefreshInterval and OnEvaluate may be set after
	// New and before Run. OnEvaluate runs each decision phase against a
	// consistent snapshot.
	TickInterval           time.Duration
	BalanceRefreshInterval time.Duration
	OnEvaluate             func(m *Model)

	exchanges []exchange.Exchange
	coins     []string

	// Loop-goroutine-only state.
	pairs       map[string]*market.TradePair // "BASE/QUOTE@exchange"
	balances    map[string]*balance.Balance  // "COIN@exchange"
	instruments map[string]*instrument.Instrument
	coinList    []market.Coin
	lastBalance time.Time

	updates chan func(*Model)
	wake    chan struct{}
	done    chan struct{}

	pairsStale  atomic.Bool
	integrating atomic.Bool
	dataLocked  atomic.Bool
	running     atomic.Bool
}

// New creates a model over the given exchanges, tracking the given coins of
// interest.
func New(exchanges []exchange.Exchange, coinsOfInterest []string) *Model {
	m := &Model{
		TickInterval:           DefaultTickInterval,
		BalanceRefreshInterval: DefaultBalanceRefreshInterval,
		exchanges:              exchanges,
		coins:                  coinsOfInterest,
		pairs:                  make(map[string]*market.TradePair),
		balances:               make(map[string]*balance.Balance),
		instruments:            make(map[string]*instrument.Instrument),
		updates:                make(chan func(*Model), DefaultUpdateQueueSize),
		wake:                   make(chan struct{}, 1),
		done:                   make(chan struct{}),
	}
	m.pairsStale.Store(true)
	return m
}

func pairKey(name, exchange string) string {
	return strings.ToUpper(name) + "@" + exchange
}

func balanceKey(coin, exchange string) string {
	return strings.ToUpper(coin) + "@" + exchange
}

// Post enqueues a state mutation for the loop goroutine and wakes it. Safe to
// call from any goroutine. Blocks if the queue is full; once the loop has
// stopped the call returns without delivering rather than blocking forever.
func (m *Model) Post(fn func(*Model)) {
	select {
	case m.updates <- fn:
	case <-m.done:
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// InvalidatePairs marks the pair list stale; the next iteration re-fetches
// pairs and coins from every exchange.
func (m *Model) InvalidatePairs() {
	m.pairsStale.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is still executing iterations.
func (m *Model) Running() bool { return m.running.Load() }

// WaitStopped blocks until the loop has fully exited. The model must not be
// torn down before this returns.
func (m *Model) WaitStopped() { <-m.done }

// AssertMarketDataReadable panics unless called during an integration or
// decision window. Cross-thread reads of market data are a bug, not a race to
// tolerate.
func (m *Model) AssertMarketDataReadable() {
	if !m.integrating.Load() && !m.dataLocked.Load() {
		panic("model: market data read outside integration/decision window")
	}
}

// AssertMarketDataWritable panics unless called during an integration window.
func (m *Model) AssertMarketDataWritable() {
	if !m.integrating.Load() {
		panic("model: market data write outside integration window")
	}
}

// Pair returns the trade pair for "BASE/QUOTE" on the given exchange, or nil.
func (m *Model) Pair(name, exchange string) *market.TradePair {
	m.AssertMarketDataReadable()
	return m.pairs[pairKey(name, exchange)]
}

// Pairs returns all known trade pairs.
func (m *Model) Pairs() []*market.TradePair {
	m.AssertMarketDataReadable()
	out := make([]*market.TradePair, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, p)
	}
	return out
}

// Balance returns the balance for a coin on an exchange, or nil.
func (m *Model) Balance(coin, exchange string) *balance.Balance {
	m.AssertMarketDataReadable()
	return m.balances[balanceKey(coin, exchange)]
}

// Coins returns the coins discovered across all exchanges.
func (m *Model) Coins() []market.Coin {
	m.AssertMarketDataReadable()
	return append([]market.Coin(nil), m.coinList...)
}

// Instrument returns the instrument registered under the given pair name, or
// nil.
func (m *Model) Instrument(name string) *instrument.Instrument {
	m.AssertMarketDataReadable()
	return m.instruments[strings.ToUpper(name)]
}

// AddInstrument registers an instrument and routes its data-changed signal
// through the update queue so aggregate invalidation happens on the loop
// goroutine.
func (m *Model) AddInstrument(in *instrument.Instrument) {
	key := strings.ToUpper(in.Symbol)
	in.OnDataChanged = func() {
		m.Post(func(mm *Model) {
			if cached, ok := mm.instruments[key]; ok {
				cached.Invalidate()
			}
		})
	}
	m.Post(func(mm *Model) {
		mm.instruments[key] = in
	})
}

// Run executes the orchestration loop until ctx is cancelled. Each iteration
// runs a refresh phase (re-fetch stale pairs, integrate queued updates) and a
// decision phase (OnEvaluate under the data-locked flag). A panic escaping one
// iteration is logged and the loop continues, unless shutdown is in progress.
func (m *Model) Run(ctx context.Context) {
	log := utils.GetLogger()
	m.running.Store(true)
	defer func() {
		// Drain the queue so posters blocked on a full channel are released.
		m.integrating.Store(true)
		for {
			select {
			case fn := <-m.updates:
				fn(m)
			default:
				m.integrating.Store(false)
				m.stopInstruments()
				m.running.Store(false)
				close(m.done)
				return
			}
		}
	}()

	ticker := time.NewTicker(m.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("Model | Shutdown requested, stopping loop")
			return
		case <-ticker.C:
		case <-m.wake:
		}

		m.iterate(ctx)
	}
}

func (m *Model) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			if ctx.Err() != nil {
				return
			}
			utils.GetLogger().Printf("Model | Iteration panic recovered: %v", r)
		}
	}()

	// Refresh phase. Balances go stale on their own clock; books and candles
	// have their own feeds.
	if m.pairsStale.CompareAndSwap(true, false) {
		m.refreshPairs(ctx)
		m.refreshBalances(ctx)
		m.lastBalance = time.Now()
	} else if time.Since(m.lastBalance) >= m.BalanceRefreshInterval {
		m.refreshBalances(ctx)
		m.lastBalance = time.Now()
	}
	m.integrateUpdates()

	// Decision phase. The locked flag asserts that nothing mutates market
	// data while evaluation reads it.
	if m.OnEvaluate != nil {
		m.dataLocked.Store(true)
		defer m.dataLocked.Store(false)
		m.OnEvaluate(m)
	}
}

// refreshPairs asks every exchange for its pair/coin universe concurrently.
// Results come back through the update queue like any other market data.
func (m *Model) refreshPairs(ctx context.Context) {
	for _, ex := range m.exchanges {
		ex := ex
		go func() {
			coins, pairs, err := ex.FetchPairs(ctx, m.coins)
			if err != nil {
				if ctx.Err() == nil {
					utils.GetLogger().Printf("Model | Pair refresh failed on %s: %v", ex.Name(), err)
				}
				return
			}
			m.Post(func(mm *Model) {
				mm.integratePairs(ex.Name(), coins, pairs)
			})
		}()
	}
}

// refreshBalances re-fetches account balances from every exchange. Runs at
// startup and every BalanceRefreshInterval thereafter, so fund holds with the
// default auto-release predicate eventually expire.
func (m *Model) refreshBalances(ctx context.Context) {
	for _, ex := range m.exchanges {
		ex := ex
		go func() {
			balances, err := ex.FetchBalances(ctx)
			if err != nil {
				if ctx.Err() == nil {
					utils.GetLogger().Printf("Model | Balance refresh failed on %s: %v", ex.Name(), err)
				}
				return
			}
			m.Post(func(mm *Model) {
				mm.integrateBalances(ex.Name(), balances)
			})
		}()
	}
}

// integrateUpdates drains the queue and applies every pending update as one
// batch. Readers never observe a half-applied batch because reads are only
// legal inside this window or the decision window that follows it.
func (m *Model) integrateUpdates() {
	m.integrating.Store(true)
	defer m.integrating.Store(false)

	for {
		select {
		case fn := <-m.updates:
			fn(m)
		default:
			return
		}
	}
}

// integratePairs rebuilds the pair list for one exchange, carrying over book
// state for pairs that survive the refresh.
func (m *Model) integratePairs(exchangeName string, coins []market.Coin, pairs []*market.TradePair) {
	for key, p := range m.pairs {
		if p.Exchange == exchangeName {
			delete(m.pairs, key)
		}
	}
	for _, p := range pairs {
		m.pairs[pairKey(p.Name(), exchangeName)] = p
	}

	kept := m.coinList[:0]
	for _, c := range m.coinList {
		if c.Exchange != exchangeName {
			kept = append(kept, c)
		}
	}
	m.coinList = append(kept, coins...)
}

// integrateBalances merges fresh balance snapshots, preserving fund holds
// whose predicates still apply.
func (m *Model) integrateBalances(exchangeName string, balances []*balance.Balance) {
	for _, snap := range balances {
		key := balanceKey(snap.Coin, exchangeName)
		existing, ok := m.balances[key]
		if !ok {
			m.balances[key] = snap
			continue
		}
		if err := existing.Update(snap); err != nil {
			utils.GetLogger().Printf("Model | Balance update for %s rejected: %v", key, err)
		}
	}
}

// ReplaceBooks posts a wholesale book replacement for a pair, typically from a
// depth watcher or order-book poller.
func (m *Model) ReplaceBooks(name, exchangeName string, bids, asks []market.Offer) {
	m.Post(func(mm *Model) {
		p := mm.pairs[pairKey(name, exchangeName)]
		if p == nil {
			return
		}
		if err := p.ReplaceBooks(bids, asks); err != nil {
			utils.GetLogger().Printf("Model | Book replacement for %s rejected: %v", p.Name(), err)
		}
	})
}

func (m *Model) stopInstruments() {
	for _, in := range m.instruments {
		in.Stop()
	}
}

// String summarizes the model for logging.
func (m *Model) String() string {
	return fmt.Sprintf("Model{exchanges=%d pairs=%d balances=%d instruments=%d}",
		len(m.exchanges), len(m.pairs), len(m.balances), len(m.instruments))
}
