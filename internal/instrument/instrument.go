// Package instrument provides an index-addressable sliding-window cache of
// candle history in front of a candle store, one per (pair, timeframe)
// combination. The cache window and the cached aggregates (count, latest,
// oldest) are owned by the model loop; the background refresher only writes
// to the store and signals data-changed, never touches the window.
package instrument

import (
	"context"
	"fmt"
	"time"

	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/utils"
)

const (
	// DefaultWindowCapacity is the number of candles materialized around an
	// accessed index.
	DefaultWindowCapacity = 10000

	// DefaultPollInterval is the default background refresh rate.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultInitialHistory is how far back the first refresh reaches when the
	// store has no candles yet.
	DefaultInitialHistory = 7 * 24 * time.Hour
)

// ChartDataSource supplies candle data for an instrument, typically an
// exchange client.
type ChartDataSource interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)
}

// Instrument identifies a (pair, timeframe) and exposes sequential access to
// its candle history. Index 0 is the oldest candle; Count()-1 the most recent
// one at the current clock. Destroy with Stop before discarding.
type Instrument struct {
	Symbol string

	// WindowCapacity, PollInterval, InitialHistory and Clock may be adjusted
	// after New and before first use. Clock supports simulated/backtest time.
	WindowCapacity int
	PollInterval   time.Duration
	InitialHistory time.Duration
	Clock          func() time.Time

	// OnDataChanged is invoked from the refresher goroutine after new candles
	// were written to the store. The owner routes it back to the loop thread.
	OnDataChanged func()

	timeframe string
	store     candle.Store
	source    ChartDataSource

	// Window cache, loop-thread-only.
	window    []candle.Candle
	winOffset int
	total     int // -1 when invalid
	latest    *candle.Candle
	oldest    *candle.Candle

	// Refresh baseline: timestamp of the newest candle known to be stored.
	baseline time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an instrument for (symbol, timeframe) over the given store and
// chart-data source.
func New(symbol, timeframe string, store candle.Store, source ChartDataSource) *Instrument {
	return &Instrument{
		Symbol:         symbol,
		WindowCapacity: DefaultWindowCapacity,
		PollInterval:   DefaultPollInterval,
		InitialHistory: DefaultInitialHistory,
		Clock:          time.Now,
		timeframe:      timeframe,
		store:          store,
		source:         source,
		total:          -1,
	}
}

func (in *Instrument) Timeframe() string { return in.timeframe }

// Count returns the number of candles with timestamp <= the current clock.
// The value is cached until Invalidate or a timeframe change.
func (in *Instrument) Count(ctx context.Context) (int, error) {
	if in.total >= 0 {
		return in.total, nil
	}
	n, err := in.store.Count(ctx, in.Symbol, in.timeframe, in.Clock())
	if err != nil {
		return 0, fmt.Errorf("count candles for %s %s: %w", in.Symbol, in.timeframe, err)
	}
	in.total = n
	return n, nil
}

// At returns the candle at index i, 0 <= i < Count(). An access outside the
// materialized window reloads a window of WindowCapacity candles centred on i,
// clamped to the valid range, with a single ordered range read.
func (in *Instrument) At(ctx context.Context, i int) (candle.Candle, error) {
	n, err := in.Count(ctx)
	if err != nil {
		return candle.Default, err
	}
	if i < 0 || i >= n {
		return candle.Default, fmt.Errorf("candle index %d out of range [0,%d) for %s %s", i, n, in.Symbol, in.timeframe)
	}

	if i < in.winOffset || i >= in.winOffset+len(in.window) {
		if err := in.loadWindow(ctx, i, n); err != nil {
			return candle.Default, err
		}
	}
	return in.window[i-in.winOffset], nil
}

func (in *Instrument) loadWindow(ctx context.Context, centre, total int) error {
	capacity := in.WindowCapacity
	offset := centre - capacity/2
	if offset > total-capacity {
		offset = total - capacity
	}
	if offset < 0 {
		offset = 0
	}

	window, err := in.store.QueryRange(ctx, in.Symbol, in.timeframe, offset, capacity, true)
	if err != nil {
		return fmt.Errorf("load candle window for %s %s: %w", in.Symbol, in.timeframe, err)
	}
	if centre-offset >= len(window) {
		return fmt.Errorf("candle window for %s %s too short: wanted index %d of %d", in.Symbol, in.timeframe, centre-offset, len(window))
	}

	in.window = window
	in.winOffset = offset
	return nil
}

// Latest returns the most recent candle at the current clock, or the sentinel
// default candle when the instrument has no data.
func (in *Instrument) Latest(ctx context.Context) (candle.Candle, error) {
	if in.latest != nil {
		return *in.latest, nil
	}
	n, err := in.Count(ctx)
	if err != nil {
		return candle.Default, err
	}
	if n == 0 {
		return candle.Default, nil
	}

	// Serve from the window when its edge coincides with the logical edge.
	if len(in.window) > 0 && in.winOffset+len(in.window) >= n && n-1 >= in.winOffset {
		c := in.window[n-1-in.winOffset]
		in.latest = &c
		return c, nil
	}

	c, err := in.store.LatestAtOrBefore(ctx, in.Symbol, in.timeframe, in.Clock())
	if err != nil {
		return candle.Default, fmt.Errorf("latest candle for %s %s: %w", in.Symbol, in.timeframe, err)
	}
	if c == nil {
		return candle.Default, nil
	}
	in.latest = c
	return *c, nil
}

// Oldest returns the first candle, or the sentinel default candle when the
// instrument has no data.
func (in *Instrument) Oldest(ctx context.Context) (candle.Candle, error) {
	if in.oldest != nil {
		return *in.oldest, nil
	}
	n, err := in.Count(ctx)
	if err != nil {
		return candle.Default, err
	}
	if n == 0 {
		return candle.Default, nil
	}

	if len(in.window) > 0 && in.winOffset == 0 {
		c := in.window[0]
		in.oldest = &c
		return c, nil
	}

	c, err := in.store.OldestAfter(ctx, in.Symbol, in.timeframe, time.Time{})
	if err != nil {
		return candle.Default, fmt.Errorf("oldest candle for %s %s: %w", in.Symbol, in.timeframe, err)
	}
	if c == nil {
		return candle.Default, nil
	}
	in.oldest = c
	return *c, nil
}

// Invalidate drops the cached aggregates (count, latest, oldest) together.
// Candles already materialized in the window stay valid because the store is
// append-only per instrument.
func (in *Instrument) Invalidate() {
	in.total = -1
	in.latest = nil
	in.oldest = nil
}

// StartRefresh launches the background refresh task. No-op if already running.
func (in *Instrument) StartRefresh(ctx context.Context) {
	if in.done != nil {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	in.cancel = cancel
	in.done = make(chan struct{})
	go in.refreshLoop(rctx, in.done, in.timeframe)
}

// Stop signals the refresh task and joins it. Must be called before the
// instrument is discarded. Idempotent.
func (in *Instrument) Stop() {
	if in.done == nil {
		return
	}
	in.cancel()
	<-in.done
	in.done = nil
	in.cancel = nil
}

// SetTimeframe stops the refresh task, clears the window and cached
// aggregates, re-baselines to the newest stored candle of the new timeframe
// and restarts the refresher.
func (in *Instrument) SetTimeframe(ctx context.Context, timeframe string) error {
	restart := in.done != nil
	in.Stop()

	in.timeframe = timeframe
	in.window = nil
	in.winOffset = 0
	in.Invalidate()

	latest, err := in.store.LatestAtOrBefore(ctx, in.Symbol, timeframe, in.Clock())
	if err != nil {
		return fmt.Errorf("rebaseline %s %s: %w", in.Symbol, timeframe, err)
	}
	if latest != nil {
		in.baseline = latest.Timestamp
	} else {
		in.baseline = time.Time{}
	}

	if restart {
		in.StartRefresh(ctx)
	}
	return nil
}

func (in *Instrument) refreshLoop(ctx context.Context, done chan struct{}, timeframe string) {
	defer close(done)

	log := utils.GetLogger()
	ticker := time.NewTicker(in.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := in.refreshOnce(ctx, timeframe); err != nil {
				if ctx.Err() != nil {
					return
				}
				// Transient store/exchange failures keep the poller alive.
				log.Printf("Instrument | %s %s refresh failed: %v", in.Symbol, timeframe, err)
			}
		}
	}
}

func (in *Instrument) refreshOnce(ctx context.Context, timeframe string) error {
	now := in.Clock()

	begin := in.baseline
	if begin.IsZero() {
		latest, err := in.store.LatestAtOrBefore(ctx, in.Symbol, timeframe, now)
		if err != nil {
			return err
		}
		if latest != nil {
			begin = latest.Timestamp
		} else {
			begin = now.Add(-in.InitialHistory)
		}
	}

	candles, err := in.source.FetchCandles(ctx, in.Symbol, timeframe, begin, now)
	if err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}

	if err := in.store.SaveCandles(ctx, in.Symbol, timeframe, candles); err != nil {
		return err
	}
	in.baseline = candles[len(candles)-1].Timestamp

	if in.OnDataChanged != nil {
		in.OnDataChanged()
	}
	return nil
}
