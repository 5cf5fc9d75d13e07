package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/journal"
	"github.com/psryland/coinflip-core/internal/order"
	"github.com/psryland/coinflip-core/internal/tfutils"
)

// MemoryStorage keeps everything in process memory. Used by tests and
// simulated/dry-run mode.
type MemoryStorage struct {
	mu sync.RWMutex

	// Candles per symbol|timeframe, sorted by ascending timestamp.
	candles map[string][]candle.Candle
	tables  map[string]bool

	// Orders by orderID plus an open/closed marker.
	orders map[string]order.Response
	closed map[string]bool

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string][]candle.Candle),
		tables:  make(map[string]bool),
		orders:  make(map[string]order.Response),
		closed:  make(map[string]bool),
		events:  make([]journal.Event, 0, 1024),
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- candle.Store --------

func candleKey(symbol, timeframe string) string {
	return strings.ToUpper(symbol) + "|" + timeframe
}

func (m *MemoryStorage) CreateTable(ctx context.Context, timeframe string) error {
	if _, err := tfutils.TableSuffix(timeframe); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[timeframe] = true
	return nil
}

func (m *MemoryStorage) SaveCandle(ctx context.Context, symbol, timeframe string, c candle.Candle) error {
	return m.SaveCandles(ctx, symbol, timeframe, []candle.Candle{c})
}

func (m *MemoryStorage) SaveCandles(ctx context.Context, symbol, timeframe string, candles []candle.Candle) error {
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := candleKey(symbol, timeframe)
	existing := m.candles[key]
	for _, c := range candles {
		c.Timestamp = c.Timestamp.UTC()
		i := sort.Search(len(existing), func(i int) bool {
			return !existing[i].Timestamp.Before(c.Timestamp)
		})
		if i < len(existing) && existing[i].Timestamp.Equal(c.Timestamp) {
			existing[i] = c // upsert keyed by timestamp
			continue
		}
		existing = append(existing, candle.Candle{})
		copy(existing[i+1:], existing[i:])
		existing[i] = c
	}
	m.candles[key] = existing
	return nil
}

func (m *MemoryStorage) Count(ctx context.Context, symbol, timeframe string, ceiling time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.candles[candleKey(symbol, timeframe)]
	return sort.Search(len(all), func(i int) bool {
		return all[i].Timestamp.After(ceiling)
	}), nil
}

func (m *MemoryStorage) QueryRange(ctx context.Context, symbol, timeframe string, offset, limit int, ascending bool) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.candles[candleKey(symbol, timeframe)]
	n := len(all)
	if offset < 0 || offset >= n || limit <= 0 {
		return nil, nil
	}

	out := make([]candle.Candle, 0, limit)
	if ascending {
		for i := offset; i < n && len(out) < limit; i++ {
			out = append(out, all[i])
		}
	} else {
		for i := n - 1 - offset; i >= 0 && len(out) < limit; i-- {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (m *MemoryStorage) LatestAtOrBefore(ctx context.Context, symbol, timeframe string, ts time.Time) (*candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.candles[candleKey(symbol, timeframe)]
	i := sort.Search(len(all), func(i int) bool { return all[i].Timestamp.After(ts) })
	if i == 0 {
		return nil, nil
	}
	c := all[i-1]
	return &c, nil
}

func (m *MemoryStorage) OldestAfter(ctx context.Context, symbol, timeframe string, ts time.Time) (*candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.candles[candleKey(symbol, timeframe)]
	i := sort.Search(len(all), func(i int) bool { return all[i].Timestamp.After(ts) })
	if i == len(all) {
		return nil, nil
	}
	c := all[i]
	return &c, nil
}

// -------- journal.Journaler --------

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// -------- order.Manager --------

func (m *MemoryStorage) SaveOrder(ctx context.Context, o order.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.OrderID] = o
	return nil
}

func (m *MemoryStorage) GetOrder(ctx context.Context, orderID string) (order.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	if !ok {
		return order.Response{}, fmt.Errorf("order %s not found", orderID)
	}
	return o, nil
}

func (m *MemoryStorage) GetOpenOrders(ctx context.Context) ([]order.Response, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []order.Response
	for id, o := range m.orders {
		if !m.closed[id] {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStorage) CloseOrder(ctx context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[orderID] = true
	return nil
}
