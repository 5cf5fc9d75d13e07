package candle

import (
	"context"
	"time"
)

// Store is the persisted per-instrument time-series contract. Rows are keyed
// by (symbol, timestamp) within a per-timeframe table; saving a candle with an
// existing timestamp replaces the stored row.
type Store interface {
	// CreateTable ensures the table for a timeframe exists.
	CreateTable(ctx context.Context, timeframe string) error

	// SaveCandle upserts a single candle for (symbol, timeframe).
	SaveCandle(ctx context.Context, symbol, timeframe string, c Candle) error

	// SaveCandles upserts a batch of candles for (symbol, timeframe).
	SaveCandles(ctx context.Context, symbol, timeframe string, candles []Candle) error

	// Count returns the number of candles with timestamp <= ceiling.
	Count(ctx context.Context, symbol, timeframe string, ceiling time.Time) (int, error)

	// QueryRange returns up to limit candles starting at offset (in timestamp
	// order; ascending when ascending is true).
	QueryRange(ctx context.Context, symbol, timeframe string, offset, limit int, ascending bool) ([]Candle, error)

	// LatestAtOrBefore returns the newest candle with timestamp <= ts, or nil.
	LatestAtOrBefore(ctx context.Context, symbol, timeframe string, ts time.Time) (*Candle, error)

	// OldestAfter returns the oldest candle with timestamp > ts, or nil.
	OldestAfter(ctx context.Context, symbol, timeframe string, ts time.Time) (*Candle, error)
}
