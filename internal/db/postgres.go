// Package db
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/db/conf"
	"github.com/psryland/coinflip-core/internal/journal"
	"github.com/psryland/coinflip-core/internal/order"
	"github.com/psryland/coinflip-core/internal/tfutils"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// Default is the Postgres-backed store. Candles live in one table per
// timeframe, keyed by (symbol, timestamp); saving an existing timestamp
// replaces the row.
type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// executeWithTransaction executes a function with proper transaction management.
// If a transaction exists in context, it uses that. Otherwise, it creates a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// InitSchema creates the non-candle tables (events, orders). Candle tables are
// created per timeframe via CreateTable.
func (p *Default) InitSchema(ctx context.Context) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS events (
				id UUID PRIMARY KEY,
				time TIMESTAMPTZ NOT NULL,
				type TEXT NOT NULL,
				description TEXT NOT NULL,
				data JSONB
			)`); err != nil {
			return fmt.Errorf("failed to create events table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS orders (
				order_id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				filled_qty DOUBLE PRECISION NOT NULL,
				avg_price DOUBLE PRECISION NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				symbol TEXT NOT NULL,
				side TEXT NOT NULL,
				type TEXT NOT NULL,
				price DOUBLE PRECISION NOT NULL,
				quantity DOUBLE PRECISION NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				closed BOOLEAN NOT NULL DEFAULT FALSE
			)`); err != nil {
			return fmt.Errorf("failed to create orders table: %w", err)
		}
		return nil
	})
}

// -------- candle.Store --------

func candleTable(timeframe string) (string, error) {
	suffix, err := tfutils.TableSuffix(timeframe)
	if err != nil {
		return "", err
	}
	return "candles_" + suffix, nil
}

// CreateTable ensures the candle table for a timeframe exists.
func (p *Default) CreateTable(ctx context.Context, timeframe string) error {
	table, err := candleTable(timeframe)
	if err != nil {
		return err
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				symbol TEXT NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL,
				open DOUBLE PRECISION NOT NULL,
				high DOUBLE PRECISION NOT NULL,
				low DOUBLE PRECISION NOT NULL,
				close DOUBLE PRECISION NOT NULL,
				median DOUBLE PRECISION NOT NULL,
				volume DOUBLE PRECISION NOT NULL,
				PRIMARY KEY (symbol, timestamp)
			)`, table))
		if err != nil {
			return fmt.Errorf("failed to create candle table %s: %w", table, err)
		}
		return nil
	})
}

// SaveCandle upserts a single candle for (symbol, timeframe).
func (p *Default) SaveCandle(ctx context.Context, symbol, timeframe string, c candle.Candle) error {
	return p.SaveCandles(ctx, symbol, timeframe, []candle.Candle{c})
}

// SaveCandles upserts a batch of candles for (symbol, timeframe).
func (p *Default) SaveCandles(ctx context.Context, symbol, timeframe string, candles []candle.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w",
				i, symbol, timeframe, c.Timestamp, err)
		}
	}

	table, err := candleTable(timeframe)
	if err != nil {
		return err
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (symbol, timestamp, open, high, low, close, median, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, timestamp) DO UPDATE SET
				open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
				close=EXCLUDED.close, median=EXCLUDED.median, volume=EXCLUDED.volume`, table))
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		for i, c := range candles {
			if _, err := stmt.ExecContext(ctx,
				symbol, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Median, c.Volume); err != nil {
				return fmt.Errorf("failed to save candle at index %d (%s %s at %s): %w",
					i, symbol, timeframe, c.Timestamp, err)
			}
		}

		return nil
	})
}

// Count returns the number of candles with timestamp <= ceiling.
func (p *Default) Count(ctx context.Context, symbol, timeframe string, ceiling time.Time) (int, error) {
	table, err := candleTable(timeframe)
	if err != nil {
		return 0, err
	}

	rows, err := p.queryWithTransaction(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE symbol=$1 AND timestamp <= $2`, table),
		symbol, ceiling.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	defer rows.Close()

	count := 0
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to scan candle count: %w", err)
		}
	}

	return count, rows.Err()
}

// QueryRange returns up to limit candles starting at offset in timestamp order.
func (p *Default) QueryRange(ctx context.Context, symbol, timeframe string, offset, limit int, ascending bool) ([]candle.Candle, error) {
	table, err := candleTable(timeframe)
	if err != nil {
		return nil, err
	}

	direction := "ASC"
	if !ascending {
		direction = "DESC"
	}

	rows, err := p.queryWithTransaction(ctx, fmt.Sprintf(`
		SELECT timestamp, open, high, low, close, median, volume
		FROM %s
		WHERE symbol=$1
		ORDER BY timestamp %s
		OFFSET $2 LIMIT $3`, table, direction),
		symbol, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range: %w", err)
	}
	defer rows.Close()

	var candles []candle.Candle
	for rows.Next() {
		var c candle.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Median, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candle rows: %w", err)
	}

	return candles, nil
}

// LatestAtOrBefore returns the newest candle with timestamp <= ts, or nil.
func (p *Default) LatestAtOrBefore(ctx context.Context, symbol, timeframe string, ts time.Time) (*candle.Candle, error) {
	return p.queryOne(ctx, symbol, timeframe, `timestamp <= $2 ORDER BY timestamp DESC`, ts)
}

// OldestAfter returns the oldest candle with timestamp > ts, or nil.
func (p *Default) OldestAfter(ctx context.Context, symbol, timeframe string, ts time.Time) (*candle.Candle, error) {
	return p.queryOne(ctx, symbol, timeframe, `timestamp > $2 ORDER BY timestamp ASC`, ts)
}

func (p *Default) queryOne(ctx context.Context, symbol, timeframe, tail string, ts time.Time) (*candle.Candle, error) {
	table, err := candleTable(timeframe)
	if err != nil {
		return nil, err
	}

	rows, err := p.queryWithTransaction(ctx, fmt.Sprintf(`
		SELECT timestamp, open, high, low, close, median, volume
		FROM %s WHERE symbol=$1 AND %s LIMIT 1`, table, tail),
		symbol, ts.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query candle: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var c candle.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Median, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		return &c, nil
	}

	return nil, rows.Err()
}

// -------- journal.Journaler --------

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (id, time, type, description, data)
			VALUES ($1, $2, $3, $4, $5)`,
			event.ID, event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, time, type, description, data
		FROM events
		WHERE type=$1 AND time >= $2 AND time < $3
		ORDER BY time ASC`,
		eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.ID, &e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}

	return events, rows.Err()
}

// -------- order.Manager --------

func (p *Default) SaveOrder(ctx context.Context, o order.Response) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (order_id, status, filled_qty, avg_price, timestamp, symbol, side, type, price, quantity, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (order_id) DO UPDATE SET
				status=EXCLUDED.status, filled_qty=EXCLUDED.filled_qty, avg_price=EXCLUDED.avg_price,
				updated_at=EXCLUDED.updated_at`,
			o.OrderID, o.Status, o.FilledQty, o.AvgPrice, o.Timestamp.UTC(),
			o.Symbol, o.Side, o.Type, o.Price, o.Quantity, o.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to save order %s: %w", o.OrderID, err)
		}
		return nil
	})
}

func (p *Default) GetOrder(ctx context.Context, orderID string) (order.Response, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT order_id, status, filled_qty, avg_price, timestamp, symbol, side, type, price, quantity, updated_at
		FROM orders WHERE order_id=$1 LIMIT 1`, orderID)
	if err != nil {
		return order.Response{}, fmt.Errorf("failed to query order: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		var o order.Response
		if err := rows.Scan(&o.OrderID, &o.Status, &o.FilledQty, &o.AvgPrice, &o.Timestamp,
			&o.Symbol, &o.Side, &o.Type, &o.Price, &o.Quantity, &o.UpdatedAt); err != nil {
			return order.Response{}, fmt.Errorf("failed to scan order: %w", err)
		}
		return o, nil
	}

	return order.Response{}, fmt.Errorf("order %s not found", orderID)
}

func (p *Default) GetOpenOrders(ctx context.Context) ([]order.Response, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT order_id, status, filled_qty, avg_price, timestamp, symbol, side, type, price, quantity, updated_at
		FROM orders WHERE closed=FALSE ORDER BY timestamp ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Response
	for rows.Next() {
		var o order.Response
		if err := rows.Scan(&o.OrderID, &o.Status, &o.FilledQty, &o.AvgPrice, &o.Timestamp,
			&o.Symbol, &o.Side, &o.Type, &o.Price, &o.Quantity, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

func (p *Default) CloseOrder(ctx context.Context, orderID string) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET closed=TRUE WHERE order_id=$1`, orderID); err != nil {
			return fmt.Errorf("failed to close order %s: %w", orderID, err)
		}
		return nil
	})
}
