// Package order
package order

import (
	"context"
	"time"
)

// Request represents a new order to be submitted.
type Request struct {
	Symbol   string
	Side     string // "buy" or "sell"
	Type     string // "limit" or "market"
	Price    float64
	Quantity float64
}

// Response represents the exchange's view of a submitted order.
type Response struct {
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  float64
	Timestamp time.Time
	Symbol    string
	Side      string
	Type      string
	Price     float64
	Quantity  float64
	UpdatedAt time.Time
}

// IsOpen reports whether the order can still fill.
func (r Response) IsOpen() bool {
	switch r.Status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return false
	default:
		return true
	}
}

// Manager interface for managing order lifecycle in storage.
type Manager interface {
	SaveOrder(ctx context.Context, order Response) error
	GetOrder(ctx context.Context, orderID string) (Response, error)
	GetOpenOrders(ctx context.Context) ([]Response, error)
	CloseOrder(ctx context.Context, orderID string) error
}
