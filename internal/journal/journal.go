// Package journal
package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a journaled event.
type Event struct {
	ID          uuid.UUID
	Time        time.Time
	Type        string // e.g., "order", "hold", "integration", "error"
	Description string
	Data        map[string]any
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}
