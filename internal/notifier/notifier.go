// Package notifier
package notifier

// Notifier interface for sending notifications (e.g., Telegram).
type Notifier interface {
	Send(msg string) error
	SendWithRetry(msg string) error
}

// Null is a notifier that discards everything. Used when no notification
// channel is configured.
type Null struct{}

func (Null) Send(string) error          { return nil }
func (Null) SendWithRetry(string) error { return nil }
