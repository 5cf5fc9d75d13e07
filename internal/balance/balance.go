// Package balance tracks per (coin, exchange) account funds and the
// client-side reservations (fund holds) taken against them. Balances are
// owned and mutated by the model loop; background refreshes produce snapshot
// balances that the loop merges in via Update.
package balance

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInsufficientFunds is returned when a hold is requested for more than the
// available balance. This is a recoverable condition at the call site, not a
// defect.
var ErrInsufficientFunds = errors.New("insufficient funds for hold")

// StillNeededFunc reports whether a hold is still required. Holds whose
// predicate returns false are pruned on the next Available or HeldForTrades
// read. Predicates must not call Available or HeldForTrades on the balance
// they are given.
type StillNeededFunc func(*Balance) bool

// FundHold is a reservation of balance against a pending, not-yet-confirmed
// trade.
type FundHold struct {
	ID          uuid.UUID
	Volume      float64
	StillNeeded StillNeededFunc
}

// Balance is the per (coin, exchange) accounting record.
type Balance struct {
	Coin     string
	Exchange string

	// Total is everything the exchange reports for the coin.
	Total float64
	// HeldOnExchange is the portion locked in open orders server-side.
	HeldOnExchange float64
	// Unconfirmed is deposited but not yet confirmed.
	Unconfirmed float64
	// PendingWithdraw is awaiting withdrawal processing.
	PendingWithdraw float64

	LastUpdated time.Time

	holds map[uuid.UUID]FundHold
	now   func() time.Time
}

// New creates an empty balance for a coin on an exchange.
func New(coin, exchange string) *Balance {
	return &Balance{
		Coin:     coin,
		Exchange: exchange,
		holds:    make(map[uuid.UUID]FundHold),
		now:      time.Now,
	}
}

// NewSnapshot creates a balance from a freshly fetched exchange record.
func NewSnapshot(coin, exchange string, total, heldOnExchange, unconfirmed, pendingWithdraw float64, lastUpdated time.Time) *Balance {
	b := New(coin, exchange)
	b.Total = total
	b.HeldOnExchange = heldOnExchange
	b.Unconfirmed = unconfirmed
	b.PendingWithdraw = pendingWithdraw
	b.LastUpdated = lastUpdated
	return b
}

// SetClock overrides the time source. Used by simulated/backtest clocks.
func (b *Balance) SetClock(now func() time.Time) {
	b.now = now
}

// Available returns the balance free for new trades:
// max(0, Total - HeldOnExchange - sum of live holds).
// Expired holds are pruned first.
func (b *Balance) Available() float64 {
	b.prune()
	v := b.Total - b.HeldOnExchange - b.holdSum()
	if v < 0 {
		return 0
	}
	return v
}

// HeldForTrades returns the volume locked server-side plus live client holds.
// Expired holds are pruned first.
func (b *Balance) HeldForTrades() float64 {
	b.prune()
	return b.HeldOnExchange + b.holdSum()
}

// Hold reserves 'volume' against this balance. With a nil predicate the hold
// remains needed until the balance has been refreshed at least once after the
// hold was taken (LastUpdated newer than the hold time).
func (b *Balance) Hold(volume float64, stillNeeded StillNeededFunc) (FundHold, error) {
	if avail := b.Available(); volume > avail {
		return FundHold{}, fmt.Errorf("hold %v %s on %s exceeds available %v: %w",
			volume, b.Coin, b.Exchange, avail, ErrInsufficientFunds)
	}
	if stillNeeded == nil {
		taken := b.now()
		stillNeeded = func(bb *Balance) bool { return !bb.LastUpdated.After(taken) }
	}
	h := FundHold{ID: uuid.New(), Volume: volume, StillNeeded: stillNeeded}
	b.holds[h.ID] = h
	return h, nil
}

// Release removes a hold by id. Releasing an unknown or already-released id
// is a no-op.
func (b *Balance) Release(id uuid.UUID) {
	delete(b.holds, id)
}

// Holds returns the live holds after pruning expired ones.
func (b *Balance) Holds() []FundHold {
	b.prune()
	out := make([]FundHold, 0, len(b.holds))
	for _, h := range b.holds {
		out = append(out, h)
	}
	return out
}

// Update replaces the account figures from a freshly fetched snapshot. Holds
// attached to the snapshot whose predicate still evaluates true are merged
// into the existing hold set, carrying server-side and client-side
// reservations forward across refreshes.
func (b *Balance) Update(snap *Balance) error {
	if snap.Coin != b.Coin {
		return fmt.Errorf("balance update coin mismatch: have %s, got %s", b.Coin, snap.Coin)
	}
	b.Total = snap.Total
	b.HeldOnExchange = snap.HeldOnExchange
	b.Unconfirmed = snap.Unconfirmed
	b.PendingWithdraw = snap.PendingWithdraw
	b.LastUpdated = snap.LastUpdated
	for id, h := range snap.holds {
		if h.StillNeeded == nil || h.StillNeeded(b) {
			b.holds[id] = h
		}
	}
	return nil
}

func (b *Balance) holdSum() float64 {
	sum := 0.0
	for _, h := range b.holds {
		sum += h.Volume
	}
	return sum
}

func (b *Balance) prune() {
	for id, h := range b.holds {
		if h.StillNeeded != nil && !h.StillNeeded(b) {
			delete(b.holds, id)
		}
	}
}
