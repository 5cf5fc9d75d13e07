package db

import (
	"database/sql"

	"github.com/psryland/coinflip-core/internal/candle"
	"github.com/psryland/coinflip-core/internal/journal"
	"github.com/psryland/coinflip-core/internal/order"
)

// Storage is the interface for all persistent storage.
type Storage interface {
	GetDB() *sql.DB
	candle.Store
	journal.Journaler
	order.Manager
}
