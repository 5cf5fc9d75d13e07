// Package candle
package candle

import (
	"errors"
	"time"
)

// Candle is one OHLC+volume sample for a time-frame bucket. Candles are
// immutable once created; within an instrument they are ordered by strictly
// increasing timestamp.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Median    float64   `json:"median"`
	Volume    float64   `json:"volume"`
}

// Default is the sentinel candle returned when an instrument has no data.
var Default = Candle{}

// IsDefault reports whether c is the no-data sentinel.
func (c Candle) IsDefault() bool {
	return c.Timestamp.IsZero() && c.Open == 0 && c.High == 0 && c.Low == 0 && c.Close == 0
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	if c.Median != 0 && (c.Median < c.Low || c.Median > c.High) {
		return errors.New("candle median price must be between high and low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	return nil
}
