// Package candle
package candle

import (
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/swing-trader/internal/tfutils"
)

type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
}

// IsComplete checks if a candle is complete (its period has ended)
func (c *Candle) IsComplete() bool {
	candleEnd := c.Timestamp.Add(tfutils.GetTimeframeDuration(c.Timeframe))
	return !time.Now().UTC().Before(candleEnd)
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
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	if c.Symbol == "" {
		return errors.New("candle symbol cannot be empty")
	}
	if c.Timeframe == "" {
		return errors.New("candle timeframe cannot be empty")
	}
	return nil
}

// Series is an ascending, fixed-timeframe run of candles as returned by a
// single fetch. It is never mutated after construction.
type Series []Candle

// NewSeries validates ordering and returns the candles as a Series.
func NewSeries(candles []Candle) (Series, error) {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return nil, fmt.Errorf("candles not ascending at index %d (%s <= %s)",
				i, candles[i].Timestamp.Format(time.RFC3339), candles[i-1].Timestamp.Format(time.RFC3339))
		}
		if candles[i].Timeframe != candles[0].Timeframe {
			return nil, fmt.Errorf("mixed timeframes in series: %s and %s", candles[0].Timeframe, candles[i].Timeframe)
		}
	}
	return Series(candles), nil
}

func (s Series) Len() int { return len(s) }

// Last returns the most recent candle. It panics on an empty series.
func (s Series) Last() Candle { return s[len(s)-1] }

// Tail returns the trailing n candles (or the whole series when shorter).
func (s Series) Tail(n int) Series {
	if n >= len(s) || n <= 0 {
		return s
	}
	return s[len(s)-n:]
}

// Completed drops a trailing candle whose period has not ended yet, as
// exchanges return the forming candle last.
func (s Series) Completed() Series {
	if n := len(s); n > 0 && !s[n-1].IsComplete() {
		return s[:n-1]
	}
	return s
}

func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

func (s Series) Highs() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.High
	}
	return out
}

func (s Series) Lows() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Low
	}
	return out
}
