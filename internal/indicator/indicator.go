// Package indicator computes the technical indicators the signal generator
// consumes: RSI, simple and exponential moving averages and rolling
// support/resistance levels.
package indicator

import "errors"

// ErrInsufficientData is returned when a series is shorter than the longest
// lookback an indicator needs. Callers treat it as "not ready" and skip.
var ErrInsufficientData = errors.New("insufficient data")

// MAType selects the moving average used for the trend filters.
type MAType string

const (
	SMA MAType = "sma"
	EMA MAType = "ema"
)
