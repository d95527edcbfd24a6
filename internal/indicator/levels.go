package indicator

import (
	"fmt"
	"slices"

	"github.com/amirphl/swing-trader/internal/candle"
)

// Levels returns support (lowest low) and resistance (highest high) over the
// trailing lookback candles.
func Levels(series candle.Series, lookback int) (support, resistance float64, err error) {
	if lookback <= 0 {
		return 0, 0, fmt.Errorf("invalid level lookback %d", lookback)
	}
	if series.Len() < lookback {
		return 0, 0, fmt.Errorf("levels(%d) got %d candles: %w", lookback, series.Len(), ErrInsufficientData)
	}
	window := series.Tail(lookback)
	return slices.Min(window.Lows()), slices.Max(window.Highs()), nil
}
