package indicator

import (
	"fmt"
	"math"
)

// CalculateSMA returns the simple moving average for every value, NaN until
// the window is full.
func CalculateSMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}

// CalculateEMA returns the exponential moving average for every value. The
// EMA is seeded with the SMA of the first window.
func CalculateEMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
		out[i] = math.NaN()
	}
	out[period-1] = seed / float64(period)
	k := 2 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// CalculateLastMA returns the latest moving average of the requested type.
func CalculateLastMA(values []float64, period int, maType MAType) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("invalid MA period %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("%s(%d) needs %d values, got %d: %w", maType, period, period, len(values), ErrInsufficientData)
	}
	var series []float64
	switch maType {
	case EMA:
		series = CalculateEMA(values, period)
	case SMA, "":
		// SMA only needs the trailing window
		var sum float64
		for _, v := range values[len(values)-period:] {
			sum += v
		}
		return sum / float64(period), nil
	default:
		return 0, fmt.Errorf("unknown moving average type %q", maType)
	}
	return series[len(series)-1], nil
}
