package indicator

import (
	"fmt"
	"time"

	"github.com/amirphl/swing-trader/internal/candle"
)

// Params configures the lookbacks of every indicator in a Snapshot.
type Params struct {
	RSIPeriod     int    `yaml:"rsi_period"`
	FastPeriod    int    `yaml:"fast_period"`
	SlowPeriod    int    `yaml:"slow_period"`
	LevelLookback int    `yaml:"level_lookback"`
	MAType        MAType `yaml:"ma_type"`
}

func DefaultParams() Params {
	return Params{
		RSIPeriod:     14,
		FastPeriod:    50,
		SlowPeriod:    200,
		LevelLookback: 50,
		MAType:        SMA,
	}
}

// MinCandles is the shortest series Compute accepts.
func (p Params) MinCandles() int {
	n := p.RSIPeriod + 1
	for _, v := range []int{p.FastPeriod, p.SlowPeriod, p.LevelLookback} {
		if v > n {
			n = v
		}
	}
	return n
}

// Snapshot is the read-only indicator view of the latest candle. It is
// recomputed every cycle and never cached.
type Snapshot struct {
	Time       time.Time `json:"time"`
	Price      float64   `json:"price"`
	RSI        float64   `json:"rsi"`
	FastMA     float64   `json:"fast_ma"`
	SlowMA     float64   `json:"slow_ma"`
	Support    float64   `json:"support"`
	Resistance float64   `json:"resistance"`
}

// Uptrend reports whether the fast moving average is above the slow one.
// This crossover convention is the only trend definition used anywhere.
func (s Snapshot) Uptrend() bool { return s.FastMA > s.SlowMA }

// Downtrend reports whether the fast moving average is below the slow one.
func (s Snapshot) Downtrend() bool { return s.FastMA < s.SlowMA }

func (s Snapshot) String() string {
	return fmt.Sprintf("price=%.6g rsi=%.2f fast=%.6g slow=%.6g support=%.6g resistance=%.6g",
		s.Price, s.RSI, s.FastMA, s.SlowMA, s.Support, s.Resistance)
}

// Compute builds the Snapshot for the most recent candle of the series.
// A series shorter than p.MinCandles() yields ErrInsufficientData.
func Compute(series candle.Series, p Params) (Snapshot, error) {
	if need := p.MinCandles(); series.Len() < need {
		return Snapshot{}, fmt.Errorf("need %d candles, got %d: %w", need, series.Len(), ErrInsufficientData)
	}

	closes := series.Closes()
	rsi, err := CalculateLastRSI(closes, p.RSIPeriod)
	if err != nil {
		return Snapshot{}, err
	}
	fast, err := CalculateLastMA(closes, p.FastPeriod, p.MAType)
	if err != nil {
		return Snapshot{}, err
	}
	slow, err := CalculateLastMA(closes, p.SlowPeriod, p.MAType)
	if err != nil {
		return Snapshot{}, err
	}
	support, resistance, err := Levels(series, p.LevelLookback)
	if err != nil {
		return Snapshot{}, err
	}

	last := series.Last()
	return Snapshot{
		Time:       last.Timestamp,
		Price:      last.Close,
		RSI:        rsi,
		FastMA:     fast,
		SlowMA:     slow,
		Support:    support,
		Resistance: resistance,
	}, nil
}
