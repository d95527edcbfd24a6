// Package strategy
package strategy

import (
	"fmt"
	"math"

	"github.com/amirphl/swing-trader/internal/indicator"
	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

// Rules holds the RSI thresholds and level tolerance of the generator.
type Rules struct {
	Oversold        float64 `yaml:"oversold"`
	Overbought      float64 `yaml:"overbought"`
	LevelOversold   float64 `yaml:"level_oversold"`
	LevelOverbought float64 `yaml:"level_overbought"`
	// LevelTolerancePercent is the relative distance (in percent) from a
	// level within which price counts as "at" the level.
	LevelTolerancePercent float64 `yaml:"level_tolerance_percent"`
}

func DefaultRules() Rules {
	return Rules{
		Oversold:              30,
		Overbought:            70,
		LevelOversold:         40,
		LevelOverbought:       60,
		LevelTolerancePercent: 0.5,
	}
}

// Decision is the outcome of one evaluation. Candidate is the direction a
// rule produced before the trend veto; Direction is what survives it.
type Decision struct {
	Direction signal.Direction
	Candidate signal.Direction
	Reason    string
	Vetoed    bool
}

// Generator turns an indicator snapshot into a directional decision. It has
// no state: the same snapshot always yields the same decision.
type Generator struct {
	rules Rules
}

func NewGenerator(rules Rules) Generator {
	return Generator{rules: rules}
}

func (g Generator) Rules() Rules { return g.rules }

// Decide applies, in order: the strong reversal rule, the level-proximity
// rule, then the trend veto on whichever candidate fired.
func (g Generator) Decide(s indicator.Snapshot) Decision {
	candidate, reason := g.reversal(s)
	if candidate == signal.None {
		candidate, reason = g.levelProximity(s)
	}
	if candidate == signal.None {
		return Decision{Reason: "no rule matched"}
	}

	switch {
	case candidate == signal.Long && !s.Uptrend():
		return Decision{
			Candidate: candidate,
			Vetoed:    true,
			Reason:    fmt.Sprintf("%s; vetoed: fast MA %.6g not above slow MA %.6g", reason, s.FastMA, s.SlowMA),
		}
	case candidate == signal.Short && !s.Downtrend():
		return Decision{
			Candidate: candidate,
			Vetoed:    true,
			Reason:    fmt.Sprintf("%s; vetoed: fast MA %.6g not below slow MA %.6g", reason, s.FastMA, s.SlowMA),
		}
	}
	return Decision{Direction: candidate, Candidate: candidate, Reason: reason}
}

// Generate wraps Decide into a Signal for the given pair.
func (g Generator) Generate(symbol, timeframe string, s indicator.Snapshot) signal.Signal {
	d := g.Decide(s)
	return signal.Signal{
		Time:      s.Time,
		Symbol:    symbol,
		Timeframe: timeframe,
		Direction: d.Direction,
		Reason:    d.Reason,
		Price:     s.Price,
		Snapshot:  s,
	}
}

func (g Generator) reversal(s indicator.Snapshot) (signal.Direction, string) {
	if s.RSI < g.rules.Oversold && s.Price > s.SlowMA {
		return signal.Long, fmt.Sprintf("RSI %.2f oversold + above long trend (price %.6g > slow MA %.6g)", s.RSI, s.Price, s.SlowMA)
	}
	if s.RSI > g.rules.Overbought && s.Price < s.SlowMA {
		return signal.Short, fmt.Sprintf("RSI %.2f overbought + below long trend (price %.6g < slow MA %.6g)", s.RSI, s.Price, s.SlowMA)
	}
	return signal.None, ""
}

func (g Generator) levelProximity(s indicator.Snapshot) (signal.Direction, string) {
	if near(s.Price, s.Support, g.rules.LevelTolerancePercent) && s.RSI < g.rules.LevelOversold && s.Price > s.SlowMA {
		return signal.Long, fmt.Sprintf("price %.6g at support %.6g, RSI %.2f, above slow MA %.6g", s.Price, s.Support, s.RSI, s.SlowMA)
	}
	if near(s.Price, s.Resistance, g.rules.LevelTolerancePercent) && s.RSI > g.rules.LevelOverbought && s.Price < s.SlowMA {
		return signal.Short, fmt.Sprintf("price %.6g at resistance %.6g, RSI %.2f, below slow MA %.6g", s.Price, s.Resistance, s.RSI, s.SlowMA)
	}
	return signal.None, ""
}

func near(price, level, tolerancePercent float64) bool {
	if level <= 0 {
		return false
	}
	return math.Abs(price-level)/level <= tolerancePercent/100
}
