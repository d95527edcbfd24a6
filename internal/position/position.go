// Package position holds the Position record, the virtual balance and the
// Ledger that owns both.
package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Close reasons.
const (
	ReasonStopLoss     = "Hit SL"
	ReasonTakeProfit   = "Hit TP"
	ReasonTrailingStop = "Hit trailing stop"
	ReasonOpposite     = "opposite signal"
	ReasonManual       = "Manual close"
)

type Position struct {
	ID        uuid.UUID        `json:"id"`
	Symbol    string           `json:"symbol"`
	Timeframe string           `json:"timeframe"`
	Direction signal.Direction `json:"direction"`

	EntryPrice      float64 `json:"entry_price"`
	StopLoss        float64 `json:"stop_loss"`
	TakeProfit      float64 `json:"take_profit"`
	InitialStopLoss float64 `json:"initial_stop_loss"`
	// TrailSteps counts the trailing ratchets already applied.
	TrailSteps int `json:"trail_steps"`

	InvestedAmount decimal.Decimal `json:"invested_amount"`
	Leverage       int             `json:"leverage"`
	OpenedAt       time.Time       `json:"opened_at"`
	Reason         string          `json:"reason"`
	Status         Status          `json:"status"`
	IsReal         bool            `json:"is_real"`
	OrderRef       string          `json:"order_ref,omitempty"`
	Quantity       float64         `json:"quantity,omitempty"`

	ExitPrice   float64         `json:"exit_price,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
	PnLPercent  float64         `json:"pnl_percent,omitempty"`
	PnLCash     decimal.Decimal `json:"pnl_cash"`
	CloseReason string          `json:"close_reason,omitempty"`
}

func (p Position) IsOpen() bool { return p.Status == StatusOpen }

// Trailed reports whether the stop has been ratcheted at least once.
func (p Position) Trailed() bool { return p.TrailSteps > 0 }

// Unrealized returns the percent move in the position's favour at price.
func (p Position) Unrealized(price float64) float64 {
	return PnLPercent(p.Direction, p.EntryPrice, price)
}

// PnLPercent is the directional price change from entry to exit, in percent.
func PnLPercent(dir signal.Direction, entry, exit float64) float64 {
	if entry == 0 {
		return 0
	}
	pct := (exit - entry) * 100 / entry
	if dir == signal.Short {
		return -pct
	}
	return pct
}

// PnL applies the linear leveraged model: cash = invest * leverage * pct / 100.
// The loss is floored at the invested margin.
func PnL(dir signal.Direction, entry, exit float64, invest decimal.Decimal, leverage int) (float64, decimal.Decimal) {
	pct := PnLPercent(dir, entry, exit)
	cash := invest.
		Mul(decimal.NewFromInt(int64(leverage))).
		Mul(decimal.NewFromFloat(pct)).
		Div(decimal.NewFromInt(100)).
		Round(8)
	if floor := invest.Neg(); cash.LessThan(floor) {
		cash = floor
	}
	return pct, cash
}

// Levels returns stop-loss and take-profit prices for a fresh position.
func Levels(dir signal.Direction, entry, slPercent, tpPercent float64) (stop, take float64) {
	sl := entry * slPercent / 100
	tp := entry * tpPercent / 100
	if dir == signal.Short {
		return entry + sl, entry - tp
	}
	return entry - sl, entry + tp
}
