// Package order
package order

import (
	"strings"
	"time"

	"github.com/amirphl/swing-trader/internal/strategy/signal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Upper() string { return strings.ToUpper(string(s)) }

// EntrySide is the side that opens a position in the given direction.
func EntrySide(d signal.Direction) Side {
	if d == signal.Short {
		return Sell
	}
	return Buy
}

// ExitSide is the opposing side that flattens a position.
func ExitSide(d signal.Direction) Side {
	if d == signal.Short {
		return Buy
	}
	return Sell
}

// OrderRequest represents a market order to be submitted.
type OrderRequest struct {
	Symbol   string
	Side     Side
	Quantity float64
}

// OrderResponse represents the response from the exchange.
type OrderResponse struct {
	OrderID   string
	Status    string
	FilledQty float64
	AvgPrice  float64
	Timestamp time.Time
	Symbol    string
	Side      Side
	Quantity  float64
}

// Filled reports whether the exchange confirmed any execution: a filled
// status, or a non-zero executed quantity whatever the status says.
func (r OrderResponse) Filled() bool {
	switch strings.ToUpper(r.Status) {
	case "FILLED", "PARTIALLY_FILLED", "DONE":
		return true
	}
	return r.FilledQty > 0
}
