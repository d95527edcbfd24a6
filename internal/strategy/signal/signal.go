package signal

import (
	"time"

	"github.com/amirphl/swing-trader/internal/indicator"
)

// Direction is the side of a signal or a position.
type Direction string

const (
	None  Direction = ""
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the other side; None stays None.
func (d Direction) Opposite() Direction {
	switch d {
	case Long:
		return Short
	case Short:
		return Long
	}
	return None
}

func (d Direction) String() string {
	if d == None {
		return "NONE"
	}
	return string(d)
}

type Signal struct {
	Time      time.Time          `json:"time"`
	Symbol    string             `json:"symbol"`
	Timeframe string             `json:"timeframe"`
	Direction Direction          `json:"direction"`
	Reason    string             `json:"reason"`
	Price     float64            `json:"price"`
	Snapshot  indicator.Snapshot `json:"snapshot"`
}

// IsActionable reports whether the signal asks for a position.
func (s Signal) IsActionable() bool { return s.Direction == Long || s.Direction == Short }
