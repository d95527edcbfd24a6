// Package journal records what happened to positions, independent of the
// documents that hold their current state.
package journal

import (
	"context"
	"errors"
	"time"
)

// Event types written by the ledger.
const (
	TypeOpened   = "position_opened"
	TypeClosed   = "position_closed"
	TypeRejected = "position_rejected"
	TypeStops    = "stops_updated"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// Recorder accepts events.
type Recorder interface {
	LogEvent(ctx context.Context, event Event) error
}

// Journaler interface for journaling events.
type Journaler interface {
	Recorder
	GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]Event, error)
}

type tee []Recorder

// Tee fans an event out to every non-nil recorder and joins their errors.
func Tee(recorders ...Recorder) Recorder {
	out := make(tee, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (t tee) LogEvent(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range t {
		if err := r.LogEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
