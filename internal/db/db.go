// Package db
package db

import (
	"context"
	"errors"

	"github.com/amirphl/swing-trader/internal/journal"
)

// Kind names one of the persisted documents.
type Kind string

const (
	KindOpenPositions   Kind = "open_positions"
	KindClosedPositions Kind = "closed_positions"
	KindBalance         Kind = "balance"
	KindSettings        Kind = "settings"
)

// ErrNotFound is returned by Load when a document was never saved.
var ErrNotFound = errors.New("document not found")

// DocumentStore persists small JSON documents by kind.
type DocumentStore interface {
	Load(ctx context.Context, kind Kind) ([]byte, error)
	Save(ctx context.Context, kind Kind, doc []byte) error
	// SaveBatch writes several documents as one unit where the backend
	// supports it.
	SaveBatch(ctx context.Context, docs map[Kind][]byte) error
}

// Transactor runs fn inside one backend transaction. Store and journal
// calls made with the ctx handed to fn join it; an error from fn rolls
// everything back.
type Transactor interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Storage is the interface for all persistent storage.
type Storage interface {
	DocumentStore
	journal.Journaler
	Close() error
}
