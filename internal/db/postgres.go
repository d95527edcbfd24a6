package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/swing-trader/internal/db/conf"
	"github.com/amirphl/swing-trader/internal/journal"
	_ "github.com/lib/pq"
)

// Schema is applied by EnsureSchema on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS documents (
	kind       TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS events (
	id          BIGSERIAL PRIMARY KEY,
	time        TIMESTAMPTZ NOT NULL,
	type        TEXT NOT NULL,
	description TEXT NOT NULL,
	data        JSONB
);
CREATE INDEX IF NOT EXISTS events_type_time_idx ON events (type, time);
`

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction uses the transaction found in ctx, or opens, commits
// and rolls back its own.
func (p *Postgres) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

func (p *Postgres) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

func (p *Postgres) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// Postgres stores documents and journal events in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

func New(c conf.Config) (*Postgres, error) {
	if c.DB == nil {
		return nil, errors.New("nil database handle")
	}
	return &Postgres{db: c.DB}, nil
}

// InTransaction implements Transactor. A ctx that already carries a
// transaction is reused.
func (p *Postgres) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		return fn(WithTransaction(ctx, tx))
	})
}

// EnsureSchema creates the tables when they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context, kind Kind) ([]byte, error) {
	var body []byte
	err := p.queryRowWithTransaction(ctx, `SELECT body FROM documents WHERE kind=$1`, string(kind)).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load %s: %w", kind, err)
	}
	return body, nil
}

func (p *Postgres) Save(ctx context.Context, kind Kind, doc []byte) error {
	return p.SaveBatch(ctx, map[Kind][]byte{kind: doc})
}

func (p *Postgres) SaveBatch(ctx context.Context, docs map[Kind][]byte) error {
	if len(docs) == 0 {
		return nil
	}
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		for kind, doc := range docs {
			_, err := tx.ExecContext(ctx, `
			INSERT INTO documents (kind, body, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (kind) DO UPDATE SET body=EXCLUDED.body, updated_at=EXCLUDED.updated_at`,
				string(kind), doc, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("failed to save %s: %w", kind, err)
			}
		}
		return nil
	})
}

func (p *Postgres) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time, event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

// GetEvents returns events in [start, end). An empty eventType matches all.
func (p *Postgres) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
	SELECT time, type, description, data FROM events
	WHERE ($1 = '' OR type = $1) AND time >= $2 AND time < $3
	ORDER BY time ASC, id ASC`, eventType, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
