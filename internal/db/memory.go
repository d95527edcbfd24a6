package db

import (
	"context"
	"sync"
	"time"

	"github.com/amirphl/swing-trader/internal/journal"
)

// MemoryStorage keeps documents and events in process memory. Used by tests
// and by dry runs that must not touch disk.
type MemoryStorage struct {
	mu     sync.RWMutex
	docs   map[Kind][]byte
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		docs:   make(map[Kind][]byte),
		events: make([]journal.Event, 0, 64),
	}
}

func (m *MemoryStorage) Load(ctx context.Context, kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[kind]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (m *MemoryStorage) Save(ctx context.Context, kind Kind, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[kind] = append([]byte(nil), doc...)
	return nil
}

func (m *MemoryStorage) SaveBatch(ctx context.Context, docs map[Kind][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, doc := range docs {
		m.docs[k] = append([]byte(nil), doc...)
	}
	return nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []journal.Event
	for _, e := range m.events {
		if eventType != "" && e.Type != eventType {
			continue
		}
		if (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStorage) Close() error { return nil }
