package db

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amirphl/swing-trader/internal/journal"
)

const (
	stateFile  = "state.json"
	eventsFile = "events.jsonl"
)

// FileStorage keeps every document in one JSON file under dir, so a batch
// lands with a single rename, and appends journal events to a JSON-lines
// file.
type FileStorage struct {
	dir string
	mu  sync.Mutex
	// docs mirrors what was last committed to stateFile.
	docs map[Kind]json.RawMessage
}

func NewFile(dir string) (*FileStorage, error) {
	if dir == "" {
		return nil, errors.New("empty storage directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	f := &FileStorage{dir: dir, docs: make(map[Kind]json.RawMessage)}
	data, err := os.ReadFile(f.statePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", stateFile, err)
	case len(data) > 0:
		if err := json.Unmarshal(data, &f.docs); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", stateFile, err)
		}
	}
	return f, nil
}

func (f *FileStorage) statePath() string {
	return filepath.Join(f.dir, stateFile)
}

func (f *FileStorage) Load(ctx context.Context, kind Kind) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[kind]
	if !ok || len(doc) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (f *FileStorage) Save(ctx context.Context, kind Kind, doc []byte) error {
	return f.SaveBatch(ctx, map[Kind][]byte{kind: doc})
}

// SaveBatch merges docs into the stored set and commits the whole set with
// one rename. On any failure neither the file nor the in-memory copy change.
func (f *FileStorage) SaveBatch(ctx context.Context, docs map[Kind][]byte) error {
	if len(docs) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[Kind]json.RawMessage, len(f.docs)+len(docs))
	for k, v := range f.docs {
		next[k] = v
	}
	for k, doc := range docs {
		if !json.Valid(doc) {
			return fmt.Errorf("failed to save %s: document is not valid JSON", k)
		}
		next[k] = append(json.RawMessage(nil), doc...)
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := writeAtomic(f.statePath(), data); err != nil {
		return err
	}
	f.docs = next
	return nil
}

// writeAtomic writes data to a synced temp file and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (f *FileStorage) LogEvent(ctx context.Context, event journal.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(filepath.Join(f.dir, eventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open events file: %w", err)
	}
	defer file.Close()
	_, err = file.Write(append(line, '\n'))
	return err
}

func (f *FileStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.Open(filepath.Join(f.dir, eventsFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []journal.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e journal.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip torn lines
		}
		if eventType != "" && e.Type != eventType {
			continue
		}
		if (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}

func (f *FileStorage) Close() error { return nil }
