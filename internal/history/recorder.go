// internal/history/recorder.go
// Package history persists one append-only record per terminal job
// outcome. Recording is a best-effort side channel: failures are logged
// and swallowed, and never affect the response already sent to the
// caller. Entries are never updated or deleted.
package history

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AppleLamps/zapp/internal/model"
)

// Recorder defines the history operations required by the proxy.
// Implemented by both the in-memory and PostgreSQL backends.
type Recorder interface {
	// Record inserts one entry and returns its id.
	Record(ctx context.Context, entry model.HistoryEntry) (int64, error)
	// List returns the most recent entries visible to subject, newest
	// first. Anonymous entries match when their stored IP equals subject.
	List(ctx context.Context, subject string, limit int) ([]model.HistoryListItem, error)
	// Close releases any resources held by the recorder.
	Close()
}

// RecordAsync fires Record on its own goroutine with a fresh deadline,
// detached from the request that produced the outcome. Errors are logged
// and dropped.
func RecordAsync(rec Recorder, entry model.HistoryEntry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := rec.Record(ctx, entry); err != nil {
			slog.Warn("failed to record history entry", "provider", entry.Provider, "mode", entry.Mode, "error", err)
		}
	}()
}

// memory implements Recorder in process. It's intended for development
// and testing.
type memory struct {
	mu      sync.RWMutex
	nextID  int64
	entries []model.HistoryEntry
}

// NewMemory creates a new in-memory recorder.
func NewMemory() Recorder {
	return &memory{nextID: 1}
}

// Close is a no-op for the in-memory recorder.
func (m *memory) Close() {}

func (m *memory) Record(_ context.Context, entry model.HistoryEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.ID = m.nextID
	m.nextID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, entry)
	return entry.ID, nil
}

func (m *memory) List(_ context.Context, subject string, limit int) ([]model.HistoryListItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []model.HistoryEntry
	for _, e := range m.entries {
		owner := ""
		if e.UserID != nil {
			owner = *e.UserID
		} else if e.IP != nil {
			owner = *e.IP
		}
		if owner == subject {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]model.HistoryListItem, len(matched))
	for i, e := range matched {
		result[i] = model.HistoryListItem{
			ID:              e.ID,
			CreatedAt:       e.CreatedAt,
			Provider:        e.Provider,
			Mode:            e.Mode,
			ModelOrEndpoint: e.ModelOrEndpoint,
			Prompt:          e.Prompt,
			ResultURLs:      e.ResultURLs,
		}
	}
	return result, nil
}
