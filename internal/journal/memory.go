package journal

import (
	"context"
	"sync"
)

// NewMemory returns a journal that keeps at most capacity entries in process,
// evicting the oldest first.
func NewMemory(capacity int) Journal {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryJournal{capacity: capacity}
}

type memoryJournal struct {
	mu       sync.RWMutex
	capacity int
	entries  []Entry
}

func (j *memoryJournal) Append(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry = normalize(entry)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	if overflow := len(j.entries) - j.capacity; overflow > 0 {
		j.entries = append([]Entry(nil), j.entries[overflow:]...)
	}
	return nil
}

func (j *memoryJournal) Recent(ctx context.Context, callID int64, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = normalizeLimit(limit)
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]Entry, 0, min(limit, len(j.entries)))
	for i := len(j.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if callID != 0 && j.entries[i].CallID != callID {
			continue
		}
		out = append(out, j.entries[i])
	}
	return out, nil
}
