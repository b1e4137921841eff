package resilience

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/propcollect/internal/model"
)

// DLQEntry is a failed item parked for later retry or inspection.
type DLQEntry struct {
	ID           string          `json:"id"`
	Item         model.RawRecord `json:"item"`
	ErrorType    ErrorClass      `json:"error_type"`
	ErrorMessage string          `json:"error_message"`
	AttemptCount int             `json:"attempt_count"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DLQFilter selects entries when listing.
type DLQFilter struct {
	ErrorType ErrorClass `json:"error_type,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// Retrier re-processes a parked item. On nil error the entry is removed.
type Retrier func(ctx context.Context, item model.RawRecord) error

// DLQ is a bounded FIFO ring of failed items. When full, the oldest entry
// is evicted to admit a new one. All operations are safe for concurrent use.
type DLQ struct {
	mu       sync.Mutex
	entries  []DLQEntry
	capacity int
}

// DefaultDLQCapacity bounds the queue when no capacity is configured.
const DefaultDLQCapacity = 1000

// NewDLQ creates a dead-letter queue with the given capacity.
func NewDLQ(capacity int) *DLQ {
	if capacity <= 0 {
		capacity = DefaultDLQCapacity
	}
	return &DLQ{capacity: capacity}
}

// Append parks a failed item. Evicts the oldest entry when at capacity.
func (q *DLQ) Append(item model.RawRecord, err error, attempts int) DLQEntry {
	entry := DLQEntry{
		ID:           uuid.New().String(),
		Item:         item,
		ErrorType:    Classify(err),
		ErrorMessage: err.Error(),
		AttemptCount: attempts,
		Timestamp:    time.Now().UTC(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	return entry
}

// List returns entries matching the filter, oldest first.
func (q *DLQ) List(filter DLQFilter) []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DLQEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if filter.ErrorType != "" && e.ErrorType != filter.ErrorType {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Size returns the current queue depth.
func (q *DLQ) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Retry re-processes the entry at index via the retrier. On success the
// entry is removed; on failure its attempt counter and error are updated.
func (q *DLQ) Retry(ctx context.Context, index int, retrier Retrier) error {
	q.mu.Lock()
	if index < 0 || index >= len(q.entries) {
		q.mu.Unlock()
		return eris.Errorf("dlq: index %d out of range", index)
	}
	entry := q.entries[index]
	q.mu.Unlock()

	// The retrier runs outside the lock: it may issue network and store I/O.
	err := retrier(ctx, entry.Item)

	q.mu.Lock()
	defer q.mu.Unlock()

	// Re-locate by ID; concurrent appends/evictions may have shifted indices.
	pos := -1
	for i, e := range q.entries {
		if e.ID == entry.ID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return err
	}

	if err == nil {
		q.entries = append(q.entries[:pos], q.entries[pos+1:]...)
		return nil
	}

	q.entries[pos].AttemptCount++
	q.entries[pos].ErrorMessage = err.Error()
	q.entries[pos].ErrorType = Classify(err)
	q.entries[pos].Timestamp = time.Now().UTC()
	return err
}

// RetryMatching retries every entry matching the filter. Returns how many
// entries were removed and how many remain parked after a failed retry.
func (q *DLQ) RetryMatching(ctx context.Context, filter DLQFilter, retrier Retrier) (succeeded, failed int) {
	for _, e := range q.List(filter) {
		idx := q.indexOf(e.ID)
		if idx < 0 {
			continue
		}
		if err := q.Retry(ctx, idx, retrier); err != nil {
			failed++
		} else {
			succeeded++
		}
	}
	return succeeded, failed
}

func (q *DLQ) indexOf(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Clear drops all entries.
func (q *DLQ) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}

// Export writes the queue contents as a JSON array to path. Called on
// integrator close so parked items survive the process.
func (q *DLQ) Export(path string) error {
	q.mu.Lock()
	entries := make([]DLQEntry, len(q.entries))
	copy(entries, q.entries)
	q.mu.Unlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return eris.Wrap(err, "dlq: marshal export")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrap(err, "dlq: write export")
	}
	return nil
}

// Import loads a previously exported JSON array, respecting capacity.
func (q *DLQ) Import(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, eris.Wrap(err, "dlq: read export")
	}
	var entries []DLQEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, eris.Wrap(err, "dlq: unmarshal export")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		if len(q.entries) >= q.capacity {
			q.entries = q.entries[1:]
		}
		q.entries = append(q.entries, e)
	}
	return len(entries), nil
}
