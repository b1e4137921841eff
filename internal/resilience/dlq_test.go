package resilience

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sells-group/propcollect/internal/model"
)

func rawItem(id string) model.RawRecord {
	return model.RawRecord{Source: "assessor", ID: id, Payload: []byte(`{}`)}
}

func TestDLQ_AppendAndList(t *testing.T) {
	q := NewDLQ(10)

	q.Append(rawItem("a"), &HTTPStatusError{StatusCode: 404, URL: "http://x"}, 1)
	q.Append(rawItem("b"), errors.New("connection refused"), 3)

	all := q.List(DLQFilter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Item.ID != "a" {
		t.Errorf("expected FIFO order, got %s first", all[0].Item.ID)
	}
	if all[0].ErrorType != ClassPermanent {
		t.Errorf("expected PERMANENT, got %s", all[0].ErrorType)
	}
	if all[0].AttemptCount != 1 {
		t.Errorf("expected attempt=1, got %d", all[0].AttemptCount)
	}

	network := q.List(DLQFilter{ErrorType: ClassNetwork})
	if len(network) != 1 || network[0].Item.ID != "b" {
		t.Errorf("filter by error type failed: %+v", network)
	}
}

func TestDLQ_CapacityEvictsOldest(t *testing.T) {
	q := NewDLQ(3)
	for i := 0; i < 5; i++ {
		q.Append(rawItem(fmt.Sprintf("item-%d", i)), errors.New("fail"), 1)
	}

	if q.Size() != 3 {
		t.Fatalf("expected size capped at 3, got %d", q.Size())
	}
	entries := q.List(DLQFilter{})
	if entries[0].Item.ID != "item-2" {
		t.Errorf("expected oldest evicted, first is %s", entries[0].Item.ID)
	}
}

func TestDLQ_RetrySuccessRemoves(t *testing.T) {
	q := NewDLQ(10)
	q.Append(rawItem("a"), errors.New("fail"), 1)

	err := q.Retry(context.Background(), 0, func(_ context.Context, item model.RawRecord) error {
		if item.ID != "a" {
			t.Errorf("retrier got wrong item: %s", item.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected retry error: %v", err)
	}
	if q.Size() != 0 {
		t.Errorf("expected entry removed after successful retry, size=%d", q.Size())
	}
}

func TestDLQ_RetryFailureUpdatesCounters(t *testing.T) {
	q := NewDLQ(10)
	q.Append(rawItem("a"), errors.New("fail"), 1)

	retryErr := errors.New("connection refused")
	err := q.Retry(context.Background(), 0, func(_ context.Context, _ model.RawRecord) error {
		return retryErr
	})
	if err == nil {
		t.Fatal("expected retry error")
	}

	entries := q.List(DLQFilter{})
	if len(entries) != 1 {
		t.Fatalf("entry should remain, got %d", len(entries))
	}
	if entries[0].AttemptCount != 2 {
		t.Errorf("expected attempt=2, got %d", entries[0].AttemptCount)
	}
	if entries[0].ErrorType != ClassNetwork {
		t.Errorf("expected reclassified NETWORK, got %s", entries[0].ErrorType)
	}
}

func TestDLQ_RetryOutOfRange(t *testing.T) {
	q := NewDLQ(10)
	if err := q.Retry(context.Background(), 0, nil); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestDLQ_ExportImportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.json")

	q := NewDLQ(10)
	q.Append(rawItem("a"), errors.New("fail one"), 1)
	q.Append(rawItem("b"), errors.New("fail two"), 2)
	if err := q.Export(path); err != nil {
		t.Fatalf("export: %v", err)
	}

	q2 := NewDLQ(10)
	n, err := q2.Import(path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 || q2.Size() != 2 {
		t.Errorf("expected 2 imported, got n=%d size=%d", n, q2.Size())
	}
	if q2.List(DLQFilter{})[1].Item.ID != "b" {
		t.Error("import lost ordering")
	}
}

func TestDLQ_Clear(t *testing.T) {
	q := NewDLQ(10)
	q.Append(rawItem("a"), errors.New("fail"), 1)
	q.Clear()
	if q.Size() != 0 {
		t.Errorf("expected empty after clear, got %d", q.Size())
	}
}

func TestDLQ_ConcurrentAppend(t *testing.T) {
	q := NewDLQ(50)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			q.Append(rawItem(fmt.Sprintf("c-%d", n)), errors.New("fail"), 1)
		}(i)
	}
	wg.Wait()
	if q.Size() != 50 {
		t.Errorf("expected size capped at 50, got %d", q.Size())
	}
}
