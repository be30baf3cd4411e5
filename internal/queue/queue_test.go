package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/store"
)

func newTestQueue(t *testing.T, path string) (*Queue, *store.Store) {
	t.Helper()
	localStore, err := store.New(store.Config{Path: path})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	t.Cleanup(func() {
		_ = localStore.Close()
	})
	syncQueue, err := New(localStore, nil)
	if err != nil {
		t.Fatalf("failed to construct queue: %v", err)
	}
	return syncQueue, localStore
}

func appendEntries(t *testing.T, localStore *store.Store, syncQueue *Queue, entries ...Entry) {
	t.Helper()
	err := localStore.Update(context.Background(), func(tx *store.Tx) error {
		for _, entry := range entries {
			if err := syncQueue.Append(tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func listEntries(t *testing.T, syncQueue *Queue) []Entry {
	t.Helper()
	entries, err := syncQueue.List(context.Background())
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	return entries
}

func TestAppendAndListChronologically(t *testing.T) {
	syncQueue, localStore := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	appendEntries(t, localStore, syncQueue,
		Entry{Operation: records.OperationUpdate, Type: records.EntityTypeProduct, EntityID: "p1", Data: json.RawMessage(`{"id":"p1"}`), Timestamp: 20},
		Entry{Operation: records.OperationCreate, Type: records.EntityTypeProduct, EntityID: "p1", Data: json.RawMessage(`{"id":"p1"}`), Timestamp: 10},
		Entry{Operation: records.OperationDelete, Type: records.EntityTypeSupplier, EntityID: "s1", Timestamp: 15},
	)

	entries := listEntries(t, syncQueue)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	expectedIDs := []string{"products-p1-10", "suppliers-s1-15", "products-p1-20"}
	for index, expected := range expectedIDs {
		if entries[index].ID != expected {
			t.Fatalf("position %d: expected %s, got %s", index, expected, entries[index].ID)
		}
	}
	if string(entries[1].Data) != `{"id":"s1"}` {
		t.Fatalf("expected id-only delete payload, got %s", entries[1].Data)
	}
	if got := syncQueue.Count(ctx); got != 3 {
		t.Fatalf("expected count 3, got %d", got)
	}
	if entries[0].Operation != records.OperationCreate || entries[1].Type != records.EntityTypeSupplier {
		t.Fatalf("expected decoded operation and type, got %#v", entries)
	}
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	syncQueue, localStore := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	appendEntries(t, localStore, syncQueue,
		Entry{Operation: records.OperationCreate, Type: records.EntityTypeProduct, EntityID: "p1", Timestamp: 10},
	)
	err := localStore.Update(ctx, func(tx *store.Tx) error {
		return syncQueue.Append(tx, Entry{Operation: records.OperationCreate, Type: records.EntityTypeProduct, EntityID: "p1", Timestamp: 10})
	})
	if err == nil {
		t.Fatalf("expected duplicate entry id to fail")
	}
	if got := syncQueue.Count(ctx); got != 1 {
		t.Fatalf("expected 1 entry after failed append, got %d", got)
	}
}

func TestRemoveThroughKeepsLaterEntries(t *testing.T) {
	syncQueue, localStore := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	appendEntries(t, localStore, syncQueue,
		Entry{Operation: records.OperationCreate, Type: records.EntityTypeProduct, EntityID: "p1", Timestamp: 10},
		Entry{Operation: records.OperationUpdate, Type: records.EntityTypeProduct, EntityID: "p1", Timestamp: 20},
		Entry{Operation: records.OperationUpdate, Type: records.EntityTypeProduct, EntityID: "p1", Timestamp: 30},
		Entry{Operation: records.OperationCreate, Type: records.EntityTypeProduct, EntityID: "p2", Timestamp: 5},
	)

	through := records.Stamp{Modified: 20, Key: EntryID(records.EntityTypeProduct, "p1", 20)}
	err := localStore.Update(ctx, func(tx *store.Tx) error {
		return syncQueue.RemoveThrough(tx, records.EntityTypeProduct, "p1", through)
	})
	if err != nil {
		t.Fatalf("remove through failed: %v", err)
	}

	remaining := listEntries(t, syncQueue)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 entries, got %#v", remaining)
	}
	if remaining[0].EntityID != "p2" || remaining[1].Timestamp != 30 {
		t.Fatalf("unexpected remaining entries %#v", remaining)
	}

	err = localStore.Update(ctx, func(tx *store.Tx) error {
		if err := syncQueue.RemoveForEntity(tx, records.EntityTypeProduct, "p1"); err != nil {
			return err
		}
		return syncQueue.RemoveForEntity(tx, records.EntityTypeProduct, "p2")
	})
	if err != nil {
		t.Fatalf("remove for entity failed: %v", err)
	}
	if got := syncQueue.Count(ctx); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

func TestEntriesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	syncQueue, localStore := newTestQueue(t, path)
	appendEntries(t, localStore, syncQueue,
		Entry{Operation: records.OperationCreate, Type: records.EntityTypeStockItem, EntityID: "i1", Data: json.RawMessage(`{"id":"i1"}`), Timestamp: 42},
	)
	if err := localStore.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, _ := newTestQueue(t, path)
	entries := listEntries(t, reopened)
	if len(entries) != 1 || entries[0].ID != "stock_items-i1-42" {
		t.Fatalf("expected entry to survive reopen, got %#v", entries)
	}
}

func TestListSkipsUnreadableRows(t *testing.T) {
	syncQueue, localStore := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	ctx := context.Background()

	appendEntries(t, localStore, syncQueue,
		Entry{Operation: records.OperationCreate, Type: records.EntityTypeProduct, EntityID: "p1", Timestamp: 10},
		Entry{Operation: records.Operation("upsert"), Type: records.EntityTypeProduct, EntityID: "p2", Timestamp: 20},
	)

	entries := listEntries(t, syncQueue)
	if len(entries) != 1 || entries[0].EntityID != "p1" {
		t.Fatalf("expected only the readable entry, got %#v", entries)
	}
	if got := syncQueue.Count(ctx); got != 2 {
		t.Fatalf("unreadable rows stay stored, got count %d", got)
	}
}

func TestReadsFailWhenStoreClosed(t *testing.T) {
	syncQueue, localStore := newTestQueue(t, filepath.Join(t.TempDir(), "queue.db"))
	if err := localStore.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := syncQueue.List(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected closed store error, got %v", err)
	}
	if got := syncQueue.Count(context.Background()); got != 0 {
		t.Fatalf("expected zero count, got %d", got)
	}
}
