package syncer

import (
	"encoding/json"
	"testing"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/queue"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/remote"
)

func entry(entityType records.EntityType, id string, operation records.Operation, timestamp int64, data string) queue.Entry {
	return queue.Entry{
		ID:        queue.EntryID(entityType, id, timestamp),
		Operation: operation,
		Type:      entityType,
		EntityID:  id,
		Data:      json.RawMessage(data),
		Timestamp: timestamp,
	}
}

func TestCoalesceNetOperations(t *testing.T) {
	product := records.EntityTypeProduct
	intents := coalesce([]queue.Entry{
		entry(product, "created", records.OperationCreate, 1, `{"v":1}`),
		entry(product, "updated", records.OperationUpdate, 2, `{"v":1}`),
		entry(product, "created", records.OperationUpdate, 3, `{"v":2}`),
		entry(product, "gone", records.OperationCreate, 4, `{}`),
		entry(product, "updated", records.OperationDelete, 5, `{"id":"updated"}`),
		entry(product, "gone", records.OperationDelete, 6, `{"id":"gone"}`),
	})

	if len(intents) != 3 {
		t.Fatalf("expected one intent per entity, got %#v", intents)
	}
	if intents[0].entityID != "created" || intents[0].operation != records.OperationCreate || string(intents[0].data) != `{"v":2}` {
		t.Fatalf("expected create carrying the newest data, got %#v", intents[0])
	}
	if intents[0].entries != 2 || intents[0].stamp.Modified != 3 {
		t.Fatalf("expected the newest stamp, got %#v", intents[0])
	}
	if intents[1].operation != records.OperationDelete {
		t.Fatalf("expected a submitted delete, got %#v", intents[1])
	}
	if intents[2].operation != records.OperationDelete || string(intents[2].data) != `{"id":"gone"}` {
		t.Fatalf("expected create then delete to net to a delete, got %#v", intents[2])
	}
}

func TestCoalesceBreaksTimestampTiesByEntryID(t *testing.T) {
	product := records.EntityTypeProduct
	first := entry(product, "p1", records.OperationUpdate, 7, `{"v":"a"}`)
	first.ID = "products-p1-7-a"
	second := entry(product, "p1", records.OperationUpdate, 7, `{"v":"b"}`)
	second.ID = "products-p1-7-b"

	for _, ordering := range [][]queue.Entry{{first, second}, {second, first}} {
		intents := coalesce(ordering)
		if len(intents) != 1 || string(intents[0].data) != `{"v":"b"}` {
			t.Fatalf("expected the lexicographically greater entry to win, got %#v", intents)
		}
	}
}

func TestGroupBatchesChunksPerTypeAndOperation(t *testing.T) {
	intents := []intent{
		{entityType: records.EntityTypeProduct, entityID: "1", operation: records.OperationCreate},
		{entityType: records.EntityTypeUser, entityID: "2", operation: records.OperationUpdate},
		{entityType: records.EntityTypeProduct, entityID: "3", operation: records.OperationCreate},
		{entityType: records.EntityTypeProduct, entityID: "4", operation: records.OperationDelete},
		{entityType: records.EntityTypeProduct, entityID: "5", operation: records.OperationCreate},
	}
	batches := groupBatches(intents, 2)
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches, got %#v", batches)
	}
	if batches[0].key.entityType != records.EntityTypeProduct || len(batches[0].intents) != 2 {
		t.Fatalf("unexpected first batch %#v", batches[0])
	}
	if len(batches[1].intents) != 1 || batches[1].intents[0].entityID != "5" {
		t.Fatalf("unexpected second batch %#v", batches[1])
	}
	if batches[2].key.entityType != records.EntityTypeUser {
		t.Fatalf("unexpected third batch %#v", batches[2])
	}
	if batches[3].key.operation != records.OperationDelete || batches[3].intents[0].entityID != "4" {
		t.Fatalf("unexpected fourth batch %#v", batches[3])
	}
}

func TestMatchOutcomesPrefersIDsOverPosition(t *testing.T) {
	intents := []intent{{entityID: "a"}, {entityID: "b"}, {entityID: "c"}}
	matched := matchOutcomes(intents, []remote.Outcome{
		{Status: remote.StatusFulfilled, EntityID: "b"},
		{Status: remote.StatusRejected, EntityID: "a"},
		{Status: remote.StatusFulfilled},
	})
	if matched[0].Status != remote.StatusRejected || matched[1].Status != remote.StatusFulfilled {
		t.Fatalf("expected id matches, got %#v", matched)
	}
	if outcome, ok := matched[2]; !ok || outcome.EntityID != "" {
		t.Fatalf("expected positional fallback for c, got %#v", matched)
	}
}
