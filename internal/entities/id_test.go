package entities

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/stockroom/agent/internal/records"
	"github.com/google/uuid"
)

func TestUUIDProviderIssuesOrderedVersion7IDs(t *testing.T) {
	provider := NewUUIDProvider()
	previous := ""
	for index := 0; index < 16; index++ {
		id, err := provider.NewID()
		if err != nil {
			t.Fatalf("new id failed: %v", err)
		}
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("expected a uuid, got %q: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected version 7, got %d", parsed.Version())
		}
		if id <= previous {
			t.Fatalf("expected %q to sort after %q", id, previous)
		}
		previous = id
	}
}

func TestIDProviderFuncFeedsSave(t *testing.T) {
	harness := newHarness(t, frozenClock(1000))
	harness.service.idProvider = IDProviderFunc(func() (string, error) {
		return "fixed", nil
	})
	id, err := harness.service.Save(context.Background(), records.Record{Type: records.EntityTypeProduct})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if id != "fixed" {
		t.Fatalf("expected the provider's id, got %q", id)
	}
}
