package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EntityType is the entity tag shared by the local store name and the remote route.
type EntityType string

const (
	EntityTypeProduct          EntityType = "products"
	EntityTypeStockItem        EntityType = "stock_items"
	EntityTypeSupplier         EntityType = "suppliers"
	EntityTypeUser             EntityType = "users"
	EntityTypeStockTransaction EntityType = "stock_transactions"
)

// SyncStatus tracks whether the remote has acknowledged the local copy.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusError   SyncStatus = "error"
)

// Operation enumerates queued intents.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const (
	maxIdentifierLength = 190
	categoryField       = "category"
)

var (
	// ErrInvalidEntityType indicates an unknown entity tag.
	ErrInvalidEntityType = errors.New("records: invalid entity type")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("records: invalid entity id")
	// ErrInvalidOperation indicates an unknown queue operation.
	ErrInvalidOperation = errors.New("records: invalid operation")
)

var entityTypes = []EntityType{
	EntityTypeProduct,
	EntityTypeStockItem,
	EntityTypeSupplier,
	EntityTypeUser,
	EntityTypeStockTransaction,
}

// EntityTypes lists every entity type in a stable order.
func EntityTypes() []EntityType {
	out := make([]EntityType, len(entityTypes))
	copy(out, entityTypes)
	return out
}

// ParseEntityType validates raw input and returns an EntityType.
func ParseEntityType(rawInput string) (EntityType, error) {
	trimmed := strings.ToLower(strings.TrimSpace(rawInput))
	for _, candidate := range entityTypes {
		if string(candidate) == trimmed {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntityType, rawInput)
}

// String returns the underlying tag.
func (t EntityType) String() string {
	return string(t)
}

// ValidateEntityID trims and bounds an entity identifier.
func ValidateEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ParseOperation validates raw input and returns an Operation.
func ParseOperation(rawInput string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(rawInput))) {
	case OperationCreate:
		return OperationCreate, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// Record is the generic entity contract persisted locally and mirrored remotely.
type Record struct {
	ID         string         `json:"id"`
	Type       EntityType     `json:"type"`
	CreatedAt  int64          `json:"createdAt"`
	Modified   int64          `json:"modified"`
	SyncStatus SyncStatus     `json:"syncStatus"`
	Deleted    bool           `json:"deleted"`
	Category   string         `json:"category,omitempty"`
	Data       map[string]any `json:"data"`
}

// Stamp returns the record's last-write-wins position.
func (r Record) Stamp() Stamp {
	return Stamp{Modified: r.Modified, Key: r.ID}
}

// DeriveCategory reads the indexed category from the payload.
func (r Record) DeriveCategory() string {
	if r.Data == nil {
		return ""
	}
	if value, ok := r.Data[categoryField].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

type snapshotPayload struct {
	ID        string         `json:"id"`
	Type      EntityType     `json:"type"`
	CreatedAt int64          `json:"createdAt"`
	Modified  int64          `json:"modified"`
	Deleted   bool           `json:"deleted"`
	Data      map[string]any `json:"data"`
}

// Snapshot renders the record as submitted to the remote. Local sync status is not part of it.
func (r Record) Snapshot() (json.RawMessage, error) {
	data := r.Data
	if data == nil {
		data = map[string]any{}
	}
	encoded, err := json.Marshal(snapshotPayload{
		ID:        r.ID,
		Type:      r.Type,
		CreatedAt: r.CreatedAt,
		Modified:  r.Modified,
		Deleted:   r.Deleted,
		Data:      data,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(encoded), nil
}

// DeleteSnapshot renders the id-only payload queued for deletions.
func DeleteSnapshot(entityID string) json.RawMessage {
	encoded, _ := json.Marshal(map[string]string{"id": entityID})
	return json.RawMessage(encoded)
}
