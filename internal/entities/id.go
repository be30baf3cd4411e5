package entities

import (
	"fmt"

	"github.com/google/uuid"
)

// IDProviderFunc adapts a plain function to IDProvider.
type IDProviderFunc func() (string, error)

func (f IDProviderFunc) NewID() (string, error) {
	return f()
}

// NewUUIDProvider issues UUIDv7 identifiers, so ids sort by creation time.
func NewUUIDProvider() IDProvider {
	return IDProviderFunc(func() (string, error) {
		value, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("entities: generate uuidv7: %w", err)
		}
		return value.String(), nil
	})
}
