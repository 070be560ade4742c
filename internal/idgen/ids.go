// Package idgen generates the engine's identifiers: time-ordered UUIDv7
// entity and component ids, and the SHA-256 type ids that key component
// partitions.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// NewEntityID returns a new monotonic UUIDv7 in canonical 36-char form.
// V7 ids are time-ordered, so freshly created entities sort after older ones
// under the entity_id tie-break used by cursor pagination.
func NewEntityID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("idgen: entity id: %w", err)
	}
	return id.String(), nil
}

// NewComponentID returns a new UUIDv7 for a component row. Component ids are
// unique within their (entity_id, type_id) pair; a v7 per row satisfies that
// trivially while keeping insertion order visible.
func NewComponentID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("idgen: component id: %w", err)
	}
	return id.String(), nil
}

// MustEntityID is NewEntityID for callers that cannot propagate an error.
// uuid.NewV7 only fails when the system entropy source does.
func MustEntityID() string {
	id, err := NewEntityID()
	if err != nil {
		panic(err)
	}
	return id
}

// ValidEntityID reports whether s parses as a canonical UUID.
func ValidEntityID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}

// TypeID computes the stable type id for a component class name: the
// lowercase 64-hex-digit SHA-256 of the name. Same name, same id, across
// processes and runs, forever.
func TypeID(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}
