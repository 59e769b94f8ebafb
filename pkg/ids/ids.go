// Package ids generates time-ordered identifiers for all persisted entities.
package ids

import (
	"github.com/google/uuid"
)

// New returns a time-ordered (UUIDv7) identifier string. Sorting IDs
// lexicographically approximates creation order within millisecond
// resolution, which the event log and cursor pagination rely on.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source is broken; fall back to v4
		// rather than propagating an error through every call site.
		return uuid.New().String()
	}
	return id.String()
}
