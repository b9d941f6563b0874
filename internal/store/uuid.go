package store

import (
	"fmt"

	"github.com/google/uuid"
)

// Ids are stored as text; parse on the way out.
func parseUUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse id %q: %w", s, err)
	}
	return id, nil
}
