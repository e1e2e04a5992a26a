package assetid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Parse reads the canonical textual form of an OutputID.
func Parse(raw string) (OutputID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Nil, fmt.Errorf("identifier cannot be empty")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Nil, fmt.Errorf("invalid output id %q: %w", raw, err)
	}
	if id == Nil {
		return Nil, fmt.Errorf("invalid output id %q: nil id", raw)
	}
	return id, nil
}

// MustParse is like Parse but panics on error. Intended for tests and fixtures.
func MustParse(raw string) OutputID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAll parses a list of ids, failing on the first invalid entry.
func ParseAll(raw []string) ([]OutputID, error) {
	out := make([]OutputID, 0, len(raw))
	for _, r := range raw {
		id, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
