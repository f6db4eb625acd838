package models

import (
	"strings"

	"github.com/google/uuid"
)

// MachineID identifies one physical participant. Ordering between ids is
// plain string ordering and is used as the merge tiebreak.
type MachineID string

// FileID identifies one logical file across every machine.
type FileID string

// TagID identifies one tag. Tags are never coalesced by name.
type TagID string

// NewFileID returns a random 128-bit file identifier.
func NewFileID() FileID {
	return FileID(uuid.NewString())
}

// NewTagID returns a random 128-bit tag identifier.
func NewTagID() TagID {
	return TagID(uuid.NewString())
}

// Valid reports whether the id is usable as a join key.
func (id MachineID) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// Less orders machine ids.
func (id MachineID) Less(other MachineID) bool {
	return id < other
}

// Short returns the first eight hex digits of the id, used for
// human-facing markers such as collision suffixes.
func (id FileID) Short() string {
	s := strings.ReplaceAll(string(id), "-", "")
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// ParseFileID validates a user supplied file id.
func ParseFileID(s string) (FileID, error) {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return FileID(u.String()), nil
}
