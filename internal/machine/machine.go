// Package machine models the participants of a library: their identity,
// their persisted operation log and the .machines registry that holds them.
package machine

import (
	"time"

	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
)

// Machine is one participant of the library.
type Machine struct {
	ID models.MachineID

	// MetadataStorePath points at the machine's own metadata database.
	// It is meaningful only on the machine that owns it.
	MetadataStorePath string

	CreatedAt time.Time

	// Log is the machine's operation log. For peers it is read-only.
	Log *oplog.Log

	// Merged is the per-machine count of canonical operations already
	// folded into this machine's file view at its last committed sync.
	Merged oplog.VectorClock
}

// New creates a machine with an empty log.
func New(id models.MachineID, metadataStorePath string) *Machine {
	return &Machine{
		ID:                id,
		MetadataStorePath: metadataStorePath,
		CreatedAt:         time.Now().UTC(),
		Log:               oplog.NewLog(id),
		Merged:            make(oplog.VectorClock),
	}
}

// Clone returns an independent copy. Committed changes are made on a clone
// and swapped in only once persisted.
func (m *Machine) Clone() *Machine {
	return &Machine{
		ID:                m.ID,
		MetadataStorePath: m.MetadataStorePath,
		CreatedAt:         m.CreatedAt,
		Log:               m.Log.Clone(),
		Merged:            m.Merged.Clone(),
	}
}
