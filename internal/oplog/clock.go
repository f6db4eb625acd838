package oplog

import (
	"sort"

	"github.com/TheMichaelB/offliner/internal/models"
)

// VectorClock maps each machine to the number of its operations that
// have been observed. Cross-machine causality is decided only by these
// counters, never by wall clocks.
type VectorClock map[models.MachineID]uint64

// Get returns the counter for id, zero when absent.
func (v VectorClock) Get(id models.MachineID) uint64 {
	if v == nil {
		return 0
	}
	return v[id]
}

// Covers reports whether the clock includes the referenced operation.
func (v VectorClock) Covers(ref OpRef) bool {
	return v.Get(ref.Origin) >= ref.Seq
}

// Clone returns an independent copy.
func (v VectorClock) Clone() VectorClock {
	c := make(VectorClock, len(v))
	for k, n := range v {
		c[k] = n
	}
	return c
}

// Observe raises the counter for id to at least n.
func (v VectorClock) Observe(id models.MachineID, n uint64) {
	if n > v[id] {
		v[id] = n
	}
}

// Merge raises every counter to the pointwise maximum of v and other.
func (v VectorClock) Merge(other VectorClock) {
	for id, n := range other {
		v.Observe(id, n)
	}
}

// Equal compares two clocks, treating missing entries as zero.
func (v VectorClock) Equal(other VectorClock) bool {
	for id, n := range v {
		if other.Get(id) != n {
			return false
		}
	}
	for id, n := range other {
		if v.Get(id) != n {
			return false
		}
	}
	return true
}

// Machines returns the ids present in the clock in sorted order.
func (v VectorClock) Machines() []models.MachineID {
	ids := make([]models.MachineID, 0, len(v))
	for id := range v {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
