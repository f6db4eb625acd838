package oplog

import (
	"fmt"
	"time"

	"github.com/TheMichaelB/offliner/internal/models"
)

// Log is the append-only operation log of one machine. Entries are never
// mutated once appended; edits are expressed as new operations.
//
// A Log is not safe for concurrent use. The owning environment serialises
// all appends.
type Log struct {
	owner    models.MachineID
	entries  []Operation
	refs     map[OpRef]int
	observed VectorClock
	maxClock uint64
	lastTime time.Time
	now      func() time.Time
}

// NewLog creates an empty log owned by id.
func NewLog(owner models.MachineID) *Log {
	return &Log{
		owner:    owner,
		refs:     make(map[OpRef]int),
		observed: make(VectorClock),
		now:      time.Now,
	}
}

// LoadLog rebuilds a log from persisted entries, validating every entry.
func LoadLog(owner models.MachineID, entries []Operation) (*Log, error) {
	l := NewLog(owner)
	for i, op := range entries {
		if err := l.check(op); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		l.push(op.Clone())
	}
	return l, nil
}

// SetClock replaces the wall clock used to stamp new operations.
func (l *Log) SetClock(now func() time.Time) {
	l.now = now
}

// Owner returns the machine that owns the log.
func (l *Log) Owner() models.MachineID {
	return l.owner
}

// Len returns the number of entries.
func (l *Log) Len() int {
	return len(l.entries)
}

// MaxClock returns the largest logical clock known to the log.
func (l *Log) MaxClock() uint64 {
	return l.maxClock
}

// Observed returns the vector of canonical operation counts the log holds.
// The owner's entry is the log length.
func (l *Log) Observed() VectorClock {
	return l.observed.Clone()
}

// Contains reports whether the canonical operation is present, either as
// an own entry or as a relay.
func (l *Log) Contains(ref OpRef) bool {
	_, ok := l.refs[ref]
	return ok
}

// Lookup returns the entry holding the canonical operation ref.
func (l *Log) Lookup(ref OpRef) (Operation, bool) {
	i, ok := l.refs[ref]
	if !ok {
		return Operation{}, false
	}
	return l.entries[i].Clone(), true
}

// Entries returns a copy of all entries in log order.
func (l *Log) Entries() []Operation {
	out := make([]Operation, len(l.entries))
	for i, op := range l.entries {
		out[i] = op.Clone()
	}
	return out
}

// Clone returns an independent copy of the log.
func (l *Log) Clone() *Log {
	c := &Log{
		owner:    l.owner,
		entries:  make([]Operation, len(l.entries)),
		refs:     make(map[OpRef]int, len(l.refs)),
		observed: l.observed.Clone(),
		maxClock: l.maxClock,
		lastTime: l.lastTime,
		now:      l.now,
	}
	copy(c.entries, l.entries)
	for r, i := range l.refs {
		c.refs[r] = i
	}
	return c
}

// Append stamps op as a new local operation and appends it. The logical
// clock is one past every clock the log knows, so the new operation orders
// after everything its machine has observed. A wall clock that moved
// backwards is clamped so timestamps never decrease within the log.
func (l *Log) Append(op Operation) (Operation, error) {
	if err := op.Validate(); err != nil {
		return Operation{}, err
	}

	ts := l.now().UTC()
	if ts.Before(l.lastTime) {
		ts = l.lastTime
	}

	op = op.Clone()
	op.Origin = l.owner
	op.Seq = uint64(len(l.entries)) + 1
	op.Clock = l.maxClock + 1
	op.Timestamp = ts
	op.Seen = l.observed.Clone()
	op.Relay = nil

	l.push(op)
	return op.Clone(), nil
}

// AppendRelay copies another machine's canonical operation into the log.
// It returns false when the operation is already present.
func (l *Log) AppendRelay(src Operation) (Operation, bool, error) {
	ref := src.Ref()
	if ref.Origin == l.owner {
		return Operation{}, false, fmt.Errorf("%w: relay of own operation %s", ErrInvalidOperation, ref)
	}
	if l.Contains(ref) {
		return Operation{}, false, nil
	}
	if err := src.Validate(); err != nil {
		return Operation{}, false, err
	}

	op := src.Clone()
	op.Relay = &ref
	op.Origin = l.owner
	op.Seq = uint64(len(l.entries)) + 1

	l.push(op)
	return op.Clone(), true, nil
}

// check validates op as the next entry of the log.
func (l *Log) check(op Operation) error {
	next := uint64(len(l.entries)) + 1
	if op.Origin != l.owner {
		return fmt.Errorf("%w: origin %s in log of %s", ErrInvalidOperation, op.Origin, l.owner)
	}
	if op.Seq != next {
		return fmt.Errorf("%w: seq %d, want %d", ErrInvalidOperation, op.Seq, next)
	}
	if op.Relay != nil {
		if op.Relay.Origin == l.owner || op.Relay.Origin == "" || op.Relay.Seq == 0 {
			return fmt.Errorf("%w: bad relay reference %s", ErrInvalidOperation, *op.Relay)
		}
		if l.Contains(*op.Relay) {
			return fmt.Errorf("%w: duplicate relay %s", ErrInvalidOperation, *op.Relay)
		}
	} else if op.Clock <= l.maxClock {
		return fmt.Errorf("%w: clock %d does not advance past %d", ErrInvalidOperation, op.Clock, l.maxClock)
	}
	if op.Clock == 0 {
		return fmt.Errorf("%w: zero clock", ErrInvalidOperation)
	}
	return op.Validate()
}

func (l *Log) push(op Operation) {
	l.entries = append(l.entries, op)
	ref := op.Ref()
	l.refs[ref] = len(l.entries) - 1

	l.observed.Observe(l.owner, uint64(len(l.entries)))
	if op.Relay != nil {
		l.observed.Observe(ref.Origin, ref.Seq)
	} else if op.Timestamp.After(l.lastTime) {
		l.lastTime = op.Timestamp
	}
	if op.Clock > l.maxClock {
		l.maxClock = op.Clock
	}
}
