// Package reconcile merges the operation logs of several machines into one
// file view and reports the ambiguities it had to resolve on the way.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sync/errgroup"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
)

// ErrForeignOwnOperation is returned when a peer holds an operation of the
// local machine that the local log does not. The local log has lost data.
var ErrForeignOwnOperation = errors.New("peer holds local operation missing from local log")

// ErrDivergentOperation is returned when two logs carry different
// operations under the same canonical reference. The issuing machine lost
// its log and reused sequence numbers.
var ErrDivergentOperation = errors.New("divergent operations share one reference")

// Input is a snapshot of everything one merge looks at.
type Input struct {
	// Local is the local machine's log. It is not modified.
	Local *oplog.Log

	// Peers are read-only peer logs. Their order does not matter.
	Peers []*oplog.Log

	// Merged counts the canonical operations already folded into the
	// local view. Conflicts whose operations are all covered were
	// reported before and are not reported again.
	Merged oplog.VectorClock
}

// View is a replayed file view.
type View struct {
	Files      map[models.FileID]models.File
	Tombstones mapset.Set[models.FileID]
}

// Paths maps every live relative path to its file id.
func (v *View) Paths() map[string]models.FileID {
	out := make(map[string]models.FileID, len(v.Files))
	for id, f := range v.Files {
		out[f.RelativePath] = id
	}
	return out
}

// Result is the outcome of a merge. Nothing is committed until the caller
// persists Log.
type Result struct {
	View

	// Log is a copy of the local log with relays of every newly observed
	// peer operation and any collision moves appended.
	Log *oplog.Log

	// Appended lists the entries added to Log, in order.
	Appended []oplog.Operation

	// Conflicts is sorted and contains only newly detected conflicts.
	Conflicts []*models.ConflictError

	// Merged is the watermark to store once Log is committed.
	Merged oplog.VectorClock

	// Touched lists ids with operations that were not merged before.
	Touched []models.FileID
}

// Reconciler runs merges.
type Reconciler struct {
	maxConcurrent int
	logger        *events.Logger
}

// New creates a reconciler that replays at most maxConcurrent file ids in
// parallel.
func New(maxConcurrent int, logger *events.Logger) *Reconciler {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Reconciler{
		maxConcurrent: maxConcurrent,
		logger:        logger.WithField("component", "reconciler"),
	}
}

// Reconcile merges the peer logs into the local one.
//
// Every canonical operation known to any log is replayed per file id in
// (clock, origin, seq) order, so the outcome depends only on the set of
// operations and never on the order peers are supplied in.
func (r *Reconciler) Reconcile(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()
	if in.Local == nil {
		return nil, errors.New("reconcile: nil local log")
	}
	owner := in.Local.Owner()

	for _, p := range in.Peers {
		if p.Owner() == owner {
			return nil, fmt.Errorf("reconcile: peer log owned by local machine %s", owner)
		}
	}

	if err := checkOwnHistory(in.Local, in.Peers); err != nil {
		return nil, err
	}

	ops, err := collect(append([]*oplog.Log{in.Local}, in.Peers...))
	if err != nil {
		return nil, err
	}

	// Relay everything the local log has not seen, in merge order.
	log := in.Local.Clone()
	var appended []oplog.Operation
	for _, op := range ops {
		ref := op.Ref()
		if ref.Origin == owner {
			continue
		}
		relay, added, err := log.AppendRelay(op)
		if err != nil {
			return nil, fmt.Errorf("relay %s: %w", ref, err)
		}
		if added {
			appended = append(appended, relay)
		}
	}

	states, err := r.replay(ctx, ops, in.Merged)
	if err != nil {
		return nil, err
	}

	view, conflicts := assemble(states)

	moves, collisions := resolveCollisions(states, view, in.Merged)
	for _, mv := range moves {
		op, err := log.Append(mv)
		if err != nil {
			return nil, fmt.Errorf("append collision move: %w", err)
		}
		appended = append(appended, op)
		f := view.Files[mv.FileID]
		f.RelativePath = mv.Path
		if op.Timestamp.After(f.ModifyTime) {
			f.ModifyTime = op.Timestamp
		}
		view.Files[mv.FileID] = f
	}
	conflicts = append(conflicts, collisions...)
	sortConflicts(conflicts)

	result := &Result{
		View:      view,
		Log:       log,
		Appended:  appended,
		Conflicts: conflicts,
		Merged:    log.Observed(),
		Touched:   touched(ops, in.Merged),
	}

	r.logger.WithFields(map[string]interface{}{
		"operations": len(ops),
		"files":      len(view.Files),
		"tombstones": view.Tombstones.Cardinality(),
		"relayed":    len(appended) - len(moves),
		"moves":      len(moves),
		"conflicts":  len(conflicts),
		"duration":   time.Since(start).String(),
	}).Debug("Reconciled logs")

	return result, nil
}

// Replay builds the view of a set of logs without resolving collisions or
// reporting conflicts.
func (r *Reconciler) Replay(ctx context.Context, logs ...*oplog.Log) (*View, error) {
	ops, err := collect(logs)
	if err != nil {
		return nil, err
	}
	all := make(oplog.VectorClock)
	for _, op := range ops {
		ref := op.Ref()
		all.Observe(ref.Origin, ref.Seq)
	}

	states, err := r.replay(ctx, ops, all)
	if err != nil {
		return nil, err
	}
	view, _ := assemble(states)
	return &view, nil
}

// checkOwnHistory verifies that every operation of the local machine held
// by a peer is present, unchanged, in the local log. Anything else means
// the local log was lost or replaced after it was shared.
func checkOwnHistory(local *oplog.Log, peers []*oplog.Log) error {
	owner := local.Owner()
	for _, p := range peers {
		for _, op := range p.Entries() {
			ref := op.Ref()
			if ref.Origin != owner {
				continue
			}
			mine, ok := local.Lookup(ref)
			if !ok {
				return models.NewCorruptLocalLog(owner, fmt.Errorf("%w: %s held by %s", ErrForeignOwnOperation, ref, p.Owner()))
			}
			if !oplog.SameCanonical(mine, op) {
				return models.NewCorruptLocalLog(owner, fmt.Errorf("%w: %s held by %s", ErrDivergentOperation, ref, p.Owner()))
			}
		}
	}
	return nil
}

// collect returns the canonical operations of all logs, each once, in
// merge order. Two different operations under one reference are an error.
func collect(logs []*oplog.Log) ([]oplog.Operation, error) {
	seen := make(map[oplog.OpRef]oplog.Operation)
	var ops []oplog.Operation
	for _, l := range logs {
		for _, op := range l.Entries() {
			ref := op.Ref()
			if first, ok := seen[ref]; ok {
				if !oplog.SameCanonical(first, op) {
					return nil, models.NewCorruptMachineRecord(ref.Origin, "",
						fmt.Errorf("%w: %s in logs of %s and %s", ErrDivergentOperation, ref, first.Origin, l.Owner()))
				}
				continue
			}
			seen[ref] = op
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return oplog.Compare(ops[i], ops[j]) < 0 })
	return ops, nil
}

// replay partitions ops by file id and replays each partition in
// parallel. Partitions share no state; results land in their own slot.
func (r *Reconciler) replay(ctx context.Context, ops []oplog.Operation, merged oplog.VectorClock) ([]fileState, error) {
	byID := make(map[models.FileID][]oplog.Operation)
	for _, op := range ops {
		byID[op.FileID] = append(byID[op.FileID], op)
	}

	ids := make([]models.FileID, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	states := make([]fileState, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			states[i] = replayFile(id, byID[id], merged)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return states, nil
}

// assemble merges per-file states into a view, serially.
func assemble(states []fileState) (View, []*models.ConflictError) {
	view := View{
		Files:      make(map[models.FileID]models.File, len(states)),
		Tombstones: mapset.NewThreadUnsafeSet[models.FileID](),
	}
	var conflicts []*models.ConflictError
	for _, st := range states {
		if st.deleted {
			view.Tombstones.Add(st.id)
			continue
		}
		if st.file == nil {
			continue
		}
		view.Files[st.id] = *st.file
		conflicts = append(conflicts, st.conflicts...)
	}
	return view, conflicts
}

func touched(ops []oplog.Operation, merged oplog.VectorClock) []models.FileID {
	set := mapset.NewThreadUnsafeSet[models.FileID]()
	for _, op := range ops {
		if isNew(op, merged) {
			set.Add(op.FileID)
		}
	}
	ids := set.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
