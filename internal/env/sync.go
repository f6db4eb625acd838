package env

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
	"github.com/TheMichaelB/offliner/internal/reconcile"
	"github.com/TheMichaelB/offliner/internal/storage"
)

// DoSync merges every readable peer log into the local machine.
//
// The merge is all or nothing: on error the view, the local log and the
// status are left as they were. Recorded conflicts are not errors; they
// end the cycle in RunWithErr. Peer records that cannot be parsed are
// skipped and surface through Warnings.
func (e *Env) DoSync(ctx context.Context) (models.EnvStatus, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return models.EnvStatus{}, errors.New("environment closed")
	}
	if e.syncing {
		status := e.status
		e.mu.Unlock()
		return status, models.ErrSyncInProgress
	}
	e.syncing = true
	prev := e.status
	e.status = models.Syncing()
	localID := e.local.ID
	e.mu.Unlock()

	status, err := e.doSync(ctx, localID)

	e.mu.Lock()
	e.syncing = false
	if err != nil {
		e.status = prev
	} else {
		e.status = status
	}
	e.mu.Unlock()

	return status, err
}

func (e *Env) doSync(ctx context.Context, localID models.MachineID) (models.EnvStatus, error) {
	start := time.Now()

	ctx = events.WithMachineID(events.WithLogger(ctx, e.logger), string(localID))
	ctx, syncID := events.WithSyncID(ctx)
	logger := e.logger.WithField("sync_id", syncID)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// New documents are committed together with the merge, or not at all.
	var scanned []oplog.Operation
	if e.cfg.Sync.ScanOnSync {
		ops, err := e.scanOps(ctx)
		if err != nil {
			return models.EnvStatus{}, err
		}
		scanned = ops
	}

	d, err := e.registry.Discover(ctx, localID)
	if err != nil {
		return models.EnvStatus{}, err
	}
	if d.Local != nil && d.Local.Log.Len() > e.localLen() {
		// Only this process appends to the local log while it holds the lock.
		return models.EnvStatus{}, models.NewCorruptLocalLog(localID,
			errors.New("record on disk is ahead of the open environment"))
	}

	e.mu.RLock()
	local := e.local.Clone()
	before := e.view
	e.mu.RUnlock()

	for _, op := range scanned {
		if _, err := local.Log.Append(op); err != nil {
			return models.EnvStatus{}, err
		}
	}

	logs := make([]*oplog.Log, len(d.Peers))
	for i, p := range d.Peers {
		logs[i] = p.Log
	}

	res, err := e.reconciler.Reconcile(ctx, reconcile.Input{
		Local:  local.Log,
		Peers:  logs,
		Merged: local.Merged,
	})
	if err != nil {
		return models.EnvStatus{}, err
	}

	changed := len(scanned) > 0 || len(res.Appended) > 0 || !local.Merged.Equal(res.Merged)
	next := local
	next.Log = res.Log
	next.Merged = res.Merged
	if changed {
		if err := e.registry.Save(next); err != nil {
			return models.EnvStatus{}, err
		}
	}

	status := models.RunWithErr(res.Conflicts)

	e.mu.Lock()
	e.local = next
	e.peers = d.Peers
	e.view = res.View
	e.warnings = d.Warnings
	e.mu.Unlock()

	// The merge is committed; what follows only mirrors it.
	var moved, deleted int
	if e.cfg.Sync.ApplyToDisk {
		moved, deleted = e.applyToDisk(logger, before, res.View)
	}
	if err := e.store.Replace(e.Files()); err != nil {
		logger.WithError(err).Warn("Failed to refresh metadata store")
	}

	for _, w := range d.Warnings {
		logger.WithError(w).Warn("Skipped peer record")
	}
	for _, c := range res.Conflicts {
		logger.WithFields(map[string]interface{}{
			"kind":    c.Kind,
			"file_id": c.FileID,
			"field":   c.Field,
			"name":    c.Name,
			"path":    c.Path,
		}).Warn("Conflict recorded")
	}

	logger.WithFields(map[string]interface{}{
		"peers":     len(d.Peers),
		"scanned":   len(scanned),
		"appended":  len(res.Appended),
		"touched":   len(res.Touched),
		"conflicts": len(res.Conflicts),
		"moved":     moved,
		"deleted":   deleted,
		"status":    status.State.String(),
		"duration":  time.Since(start).String(),
	}).Info("Sync complete")

	return status, nil
}

func (e *Env) localLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.Log.Len()
}

// diskMove is one pending rename of a document on disk.
type diskMove struct {
	id       models.FileID
	from, to string
}

// applyToDisk mirrors path changes and deletions between two views onto
// the root. Files that are not present locally are left alone. Moves whose
// target is still occupied are retried after the others, so chains of
// renames settle; anything left over is logged.
func (e *Env) applyToDisk(logger *events.Logger, before, after reconcile.View) (moved, deleted int) {
	var moves []diskMove
	for id, old := range before.Files {
		if after.Tombstones.Contains(id) {
			if e.deleteFromDisk(logger, old.RelativePath) {
				deleted++
			}
			continue
		}
		cur, ok := after.Files[id]
		if !ok || cur.RelativePath == old.RelativePath {
			continue
		}
		moves = append(moves, diskMove{id: id, from: old.RelativePath, to: cur.RelativePath})
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].id < moves[j].id })

	for len(moves) > 0 {
		var pending []diskMove
		for _, mv := range moves {
			exists, err := e.disk.Exists(mv.from)
			if err != nil || !exists {
				continue
			}
			err = e.disk.Move(mv.from, mv.to)
			switch {
			case err == nil:
				moved++
			case errors.Is(err, storage.ErrDestinationExists):
				pending = append(pending, mv)
			default:
				logger.WithError(err).WithField("file_id", mv.id).Warn("Failed to move file on disk")
			}
		}
		if len(pending) == len(moves) {
			for _, mv := range pending {
				logger.WithFields(map[string]interface{}{
					"file_id": mv.id,
					"from":    mv.from,
					"to":      mv.to,
				}).Warn("Move target occupied on disk")
			}
			break
		}
		moves = pending
	}

	return moved, deleted
}

func (e *Env) deleteFromDisk(logger *events.Logger, p string) bool {
	exists, err := e.disk.Exists(p)
	if err != nil || !exists {
		return false
	}
	if err := e.disk.Delete(p); err != nil {
		logger.WithError(err).WithField("path", p).Warn("Failed to delete file on disk")
		return false
	}
	return true
}
