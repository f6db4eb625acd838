package env

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
	"github.com/TheMichaelB/offliner/internal/reconcile"
)

// MoveFile renames a file to newPath. The document keeps its type, so the
// extension must classify the same way. When the file exists on disk it is
// moved first; the operation is only recorded once the disk agrees.
func (e *Env) MoveFile(ctx context.Context, id models.FileID, newPath string) (models.File, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f, err := e.File(id)
	if err != nil {
		return models.File{}, err
	}

	target := models.NormalizePath(newPath)
	if target == "." {
		return models.File{}, fmt.Errorf("invalid path %q", newPath)
	}
	if target == f.RelativePath {
		return f, nil
	}
	if t, ok := models.ClassifyPath(target); !ok || t != f.Attrs.Type {
		return models.File{}, fmt.Errorf("%w: %s", models.ErrUnsupportedFile, target)
	}
	if other, ok := e.pathOwner(target); ok && other != id {
		return models.File{}, fmt.Errorf("%w: %s", models.ErrPathTaken, target)
	}

	if e.cfg.Sync.ApplyToDisk {
		exists, err := e.disk.Exists(f.RelativePath)
		if err != nil {
			return models.File{}, err
		}
		if exists {
			if err := e.disk.Move(f.RelativePath, target); err != nil {
				return models.File{}, err
			}
		}
	}

	return e.record(ctx, oplog.MoveFile(id, target))
}

// SetTitle sets or clears a file's title.
func (e *Env) SetTitle(ctx context.Context, id models.FileID, title *string) (models.File, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f, err := e.File(id)
	if err != nil {
		return models.File{}, err
	}
	if models.EqualString(f.Attrs.Title, title) {
		return f, nil
	}
	return e.record(ctx, oplog.SetTitle(id, title))
}

// SetAuthor sets or clears a file's author.
func (e *Env) SetAuthor(ctx context.Context, id models.FileID, author *string) (models.File, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f, err := e.File(id)
	if err != nil {
		return models.File{}, err
	}
	if models.EqualString(f.Attrs.Author, author) {
		return f, nil
	}
	return e.record(ctx, oplog.SetAuthor(id, author))
}

// AddTag attaches a tag named name. A tag whose name folds to the same key
// is reused instead of creating a duplicate.
func (e *Env) AddTag(ctx context.Context, id models.FileID, name string) (models.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Tag{}, errors.New("empty tag name")
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f, err := e.File(id)
	if err != nil {
		return models.Tag{}, err
	}

	key := models.FoldTagName(name)
	for _, t := range f.Attrs.SortedTags() {
		if models.FoldTagName(t.Name) == key {
			return t, nil
		}
	}

	tag := models.Tag{ID: models.NewTagID(), Name: name, ModifyTime: time.Now().UTC()}
	if _, err := e.record(ctx, oplog.AddTag(id, tag)); err != nil {
		return models.Tag{}, err
	}
	return tag, nil
}

// RemoveTag detaches a tag by id.
func (e *Env) RemoveTag(ctx context.Context, id models.FileID, tagID models.TagID) (models.File, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f, err := e.File(id)
	if err != nil {
		return models.File{}, err
	}
	if _, ok := f.Attrs.Tags[tagID]; !ok {
		return models.File{}, fmt.Errorf("%w: %s on %s", models.ErrTagNotFound, tagID, id)
	}
	return e.record(ctx, oplog.RemoveTag(id, tagID))
}

// DeleteFile tombstones a file and removes it from disk when present.
func (e *Env) DeleteFile(ctx context.Context, id models.FileID) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	f, err := e.File(id)
	if err != nil {
		return err
	}

	if e.cfg.Sync.ApplyToDisk {
		exists, err := e.disk.Exists(f.RelativePath)
		if err != nil {
			return err
		}
		if exists {
			if err := e.disk.Delete(f.RelativePath); err != nil {
				return err
			}
		}
	}

	_, err = e.record(ctx, oplog.DeleteFile(id))
	return err
}

// Rescan walks the root and records a CreateFile for every document whose
// path is not yet part of the view. It returns the number of files added.
func (e *Env) Rescan(ctx context.Context) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ops, err := e.scanOps(ctx)
	if err != nil || len(ops) == 0 {
		return 0, err
	}
	if _, err := e.recordAll(ctx, ops); err != nil {
		return 0, err
	}

	e.logger.WithField("added", len(ops)).Info("Registered new documents")
	return len(ops), nil
}

// scanOps walks the root and builds, without recording them, the
// CreateFile operations for documents whose path is not yet in the view.
// Names that normalise to the same path are registered once.
func (e *Env) scanOps(ctx context.Context) ([]oplog.Operation, error) {
	entries, err := e.scanner.Scan(ctx, e.registry.Root())
	if err != nil {
		return nil, models.NewRootUnavailable(e.registry.Root(), err)
	}

	batch := mapset.NewThreadUnsafeSet[string]()
	var ops []oplog.Operation
	for _, entry := range entries {
		if _, ok := e.pathOwner(entry.RelativePath); ok {
			continue
		}
		if !batch.Add(entry.RelativePath) {
			e.logger.WithField("path", entry.RelativePath).Warn("Skipping document with duplicate normalised name")
			continue
		}
		ops = append(ops, oplog.CreateFile(models.NewFileID(), entry.RelativePath, entry.Attr))
	}
	return ops, nil
}

func (e *Env) pathOwner(p string) (models.FileID, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for id, f := range e.view.Files {
		if f.RelativePath == p {
			return id, true
		}
	}
	return "", false
}

// record appends one local operation. See recordAll.
func (e *Env) record(ctx context.Context, op oplog.Operation) (models.File, error) {
	files, err := e.recordAll(ctx, []oplog.Operation{op})
	if err != nil {
		return models.File{}, err
	}
	return files[0], nil
}

// recordAll appends ops to a copy of the local log, persists the record and
// only then publishes the new log and view. It returns the resulting state
// of every touched file; deleted files are returned as their last state.
// The caller holds writeMu.
func (e *Env) recordAll(ctx context.Context, ops []oplog.Operation) ([]models.File, error) {
	e.mu.RLock()
	next := e.local.Clone()
	e.mu.RUnlock()

	appended := make([]oplog.Operation, 0, len(ops))
	for _, op := range ops {
		stamped, err := next.Log.Append(op)
		if err != nil {
			return nil, err
		}
		appended = append(appended, stamped)
	}

	// Operations already folded into the view never need reporting.
	next.Merged.Observe(next.ID, uint64(next.Log.Len()))

	if err := e.registry.Save(next); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.local = next
	files := make([]models.File, len(appended))
	for i, op := range appended {
		files[i] = applyOp(&e.view, op)
	}
	e.mu.Unlock()

	for i, op := range appended {
		var err error
		if op.Kind == oplog.OpDeleteFile {
			err = e.store.Delete(op.FileID)
		} else {
			err = e.store.Put(files[i])
		}
		if err != nil {
			e.logger.WithError(err).WithField("file_id", op.FileID).Warn("Failed to update metadata store")
		}
	}

	if e.logger.Enabled(events.DebugLevel) {
		for _, op := range appended {
			e.logger.WithFields(map[string]interface{}{
				"kind":    op.Kind,
				"file_id": op.FileID,
				"seq":     op.Seq,
				"clock":   op.Clock,
				"sync_id": events.GetSyncID(ctx),
			}).Debug("Recorded local operation")
		}
	}

	return files, nil
}

// applyOp folds one freshly appended local operation into view and
// returns the file's new state.
func applyOp(view *reconcile.View, op oplog.Operation) models.File {
	if op.Kind == oplog.OpCreateFile {
		view.Files[op.FileID] = models.File{
			ID:           op.FileID,
			RelativePath: op.Path,
			ModifyTime:   op.Timestamp,
			Attrs:        op.Attr.Clone(),
		}
		return view.Files[op.FileID].Clone()
	}

	f := view.Files[op.FileID]
	switch op.Kind {
	case oplog.OpMoveFile:
		f.RelativePath = op.Path
	case oplog.OpSetTitle:
		f.Attrs.Title = op.Value
	case oplog.OpSetAuthor:
		f.Attrs.Author = op.Value
	case oplog.OpAddTag:
		f.Attrs.Tags[op.Tag.ID] = *op.Tag
	case oplog.OpRemoveTag:
		delete(f.Attrs.Tags, op.TagID)
	case oplog.OpDeleteFile:
		delete(view.Files, op.FileID)
		view.Tombstones.Add(op.FileID)
		return f.Clone()
	}
	if op.Timestamp.After(f.ModifyTime) {
		f.ModifyTime = op.Timestamp
	}
	view.Files[op.FileID] = f
	return f.Clone()
}
