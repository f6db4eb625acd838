package reconcile

import (
	"sort"

	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
)

// Scalar field names as reported in SyncExistConflict.
const (
	FieldPath   = "relative_path"
	FieldTitle  = "title"
	FieldAuthor = "author"
)

// fileState is the outcome of replaying the history of one file id.
type fileState struct {
	id      models.FileID
	file    *models.File
	deleted bool

	// pathOp is the operation that set the current path. It decides which
	// file keeps a contested path.
	pathOp oplog.Operation

	conflicts []*models.ConflictError
}

// write is one assignment of a scalar field.
type write struct {
	op    oplog.Operation
	value *string
}

// replayFile folds the operations of one file id, which must all carry
// that id, into its merged state. ops is sorted in place.
func replayFile(id models.FileID, ops []oplog.Operation, merged oplog.VectorClock) fileState {
	sort.Slice(ops, func(i, j int) bool { return oplog.Compare(ops[i], ops[j]) < 0 })

	st := fileState{id: id}
	writes := make(map[string][]write, 3)
	tagAdds := make(map[models.TagID]oplog.Operation)

	var file *models.File
	for _, op := range ops {
		if op.Kind == oplog.OpDeleteFile {
			st.deleted = true
			continue
		}

		if op.Kind == oplog.OpCreateFile {
			if file == nil {
				file = &models.File{ID: id, Attrs: models.NewFileAttr(op.Attr.Type)}
			}
			applyCreate(file, op, writes, tagAdds)
			st.pathOp = op
		}
		if file == nil {
			// Edits never precede the creation they observed.
			continue
		}

		switch op.Kind {
		case oplog.OpMoveFile:
			file.RelativePath = models.NormalizePath(op.Path)
			st.pathOp = op
			writes[FieldPath] = append(writes[FieldPath], write{op: op, value: models.StringPtr(file.RelativePath)})
		case oplog.OpSetTitle:
			file.Attrs.Title = cloneValue(op.Value)
			writes[FieldTitle] = append(writes[FieldTitle], write{op: op, value: op.Value})
		case oplog.OpSetAuthor:
			file.Attrs.Author = cloneValue(op.Value)
			writes[FieldAuthor] = append(writes[FieldAuthor], write{op: op, value: op.Value})
		case oplog.OpAddTag:
			file.Attrs.Tags[op.Tag.ID] = *op.Tag
			tagAdds[op.Tag.ID] = op
		case oplog.OpRemoveTag:
			delete(file.Attrs.Tags, op.TagID)
		}

		if op.Timestamp.After(file.ModifyTime) {
			file.ModifyTime = op.Timestamp
		}
	}

	// A tombstone suppresses everything, so there is nothing left to
	// review on a deleted file.
	if st.deleted || file == nil {
		return st
	}

	st.file = file
	for _, field := range []string{FieldPath, FieldTitle, FieldAuthor} {
		if fieldConflict(writes[field], merged) {
			st.conflicts = append(st.conflicts, models.NewFieldConflict(field, id))
		}
	}
	st.conflicts = append(st.conflicts, duplicateTags(id, file.Attrs, tagAdds, merged)...)

	return st
}

func applyCreate(file *models.File, op oplog.Operation, writes map[string][]write, tagAdds map[models.TagID]oplog.Operation) {
	file.RelativePath = models.NormalizePath(op.Path)
	file.Attrs.Title = cloneValue(op.Attr.Title)
	file.Attrs.Author = cloneValue(op.Attr.Author)
	for tid, tag := range op.Attr.Tags {
		file.Attrs.Tags[tid] = tag
		tagAdds[tid] = op
	}

	writes[FieldPath] = append(writes[FieldPath], write{op: op, value: models.StringPtr(file.RelativePath)})
	writes[FieldTitle] = append(writes[FieldTitle], write{op: op, value: op.Attr.Title})
	writes[FieldAuthor] = append(writes[FieldAuthor], write{op: op, value: op.Attr.Author})
}

// fieldConflict reports whether two writes of one field were issued
// without either observing the other, carry different values, and are not
// both already part of the merged view.
func fieldConflict(ws []write, merged oplog.VectorClock) bool {
	for i := 0; i < len(ws); i++ {
		for j := i + 1; j < len(ws); j++ {
			a, b := ws[i], ws[j]
			if models.EqualString(a.value, b.value) {
				continue
			}
			if !oplog.Concurrent(a.op, b.op) {
				continue
			}
			if isNew(a.op, merged) || isNew(b.op, merged) {
				return true
			}
		}
	}
	return false
}

// duplicateTags reports live tags whose names fold to the same key but
// carry distinct ids. Tag identity is never coalesced.
func duplicateTags(id models.FileID, attrs models.FileAttr, adds map[models.TagID]oplog.Operation, merged oplog.VectorClock) []*models.ConflictError {
	groups := make(map[string][]models.Tag)
	for _, tag := range attrs.SortedTags() {
		key := models.FoldTagName(tag.Name)
		groups[key] = append(groups[key], tag)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*models.ConflictError
	for _, key := range keys {
		tags := groups[key]
		if len(tags) < 2 {
			continue
		}

		fresh := false
		first := tags[0]
		for _, tag := range tags {
			op := adds[tag.ID]
			if isNew(op, merged) {
				fresh = true
			}
			if oplog.Compare(op, adds[first.ID]) < 0 {
				first = tag
			}
		}
		if fresh {
			out = append(out, models.NewDuplicateTag(first.Name, id))
		}
	}
	return out
}

// isNew reports whether op is not yet part of the merged view.
func isNew(op oplog.Operation, merged oplog.VectorClock) bool {
	return !merged.Covers(op.Ref())
}

func cloneValue(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
