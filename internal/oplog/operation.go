package oplog

import (
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/offliner/internal/models"
)

// OpKind names the mutation an operation records.
type OpKind string

const (
	OpCreateFile OpKind = "create_file"
	OpMoveFile   OpKind = "move_file"
	OpSetTitle   OpKind = "set_title"
	OpSetAuthor  OpKind = "set_author"
	OpAddTag     OpKind = "add_tag"
	OpRemoveTag  OpKind = "remove_tag"
	OpDeleteFile OpKind = "delete_file"
)

// ErrInvalidOperation is returned for malformed log entries.
var ErrInvalidOperation = errors.New("invalid operation")

// OpRef is the canonical identity of an operation: the machine that issued
// it and its position in that machine's log.
type OpRef struct {
	Origin models.MachineID `json:"origin"`
	Seq    uint64           `json:"seq"`
}

func (r OpRef) String() string {
	return fmt.Sprintf("%s#%d", r.Origin, r.Seq)
}

// Operation is one immutable mutation of a file or its attributes.
//
// Relay is set on entries that copy an operation issued by another machine
// into this log. Such entries keep the original Clock, Seen, Timestamp and
// payload so that every machine replays the same canonical operation.
type Operation struct {
	Origin    models.MachineID `json:"origin"`
	Seq       uint64           `json:"seq"`
	Clock     uint64           `json:"clock"`
	Timestamp time.Time        `json:"timestamp"`
	Seen      VectorClock      `json:"seen,omitempty"`
	FileID    models.FileID    `json:"file_id"`
	Kind      OpKind           `json:"kind"`

	Path  string           `json:"path,omitempty"`
	Attr  *models.FileAttr `json:"attr,omitempty"`
	Value *string          `json:"value,omitempty"`
	Tag   *models.Tag      `json:"tag,omitempty"`
	TagID models.TagID     `json:"tag_id,omitempty"`

	Relay *OpRef `json:"relay,omitempty"`
}

// CreateFile records the first observation of a file.
func CreateFile(id models.FileID, path string, attr models.FileAttr) Operation {
	a := attr.Clone()
	return Operation{Kind: OpCreateFile, FileID: id, Path: models.NormalizePath(path), Attr: &a}
}

// MoveFile records a rename or move.
func MoveFile(id models.FileID, path string) Operation {
	return Operation{Kind: OpMoveFile, FileID: id, Path: models.NormalizePath(path)}
}

// SetTitle records a title change; nil clears the title.
func SetTitle(id models.FileID, title *string) Operation {
	return Operation{Kind: OpSetTitle, FileID: id, Value: copyString(title)}
}

// SetAuthor records an author change; nil clears the author.
func SetAuthor(id models.FileID, author *string) Operation {
	return Operation{Kind: OpSetAuthor, FileID: id, Value: copyString(author)}
}

// AddTag records a tag attached to a file.
func AddTag(id models.FileID, tag models.Tag) Operation {
	return Operation{Kind: OpAddTag, FileID: id, Tag: &tag}
}

// RemoveTag records a tag detached from a file.
func RemoveTag(id models.FileID, tagID models.TagID) Operation {
	return Operation{Kind: OpRemoveTag, FileID: id, TagID: tagID}
}

// DeleteFile records a tombstone.
func DeleteFile(id models.FileID) Operation {
	return Operation{Kind: OpDeleteFile, FileID: id}
}

// Ref returns the canonical identity of the operation.
func (op Operation) Ref() OpRef {
	if op.Relay != nil {
		return *op.Relay
	}
	return OpRef{Origin: op.Origin, Seq: op.Seq}
}

// IsRelay reports whether the entry copies another machine's operation.
func (op Operation) IsRelay() bool {
	return op.Relay != nil
}

// Compare orders operations for replay by (Clock, origin, seq) of their
// canonical identity. The order is total and identical on every machine.
func Compare(a, b Operation) int {
	if a.Clock != b.Clock {
		if a.Clock < b.Clock {
			return -1
		}
		return 1
	}
	ra, rb := a.Ref(), b.Ref()
	if ra.Origin != rb.Origin {
		if ra.Origin.Less(rb.Origin) {
			return -1
		}
		return 1
	}
	switch {
	case ra.Seq < rb.Seq:
		return -1
	case ra.Seq > rb.Seq:
		return 1
	default:
		return 0
	}
}

// HappenedAfter reports whether op was issued by a machine that had
// already observed other.
func (op Operation) HappenedAfter(other Operation) bool {
	return op.Seen.Covers(other.Ref())
}

// Concurrent reports whether neither operation observed the other.
func Concurrent(a, b Operation) bool {
	return !a.HappenedAfter(b) && !b.HappenedAfter(a)
}

// SameCanonical reports whether a and b carry the same canonical operation.
// The position of the holding entry and the relay marker are ignored; the
// identity, clock, timestamp, observed vector and payload must match.
func SameCanonical(a, b Operation) bool {
	if a.Ref() != b.Ref() || a.Clock != b.Clock || !a.Timestamp.Equal(b.Timestamp) {
		return false
	}
	if a.Kind != b.Kind || a.FileID != b.FileID || a.Path != b.Path || a.TagID != b.TagID {
		return false
	}
	if !a.Seen.Equal(b.Seen) || !models.EqualString(a.Value, b.Value) {
		return false
	}
	if (a.Attr == nil) != (b.Attr == nil) || (a.Attr != nil && !a.Attr.Equal(*b.Attr)) {
		return false
	}
	if (a.Tag == nil) != (b.Tag == nil) {
		return false
	}
	if a.Tag != nil {
		return a.Tag.ID == b.Tag.ID && a.Tag.Name == b.Tag.Name && a.Tag.ModifyTime.Equal(b.Tag.ModifyTime)
	}
	return true
}

// Validate checks that the payload matches the kind.
func (op Operation) Validate() error {
	if op.FileID == "" {
		return fmt.Errorf("%w: %s: empty file id", ErrInvalidOperation, op.Kind)
	}
	switch op.Kind {
	case OpCreateFile:
		if op.Attr == nil {
			return fmt.Errorf("%w: create_file %s: missing attributes", ErrInvalidOperation, op.FileID)
		}
		if !op.Attr.Type.Valid() {
			return fmt.Errorf("%w: create_file %s: unknown file type %q", ErrInvalidOperation, op.FileID, op.Attr.Type)
		}
		fallthrough
	case OpMoveFile:
		if op.Path == "" || op.Path == "." {
			return fmt.Errorf("%w: %s %s: empty path", ErrInvalidOperation, op.Kind, op.FileID)
		}
	case OpSetTitle, OpSetAuthor, OpDeleteFile:
	case OpAddTag:
		if op.Tag == nil || op.Tag.ID == "" {
			return fmt.Errorf("%w: add_tag %s: missing tag", ErrInvalidOperation, op.FileID)
		}
	case OpRemoveTag:
		if op.TagID == "" {
			return fmt.Errorf("%w: remove_tag %s: missing tag id", ErrInvalidOperation, op.FileID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return nil
}

// Clone deep-copies the mutable parts of an operation.
func (op Operation) Clone() Operation {
	c := op
	c.Seen = op.Seen.Clone()
	if op.Attr != nil {
		a := op.Attr.Clone()
		c.Attr = &a
	}
	c.Value = copyString(op.Value)
	if op.Tag != nil {
		t := *op.Tag
		c.Tag = &t
	}
	if op.Relay != nil {
		r := *op.Relay
		c.Relay = &r
	}
	return c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
