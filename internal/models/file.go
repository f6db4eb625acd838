package models

import (
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// FileType is the classified kind of a library document.
type FileType string

const (
	FileTypeHTML FileType = "html"
	FileTypePDF  FileType = "pdf"
)

// Valid reports whether t is a known document type.
func (t FileType) Valid() bool {
	return t == FileTypeHTML || t == FileTypePDF
}

// ClassifyPath maps a file name to its document type. Unknown extensions
// are reported with ok=false and must be left out of the library.
func ClassifyPath(name string) (FileType, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return FileTypeHTML, true
	case ".pdf":
		return FileTypePDF, true
	default:
		return "", false
	}
}

// Tag is a label attached to a file.
type Tag struct {
	ID         TagID     `json:"id"`
	Name       string    `json:"name"`
	ModifyTime time.Time `json:"modify_time"`
}

// FileAttr holds the user-editable metadata of a file.
type FileAttr struct {
	Type   FileType      `json:"type"`
	Title  *string       `json:"title,omitempty"`
	Author *string       `json:"author,omitempty"`
	Tags   map[TagID]Tag `json:"tags,omitempty"`
}

// NewFileAttr returns empty attributes for a document type.
func NewFileAttr(t FileType) FileAttr {
	return FileAttr{Type: t, Tags: make(map[TagID]Tag)}
}

// Clone returns a deep copy.
func (a FileAttr) Clone() FileAttr {
	c := FileAttr{
		Type:   a.Type,
		Title:  cloneString(a.Title),
		Author: cloneString(a.Author),
		Tags:   make(map[TagID]Tag, len(a.Tags)),
	}
	for id, t := range a.Tags {
		c.Tags[id] = t
	}
	return c
}

// SortedTags returns tags ordered by name, then id.
func (a FileAttr) SortedTags() []Tag {
	tags := make([]Tag, 0, len(a.Tags))
	for _, t := range a.Tags {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Name != tags[j].Name {
			return tags[i].Name < tags[j].Name
		}
		return tags[i].ID < tags[j].ID
	})
	return tags
}

// Equal compares attributes field by field. Tag modify times are ignored.
func (a FileAttr) Equal(b FileAttr) bool {
	if a.Type != b.Type || !equalString(a.Title, b.Title) || !equalString(a.Author, b.Author) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for id, t := range a.Tags {
		o, ok := b.Tags[id]
		if !ok || o.Name != t.Name {
			return false
		}
	}
	return true
}

// File is one library document as seen by the environment.
type File struct {
	ID           FileID    `json:"id"`
	RelativePath string    `json:"relative_path"`
	ModifyTime   time.Time `json:"modify_time"`
	Attrs        FileAttr  `json:"attrs"`
}

// Clone returns a deep copy.
func (f File) Clone() File {
	f.Attrs = f.Attrs.Clone()
	return f
}

// NormalizePath cleans a relative path into the canonical slash separated,
// NFC normalised form used as the path key across machines.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		p = "."
	}
	return norm.NFC.String(p)
}

// FoldTagName returns the comparison key for tag names. Tags whose folded
// names match are considered semantically equal.
func FoldTagName(name string) string {
	// Casers carry state and are not shared between goroutines.
	return cases.Fold().String(strings.TrimSpace(norm.NFC.String(name)))
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// EqualString compares two optional strings.
func EqualString(a, b *string) bool {
	return equalString(a, b)
}
