// Package scan walks a library root and classifies the documents it holds.
package scan

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
)

// Entry is one classified document found under the root.
type Entry struct {
	// RelativePath is slash separated and NFC normalised.
	RelativePath string
	ModifyTime   time.Time
	Size         int64
	Attr         models.FileAttr
}

// Scanner lists library documents.
type Scanner struct {
	ignore   []string
	reserved []string
	logger   *events.Logger
}

// NewScanner creates a scanner. Ignore patterns use doublestar syntax and
// match against root-relative slash paths. Reserved names are top-level
// entries that are never part of the library, such as the machines
// directory.
func NewScanner(ignore, reserved []string, logger *events.Logger) (*Scanner, error) {
	for _, p := range ignore {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid ignore pattern %q", p)
		}
	}
	return &Scanner{
		ignore:   ignore,
		reserved: reserved,
		logger:   logger.WithField("component", "scanner"),
	}, nil
}

// Scan walks root and returns the documents sorted by relative path.
// Entries with unrecognised extensions are excluded.
func (s *Scanner) Scan(ctx context.Context, root string) ([]Entry, error) {
	var (
		entries []Entry
		skipped int
	)

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			s.logger.WithError(err).WithField("path", p).Warn("Skipping unreadable entry")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if s.excluded(rel, d.Name()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fileType, ok := models.ClassifyPath(d.Name())
		if !ok {
			skipped++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		entries = append(entries, Entry{
			RelativePath: models.NormalizePath(rel),
			ModifyTime:   info.ModTime().UTC(),
			Size:         info.Size(),
			Attr:         models.NewFileAttr(fileType),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RelativePath < entries[j].RelativePath })

	s.logger.WithFields(map[string]interface{}{
		"documents":    len(entries),
		"unrecognised": skipped,
	}).Debug("Scan complete")

	return entries, nil
}

func (s *Scanner) excluded(rel, name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	for _, r := range s.reserved {
		if rel == r {
			return true
		}
	}
	for _, pattern := range s.ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}
