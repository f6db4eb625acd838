package storage

import (
	"os"
	"path"
	"strings"
	"time"
)

// BlobStore manages files confined to one base directory.
type BlobStore interface {
	// Write saves data to a file path atomically.
	Write(path string, data []byte, mode os.FileMode) error

	// Read retrieves file contents.
	Read(path string) ([]byte, error)

	// Delete removes a file.
	Delete(path string) error

	// Exists checks if a file exists.
	Exists(path string) (bool, error)

	// Stat returns file information.
	Stat(path string) (FileInfo, error)

	// Move renames a file. The destination must not exist.
	Move(oldPath, newPath string) error
}

// FileInfo contains file metadata.
type FileInfo struct {
	Path      string
	Size      int64
	Mode      os.FileMode
	ModTime   time.Time
	IsDir     bool
	IsSymlink bool
}

// ConflictPath derives the disambiguated name for a file that lost a path
// collision: "dir/name.pdf" with marker "3f2a9c1e" becomes
// "dir/name.conflict-3f2a9c1e.pdf". Paths are slash separated.
func ConflictPath(p, marker string) string {
	dir, base := path.Split(p)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	if name == "" {
		name, ext = ext, ""
	}
	return dir + name + ".conflict-" + marker + ext
}
