// Package metastore persists the merged file view of the local machine so
// other tools can query titles, authors and tags without replaying logs.
package metastore

import (
	"errors"

	"github.com/TheMichaelB/offliner/internal/models"
)

// Store manages file metadata persistence. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get retrieves one file.
	Get(id models.FileID) (*models.File, error)

	// Put inserts or replaces a file and its tags.
	Put(file models.File) error

	// Delete removes a file. Missing ids are ignored.
	Delete(id models.FileID) error

	// List returns every file ordered by relative path.
	List() ([]models.File, error)

	// Replace swaps the whole content for files in one transaction.
	Replace(files []models.File) error

	// Close releases resources.
	Close() error
}

// Errors
var (
	ErrNotFound = errors.New("file metadata not found")
)

// CurrentSchemaVersion for migrations.
const CurrentSchemaVersion = 1
