package metastore

import (
	"sort"
	"sync"

	"github.com/TheMichaelB/offliner/internal/models"
)

// MockStore provides an in-memory implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	files map[models.FileID]models.File

	// Puts counts Put calls, Replaces counts Replace calls.
	Puts     int
	Replaces int
}

// NewMockStore creates an in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		files: make(map[models.FileID]models.File),
	}
}

// Get retrieves one file.
func (m *MockStore) Get(id models.FileID) (*models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := f.Clone()
	return &c, nil
}

// Put inserts or replaces a file.
func (m *MockStore) Put(file models.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[file.ID] = file.Clone()
	m.Puts++
	return nil
}

// Delete removes a file.
func (m *MockStore) Delete(id models.FileID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, id)
	return nil
}

// List returns every file ordered by relative path.
func (m *MockStore) List() ([]models.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.File, 0, len(m.files))
	for _, f := range m.files {
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RelativePath != out[j].RelativePath {
			return out[i].RelativePath < out[j].RelativePath
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Replace swaps the whole content.
func (m *MockStore) Replace(files []models.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files = make(map[models.FileID]models.File, len(files))
	for _, f := range files {
		m.files[f.ID] = f.Clone()
	}
	m.Replaces++
	return nil
}

// Close releases resources.
func (m *MockStore) Close() error {
	return nil
}
