package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/storage"
)

// Dir is the reserved subdirectory of the library root holding one record
// per machine.
const Dir = ".machines"

// LockExt is the file extension of per-machine lock files.
const LockExt = ".lock"

// UnlockFunc releases a lock acquired with Registry.Lock.
type UnlockFunc func()

// Discovery is the result of enumerating the registry.
type Discovery struct {
	// Local is nil when the current host has never registered.
	Local *Machine
	// Peers is sorted by id and never contains the local id.
	Peers []*Machine
	// Warnings lists records that were skipped, each a *models.EnvError
	// with code CORRUPT_MACHINE_RECORD.
	Warnings []error
}

// Registry reads and writes machine records under <root>/.machines.
type Registry struct {
	root   string
	dir    string
	store  *storage.LocalStore
	logger *events.Logger
}

// NewRegistry opens the registry of a library root. The root must exist
// and be readable; the reserved directory is created when missing.
func NewRegistry(root string, logger *events.Logger) (*Registry, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, models.NewRootUnavailable(root, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, models.NewRootUnavailable(abs, err)
	}
	if !info.IsDir() {
		return nil, models.NewRootUnavailable(abs, errors.New("not a directory"))
	}
	if _, err := os.ReadDir(abs); err != nil {
		return nil, models.NewRootUnavailable(abs, err)
	}

	dir := filepath.Join(abs, Dir)
	store, err := storage.NewLocalStore(dir, logger)
	if err != nil {
		return nil, models.NewRootUnavailable(dir, err)
	}

	return &Registry{
		root:   abs,
		dir:    dir,
		store:  store,
		logger: logger.WithField("component", "machine_registry"),
	}, nil
}

// Root returns the absolute library root.
func (r *Registry) Root() string {
	return r.root
}

// Dir returns the absolute path of the reserved directory.
func (r *Registry) Dir() string {
	return r.dir
}

// RecordPath returns the absolute path of a machine's record.
func (r *Registry) RecordPath(id models.MachineID) string {
	return filepath.Join(r.dir, EscapeID(id)+RecordExt)
}

// Discover loads every machine record and splits out the one matching
// localID. A record that cannot be parsed is skipped with a warning unless
// it belongs to the local machine, which is fatal.
func (r *Registry) Discover(ctx context.Context, localID models.MachineID) (*Discovery, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, models.NewRootUnavailable(r.dir, err)
	}

	result := &Discovery{}
	seen := make(map[models.MachineID]bool)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != RecordExt || strings.HasPrefix(name, ".") {
			continue
		}

		fileID := UnescapeID(strings.TrimSuffix(name, RecordExt))
		m, err := r.load(name)
		if err == nil && m.ID != fileID {
			err = fmt.Errorf("record id %s does not match file name", m.ID)
		}
		if err == nil && seen[m.ID] {
			err = fmt.Errorf("duplicate record for %s", m.ID)
		}

		if err != nil {
			if fileID == localID {
				return nil, models.NewCorruptLocalLog(localID, err)
			}
			r.logger.WithError(err).WithField("record", name).Warn("Skipping corrupt machine record")
			result.Warnings = append(result.Warnings,
				models.NewCorruptMachineRecord(fileID, filepath.Join(r.dir, name), err))
			continue
		}

		seen[m.ID] = true
		if m.ID == localID {
			result.Local = m
			continue
		}
		result.Peers = append(result.Peers, m)
	}

	sort.Slice(result.Peers, func(i, j int) bool { return result.Peers[i].ID < result.Peers[j].ID })

	r.logger.WithFields(map[string]interface{}{
		"local_found": result.Local != nil,
		"peers":       len(result.Peers),
		"skipped":     len(result.Warnings),
	}).Debug("Discovered machines")

	return result, nil
}

func (r *Registry) load(name string) (*Machine, error) {
	data, err := r.store.Read(name)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Bootstrap creates and registers a fresh machine whose metadata store
// lives under metadataDir.
func (r *Registry) Bootstrap(id models.MachineID, metadataDir string) (*Machine, error) {
	if !id.Valid() {
		return nil, models.NewIdentityError(errors.New("empty machine id"))
	}

	storePath := filepath.Join(metadataDir, EscapeID(id)+".db")
	m := New(id, storePath)

	if err := r.Save(m); err != nil {
		return nil, err
	}

	r.logger.WithFields(map[string]interface{}{
		"machine_id":     id,
		"metadata_store": storePath,
	}).Info("Registered new machine")

	return m, nil
}

// Save writes a machine record atomically.
func (r *Registry) Save(m *Machine) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	if err := r.store.Write(EscapeID(m.ID)+RecordExt, data, 0644); err != nil {
		return &models.EnvError{Code: models.ErrCodeStorage, MachineID: m.ID, Path: r.RecordPath(m.ID), Err: err}
	}

	r.logger.WithFields(map[string]interface{}{
		"machine_id": m.ID,
		"entries":    m.Log.Len(),
		"size":       len(data),
	}).Debug("Saved machine record")

	return nil
}

// Lock takes the cross-process lock guarding a machine's log. It retries
// until timeout and fails with an ErrLocked EnvError when another process
// keeps holding it.
func (r *Registry) Lock(ctx context.Context, id models.MachineID, timeout time.Duration) (UnlockFunc, error) {
	path := filepath.Join(r.dir, EscapeID(id)+LockExt)
	fl := flock.New(path)

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, models.NewLockedError(id, path)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			r.logger.WithError(err).WithField("path", path).Warn("Failed to release machine lock")
		}
	}, nil
}
