// Package env owns the local machine, its known peers and the merged file
// view of one library root, and drives synchronization between them.
package env

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/TheMichaelB/offliner/internal/config"
	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/machine"
	"github.com/TheMichaelB/offliner/internal/metastore"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/reconcile"
	"github.com/TheMichaelB/offliner/internal/scan"
	"github.com/TheMichaelB/offliner/internal/storage"
)

// Options configures New.
type Options struct {
	Config *config.Config

	// Identity overrides the provider selected by Config.Identity.
	Identity machine.IdentityProvider

	// Store overrides the SQLite metadata store at the machine's
	// metadata store path.
	Store metastore.Store

	Logger *events.Logger
}

// Env is one library root as seen from the local machine. It is safe for
// concurrent use.
type Env struct {
	cfg        *config.Config
	registry   *machine.Registry
	scanner    *scan.Scanner
	reconciler *reconcile.Reconciler
	store      metastore.Store
	disk       storage.BlobStore
	logger     *events.Logger
	unlock     machine.UnlockFunc

	// writeMu serializes everything that appends to the local log.
	writeMu sync.Mutex

	mu       sync.RWMutex
	syncing  bool
	closed   bool
	status   models.EnvStatus
	local    *machine.Machine
	peers    []*machine.Machine
	view     reconcile.View
	warnings []error
}

// New opens the environment of cfg.Library.Root: it determines the local
// machine id, discovers registered machines, registers the local machine on
// first run, replays its log and scans the root for new documents.
//
// The local machine's lock is held until Close.
func New(ctx context.Context, opts Options) (*Env, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = events.FromContext(ctx)
	}

	provider := opts.Identity
	if provider == nil {
		p, err := machine.NewIdentityProvider(cfg.Identity.Source, cfg.Identity.AppID, cfg.Identity.StaticID)
		if err != nil {
			return nil, err
		}
		provider = p
	}

	id, err := provider.MachineID(ctx)
	if err != nil {
		var envErr *models.EnvError
		if errors.As(err, &envErr) {
			return nil, err
		}
		return nil, models.NewIdentityError(err)
	}
	if !id.Valid() {
		return nil, models.NewIdentityError(errors.New("empty machine id"))
	}

	logger = logger.WithField("machine_id", string(id))

	registry, err := machine.NewRegistry(cfg.Library.Root, logger)
	if err != nil {
		return nil, err
	}

	unlock, err := registry.Lock(ctx, id, cfg.Sync.LockTimeout)
	if err != nil {
		return nil, err
	}

	e := &Env{
		cfg:        cfg,
		registry:   registry,
		reconciler: reconcile.New(cfg.Sync.MaxConcurrent, logger),
		logger:     logger.WithField("component", "env"),
		unlock:     unlock,
		status:     models.Ready(),
	}

	if err := e.open(ctx, id, opts.Store); err != nil {
		e.release()
		return nil, err
	}

	return e, nil
}

func (e *Env) open(ctx context.Context, id models.MachineID, store metastore.Store) error {
	d, err := e.registry.Discover(ctx, id)
	if err != nil {
		return err
	}

	local := d.Local
	if local == nil {
		local, err = e.registry.Bootstrap(id, e.cfg.Storage.MetadataDir)
		if err != nil {
			return err
		}
	}

	if store == nil {
		s, err := metastore.NewSQLiteStore(local.MetadataStorePath, e.logger)
		if err != nil {
			return &models.EnvError{Code: models.ErrCodeStorage, MachineID: id, Path: local.MetadataStorePath, Err: err}
		}
		store = s
	}
	e.store = store

	e.scanner, err = scan.NewScanner(e.cfg.Library.Ignore, []string{machine.Dir}, e.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidConfig, err)
	}

	e.disk, err = storage.NewLocalStore(e.registry.Root(), e.logger)
	if err != nil {
		return models.NewRootUnavailable(e.registry.Root(), err)
	}

	view, err := e.reconciler.Replay(ctx, local.Log)
	if err != nil {
		return models.NewCorruptLocalLog(id, err)
	}

	e.local = local
	e.peers = d.Peers
	e.view = *view
	e.warnings = d.Warnings

	added, err := e.Rescan(ctx)
	if err != nil {
		return err
	}

	if err := e.store.Replace(e.Files()); err != nil {
		e.logger.WithError(err).Warn("Failed to refresh metadata store")
	}

	e.logger.WithFields(map[string]interface{}{
		"root":       e.registry.Root(),
		"peers":      len(d.Peers),
		"files":      len(e.view.Files),
		"discovered": added,
		"bootstrap":  d.Local == nil,
	}).Info("Environment ready")

	return nil
}

// Close releases the metadata store and the machine lock.
func (e *Env) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	return e.release()
}

func (e *Env) release() error {
	var err error
	if e.store != nil {
		err = e.store.Close()
	}
	if e.unlock != nil {
		e.unlock()
	}
	return err
}

// Root returns the absolute library root.
func (e *Env) Root() string {
	return e.registry.Root()
}

// Status returns the status of the last sync cycle.
func (e *Env) Status() models.EnvStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Local returns a copy of the local machine.
func (e *Env) Local() *machine.Machine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.Clone()
}

// Peers returns copies of the peer machines seen by the last discovery,
// sorted by id.
func (e *Env) Peers() []*machine.Machine {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*machine.Machine, len(e.peers))
	for i, p := range e.peers {
		out[i] = p.Clone()
	}
	return out
}

// Warnings returns the peer records skipped by the last discovery.
func (e *Env) Warnings() []error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]error, len(e.warnings))
	copy(out, e.warnings)
	return out
}

// Files returns the merged view sorted by relative path.
func (e *Env) Files() []models.File {
	e.mu.RLock()
	defer e.mu.RUnlock()

	files := make([]models.File, 0, len(e.view.Files))
	for _, f := range e.view.Files {
		files = append(files, f.Clone())
	}
	sort.Slice(files, func(i, j int) bool { return files[i].RelativePath < files[j].RelativePath })
	return files
}

// File returns one file of the merged view.
func (e *Env) File(id models.FileID) (models.File, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fileLocked(id)
}

// Tombstones returns the ids of deleted files, sorted.
func (e *Env) Tombstones() []models.FileID {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.view.Tombstones.ToSlice()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Resolve finds a live file by id, unique id prefix or relative path.
func (e *Env) Resolve(ref string) (models.File, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.File{}, models.ErrFileNotFound
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if id, err := models.ParseFileID(ref); err == nil {
		if f, err := e.fileLocked(id); err == nil || errors.Is(err, models.ErrFileDeleted) {
			return f, err
		}
	}

	p := models.NormalizePath(ref)
	for _, f := range e.view.Files {
		if f.RelativePath == p {
			return f.Clone(), nil
		}
	}

	matches := mapset.NewThreadUnsafeSet[models.FileID]()
	for id := range e.view.Files {
		if strings.HasPrefix(string(id), ref) {
			matches.Add(id)
		}
	}
	switch matches.Cardinality() {
	case 0:
		return models.File{}, fmt.Errorf("%w: %s", models.ErrFileNotFound, ref)
	case 1:
		id, _ := matches.Pop()
		return e.view.Files[id].Clone(), nil
	default:
		return models.File{}, fmt.Errorf("%w: %s is ambiguous (%d matches)", models.ErrFileNotFound, ref, matches.Cardinality())
	}
}

func (e *Env) fileLocked(id models.FileID) (models.File, error) {
	if f, ok := e.view.Files[id]; ok {
		return f.Clone(), nil
	}
	if e.view.Tombstones.Contains(id) {
		return models.File{}, fmt.Errorf("%w: %s", models.ErrFileDeleted, id)
	}
	return models.File{}, fmt.Errorf("%w: %s", models.ErrFileNotFound, id)
}
