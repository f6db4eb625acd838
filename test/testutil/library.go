package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offliner/internal/config"
	"github.com/TheMichaelB/offliner/internal/env"
	"github.com/TheMichaelB/offliner/internal/machine"
	"github.com/TheMichaelB/offliner/internal/models"
)

// Library is one machine's copy of a library, opened for a test.
type Library struct {
	*env.Env

	ID     models.MachineID
	Root   string
	Config *config.Config
	Logs   *LogOutput

	t *testing.T
}

// OpenLibrary opens root as machine id with the SQLite metadata store.
// The environment is closed when the test ends.
func OpenLibrary(t *testing.T, root string, id models.MachineID) *Library {
	t.Helper()

	cfg := TestConfigWithDir(root, t.TempDir())
	logs := NewLogOutput()

	e, err := env.New(context.Background(), env.Options{
		Config:   cfg,
		Identity: machine.StaticIdentity(id),
		Logger:   NewTestLogger(logs),
	})
	require.NoError(t, err)

	lib := &Library{Env: e, ID: id, Root: root, Config: cfg, Logs: logs, t: t}
	t.Cleanup(func() { _ = e.Close() })
	return lib
}

// RecordPath is where the machine's own record lives in its root.
func (l *Library) RecordPath() string {
	return recordPath(l.Root, l.ID)
}

// Sync runs one sync cycle and fails the test on error.
func (l *Library) Sync() models.EnvStatus {
	l.t.Helper()
	ctx, cancel := TestContext()
	defer cancel()

	status, err := l.DoSync(ctx)
	require.NoError(l.t, err)
	return status
}

// Summary renders the merged view without timestamps, one line per file,
// sorted. Two converged machines have equal summaries.
func (l *Library) Summary() []string {
	files := l.Files()
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, summarize(f))
	}
	for _, id := range l.Tombstones() {
		out = append(out, "deleted "+string(id))
	}
	sort.Strings(out)
	return out
}

func summarize(f models.File) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", f.ID, f.Attrs.Type, f.RelativePath)
	if f.Attrs.Title != nil {
		fmt.Fprintf(&b, " title=%q", *f.Attrs.Title)
	}
	if f.Attrs.Author != nil {
		fmt.Fprintf(&b, " author=%q", *f.Attrs.Author)
	}
	for _, tag := range f.Attrs.SortedTags() {
		fmt.Fprintf(&b, " tag=%s:%s", tag.ID, tag.Name)
	}
	return b.String()
}

// Exchange publishes every library's own record to all the others, the way
// a shared folder or removable drive would.
func Exchange(t *testing.T, libs ...*Library) {
	t.Helper()
	for _, from := range libs {
		for _, to := range libs {
			if to != from {
				CopyRecord(t, from, to, from.ID)
			}
		}
	}
}

// CopyRecord copies the record of machine id as found in from's root into
// to's root.
func CopyRecord(t *testing.T, from, to *Library, id models.MachineID) {
	t.Helper()
	data, err := os.ReadFile(recordPath(from.Root, id))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(recordPath(to.Root, id), data, 0644))
}

func recordPath(root string, id models.MachineID) string {
	return filepath.Join(root, machine.Dir, machine.EscapeID(id)+machine.RecordExt)
}
