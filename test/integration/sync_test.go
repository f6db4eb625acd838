//go:build integration
// +build integration

package integration_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offliner/internal/metastore"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
	"github.com/TheMichaelB/offliner/internal/storage"
	"github.com/TheMichaelB/offliner/test/testutil"
)

func conflictKinds(status models.EnvStatus) []models.ConflictKind {
	var kinds []models.ConflictKind
	for _, c := range status.Conflicts {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func TestTwoMachinesConverge(t *testing.T) {
	testutil.SkipIfShort(t, "multi-machine sync")

	h := testutil.NewTestHelpers(t)
	root1, root2 := h.Dir("laptop"), h.Dir("desktop")

	// Both machines independently add a document at the same path.
	h.WriteDoc(root1, "a.pdf", "one")
	h.WriteDoc(root1, "papers/raft.pdf", "raft")
	h.WriteDoc(root2, "a.pdf", "two")
	h.WriteDoc(root2, "site/index.html", "<html></html>")

	m1 := testutil.OpenLibrary(t, root1, "m1")
	m2 := testutil.OpenLibrary(t, root2, "m2")
	ctx := context.Background()

	raft, err := m1.Resolve("papers/raft.pdf")
	require.NoError(t, err)
	_, err = m1.SetTitle(ctx, raft.ID, models.StringPtr("In Search of an Understandable Consensus Algorithm"))
	require.NoError(t, err)
	_, err = m1.AddTag(ctx, raft.ID, "consensus")
	require.NoError(t, err)

	index, err := m2.Resolve("site/index.html")
	require.NoError(t, err)
	_, err = m2.SetAuthor(ctx, index.ID, models.StringPtr("webmaster"))
	require.NoError(t, err)

	testutil.Exchange(t, m1, m2)
	s1 := m1.Sync()
	s2 := m2.Sync()

	assert.Equal(t, []models.ConflictKind{models.PathCollision}, conflictKinds(s1))
	assert.Equal(t, []models.ConflictKind{models.PathCollision}, conflictKinds(s2))

	testutil.Exchange(t, m1, m2)
	m1.Sync()
	m2.Sync()

	require.Equal(t, m1.Summary(), m2.Summary())
	assert.Len(t, m1.Files(), 4)

	// m1's copy was added first at the same clock and wins the path; the
	// other copy is renamed on m2's disk.
	winner, err := m1.Resolve("a.pdf")
	require.NoError(t, err)
	assert.Equal(t, models.MachineID("m1"), originOf(t, m1, winner.ID))

	var loser models.File
	for _, f := range m2.Files() {
		if f.ID != winner.ID && f.RelativePath == storage.ConflictPath("a.pdf", f.ID.Short()) {
			loser = f
		}
	}
	require.NotEmpty(t, loser.ID, "renamed copy in merged view")
	h.AssertFileContent(root2, loser.RelativePath, "two")
	h.AssertFileNotExists(root1, loser.RelativePath)
	h.AssertFileContent(root1, "a.pdf", "one")

	title, err := m2.File(raft.ID)
	require.NoError(t, err)
	require.NotNil(t, title.Attrs.Title)
	assert.Equal(t, "In Search of an Understandable Consensus Algorithm", *title.Attrs.Title)

	assert.True(t, m1.Logs.HasMessage("Sync complete"))
}

// originOf finds the machine whose log created id.
func originOf(t *testing.T, lib *testutil.Library, id models.FileID) models.MachineID {
	t.Helper()
	logs := []*oplog.Log{lib.Local().Log}
	for _, p := range lib.Peers() {
		logs = append(logs, p.Log)
	}
	for _, l := range logs {
		for _, op := range l.Entries() {
			if op.FileID == id && op.Kind == oplog.OpCreateFile && !op.IsRelay() {
				return op.Origin
			}
		}
	}
	t.Fatalf("no create_file for %s", id)
	return ""
}

func TestConcurrentTitleEditsConverge(t *testing.T) {
	testutil.SkipIfShort(t, "multi-machine sync")

	h := testutil.NewTestHelpers(t)
	root1, root2 := h.Dir("laptop"), h.Dir("desktop")
	h.WriteDoc(root1, "raft.pdf", "raft")

	m1 := testutil.OpenLibrary(t, root1, "m1")
	m2 := testutil.OpenLibrary(t, root2, "m2")
	ctx := context.Background()

	testutil.Exchange(t, m1, m2)
	m2.Sync()

	f, err := m2.Resolve("raft.pdf")
	require.NoError(t, err)

	_, err = m1.SetTitle(ctx, f.ID, models.StringPtr("Raft"))
	require.NoError(t, err)
	_, err = m2.SetTitle(ctx, f.ID, models.StringPtr("Raft (extended)"))
	require.NoError(t, err)

	testutil.Exchange(t, m1, m2)
	s1 := m1.Sync()
	s2 := m2.Sync()

	assert.Equal(t, []models.ConflictKind{models.SyncExistConflict}, conflictKinds(s1))
	assert.Equal(t, []models.ConflictKind{models.SyncExistConflict}, conflictKinds(s2))
	assert.Equal(t, m1.Summary(), m2.Summary())

	// A conflict is reported once.
	assert.Equal(t, models.StateReady, m1.Sync().State)
}

func TestThreeMachineRelay(t *testing.T) {
	testutil.SkipIfShort(t, "multi-machine sync")

	h := testutil.NewTestHelpers(t)
	root1, root2, root3 := h.Dir("m1"), h.Dir("m2"), h.Dir("m3")
	h.WriteDoc(root1, "notes/paxos.pdf", "paxos")

	m1 := testutil.OpenLibrary(t, root1, "m1")
	m2 := testutil.OpenLibrary(t, root2, "m2")
	m3 := testutil.OpenLibrary(t, root3, "m3")
	ctx := context.Background()

	paxos, err := m1.Resolve("notes/paxos.pdf")
	require.NoError(t, err)
	_, err = m1.SetAuthor(ctx, paxos.ID, models.StringPtr("Lamport"))
	require.NoError(t, err)

	// m1 only ever meets m2, and m2 only ever meets m3.
	testutil.CopyRecord(t, m1, m2, m1.ID)
	m2.Sync()
	testutil.CopyRecord(t, m2, m3, m2.ID)
	m3.Sync()

	got, err := m3.File(paxos.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes/paxos.pdf", got.RelativePath)
	require.NotNil(t, got.Attrs.Author)
	assert.Equal(t, "Lamport", *got.Attrs.Author)

	_, err = m3.MoveFile(ctx, paxos.ID, "classics/paxos.pdf")
	require.NoError(t, err)

	// The move travels back the same way.
	testutil.CopyRecord(t, m3, m2, m3.ID)
	m2.Sync()
	testutil.CopyRecord(t, m2, m1, m2.ID)
	m1.Sync()

	moved, err := m1.File(paxos.ID)
	require.NoError(t, err)
	assert.Equal(t, "classics/paxos.pdf", moved.RelativePath)
	h.AssertFileContent(root1, "classics/paxos.pdf", "paxos")
	h.AssertFileNotExists(root1, "notes/paxos.pdf")

	// Once everyone meets, relayed and original copies collapse.
	testutil.Exchange(t, m1, m2, m3)
	for _, lib := range []*testutil.Library{m1, m2, m3} {
		assert.Equal(t, models.StateReady, lib.Sync().State)
	}
	assert.Equal(t, m1.Summary(), m2.Summary())
	assert.Equal(t, m1.Summary(), m3.Summary())
}

func TestDeleteWins(t *testing.T) {
	testutil.SkipIfShort(t, "multi-machine sync")

	h := testutil.NewTestHelpers(t)
	root1, root2 := h.Dir("laptop"), h.Dir("desktop")
	h.WriteDoc(root1, "draft.html", "<p>draft</p>")

	m1 := testutil.OpenLibrary(t, root1, "m1")
	m2 := testutil.OpenLibrary(t, root2, "m2")
	ctx := context.Background()

	testutil.Exchange(t, m1, m2)
	m2.Sync()

	draft, err := m2.Resolve("draft.html")
	require.NoError(t, err)

	require.NoError(t, m1.DeleteFile(ctx, draft.ID))
	_, err = m2.SetTitle(ctx, draft.ID, models.StringPtr("Draft"))
	require.NoError(t, err)

	testutil.Exchange(t, m1, m2)
	m1.Sync()
	m2.Sync()

	for _, lib := range []*testutil.Library{m1, m2} {
		_, err := lib.File(draft.ID)
		assert.ErrorIs(t, err, models.ErrFileDeleted)
		assert.Contains(t, lib.Tombstones(), draft.ID)
	}
	h.AssertFileNotExists(root1, "draft.html")

	// A deleted document reappearing on disk is a new file.
	h.WriteDoc(root1, "draft.html", "<p>again</p>")
	added, err := m1.Rescan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	again, err := m1.Resolve("draft.html")
	require.NoError(t, err)
	assert.NotEqual(t, draft.ID, again.ID)
}

func TestMetadataSurvivesRestart(t *testing.T) {
	testutil.SkipIfShort(t, "sqlite persistence")

	h := testutil.NewTestHelpers(t)
	root := h.Dir("library")
	h.WriteDoc(root, "raft.pdf", "raft")

	lib := testutil.OpenLibrary(t, root, "m1")
	ctx := context.Background()

	f, err := lib.Resolve("raft.pdf")
	require.NoError(t, err)
	_, err = lib.AddTag(ctx, f.ID, "consensus")
	require.NoError(t, err)
	lib.Sync()

	want := lib.Summary()
	dbPath := lib.Local().MetadataStorePath
	require.NoError(t, lib.Close())

	// The metadata database mirrors the merged view.
	store, err := metastore.NewSQLiteStore(dbPath, testutil.NewTestLogger(testutil.NewLogOutput()))
	require.NoError(t, err)
	stored, err := store.List()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, f.ID, stored[0].ID)
	assert.Len(t, stored[0].Attrs.Tags, 1)
	require.NoError(t, store.Close())

	reopened := testutil.OpenLibrary(t, root, "m1")
	assert.Equal(t, want, reopened.Summary())
}

func TestCorruptPeerRecordIsSkipped(t *testing.T) {
	testutil.SkipIfShort(t, "multi-machine sync")

	h := testutil.NewTestHelpers(t)
	root := h.Dir("library")
	h.WriteDoc(root, "raft.pdf", "raft")

	lib := testutil.OpenLibrary(t, root, "m1")
	require.NoError(t, os.WriteFile(filepath.Join(root, ".machines", "m9.json"), []byte("{not json"), 0644))

	status := lib.Sync()
	assert.Equal(t, models.StateReady, status.State)
	require.Len(t, lib.Warnings(), 1)
	assert.ErrorIs(t, lib.Warnings()[0], models.ErrCorruptMachineRecord)
	assert.True(t, lib.Logs.HasLevel("warn"))
}
