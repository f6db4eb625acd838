package reconcile

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offliner/internal/events"
	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
	"github.com/TheMichaelB/offliner/internal/storage"
)

var epoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newReconciler() *Reconciler {
	return New(4, events.NewTestLogger(events.DebugLevel, "json", &bytes.Buffer{}))
}

// newLog returns a log whose wall clock ticks one second per append.
func newLog(owner models.MachineID) *oplog.Log {
	l := oplog.NewLog(owner)
	n := 0
	l.SetClock(func() time.Time {
		n++
		return epoch.Add(time.Duration(n) * time.Second)
	})
	return l
}

func appendOp(t *testing.T, l *oplog.Log, op oplog.Operation) oplog.Operation {
	t.Helper()
	out, err := l.Append(op)
	require.NoError(t, err)
	return out
}

// absorb copies every operation of srcs that dst lacks, the way a merge
// would, without touching conflicts.
func absorb(t *testing.T, dst *oplog.Log, srcs ...*oplog.Log) {
	t.Helper()
	for _, src := range srcs {
		for _, op := range src.Entries() {
			if op.Ref().Origin == dst.Owner() {
				continue
			}
			_, _, err := dst.AppendRelay(op)
			require.NoError(t, err)
		}
	}
}

func pdf(title string) models.FileAttr {
	a := models.NewFileAttr(models.FileTypePDF)
	if title != "" {
		a.Title = models.StringPtr(title)
	}
	return a
}

func conflictKeys(cs []*models.ConflictError) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Key()
	}
	return out
}

// viewSummary strips modify times so views built on different machines
// can be compared.
func viewSummary(v View) map[models.FileID]string {
	out := make(map[models.FileID]string, len(v.Files))
	for id, f := range v.Files {
		s := f.RelativePath
		if f.Attrs.Title != nil {
			s += "|title=" + *f.Attrs.Title
		}
		if f.Attrs.Author != nil {
			s += "|author=" + *f.Attrs.Author
		}
		for _, tag := range f.Attrs.SortedTags() {
			s += "|tag=" + string(tag.ID) + ":" + tag.Name
		}
		out[id] = s
	}
	return out
}

func TestReconcile_PathCollision(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	f2 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("Draft")))
	appendOp(t, m2, oplog.CreateFile(f2, "a.pdf", pdf("")))

	r := newReconciler()

	res1, err := r.Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)
	res2, err := r.Reconcile(context.Background(), Input{Local: m2, Peers: []*oplog.Log{m1}, Merged: m2.Observed()})
	require.NoError(t, err)

	for _, res := range []*Result{res1, res2} {
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, models.PathCollision, res.Conflicts[0].Kind)
		assert.Equal(t, "a.pdf", res.Conflicts[0].Path)

		// Equal clocks tie-break on origin, so m1's file keeps the path.
		assert.Equal(t, "a.pdf", res.Files[f1].RelativePath)
		assert.Equal(t, storage.ConflictPath("a.pdf", f2.Short()), res.Files[f2].RelativePath)
		assert.Equal(t, "Draft", *res.Files[f1].Attrs.Title)
	}
	assert.Equal(t, viewSummary(res1.View), viewSummary(res2.View))

	// The local log now carries the peer's create and the disambiguating move.
	require.Len(t, res1.Appended, 2)
	assert.True(t, res1.Appended[0].IsRelay())
	assert.Equal(t, oplog.OpMoveFile, res1.Appended[1].Kind)
	assert.Equal(t, f2, res1.Appended[1].FileID)
	assert.False(t, res1.Appended[1].IsRelay())
	assert.Equal(t, 3, res1.Log.Len())
	assert.Equal(t, 1, m1.Len(), "input log is not modified")

	// After exchanging the merged logs both machines converge without
	// further conflicts: the two identical moves do not disagree.
	final1, err := r.Reconcile(context.Background(), Input{Local: res1.Log, Peers: []*oplog.Log{res2.Log}, Merged: res1.Merged})
	require.NoError(t, err)
	final2, err := r.Reconcile(context.Background(), Input{Local: res2.Log, Peers: []*oplog.Log{res1.Log}, Merged: res2.Merged})
	require.NoError(t, err)

	assert.Empty(t, final1.Conflicts)
	assert.Empty(t, final2.Conflicts)
	assert.Equal(t, viewSummary(final1.View), viewSummary(final2.View))
	for _, op := range final1.Appended {
		assert.True(t, op.IsRelay(), "no new collision moves")
	}
}

func TestReconcile_TitleConflict(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("Draft")))
	absorb(t, m2, m1)

	appendOp(t, m1, oplog.SetTitle(f1, models.StringPtr("A")))
	appendOp(t, m2, oplog.SetTitle(f1, models.StringPtr("B")))

	r := newReconciler()
	res1, err := r.Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)
	res2, err := r.Reconcile(context.Background(), Input{Local: m2, Peers: []*oplog.Log{m1}, Merged: m2.Observed()})
	require.NoError(t, err)

	want := []string{models.NewFieldConflict(FieldTitle, f1).Key()}
	assert.Equal(t, want, conflictKeys(res1.Conflicts))
	assert.Equal(t, want, conflictKeys(res2.Conflicts))

	// Both titles carry clock 2; m2 orders last and wins on both sides.
	assert.Equal(t, "B", *res1.Files[f1].Attrs.Title)
	assert.Equal(t, "B", *res2.Files[f1].Attrs.Title)
}

func TestReconcile_CausalEditIsNotAConflict(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("Draft")))
	appendOp(t, m1, oplog.SetTitle(f1, models.StringPtr("A")))
	absorb(t, m2, m1)
	appendOp(t, m2, oplog.SetTitle(f1, models.StringPtr("B")))
	appendOp(t, m2, oplog.MoveFile(f1, "papers/a.pdf"))

	res, err := newReconciler().Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "B", *res.Files[f1].Attrs.Title)
	assert.Equal(t, "papers/a.pdf", res.Files[f1].RelativePath)
	assert.Equal(t, []models.FileID{f1}, res.Touched)
}

func TestReconcile_EqualConcurrentWritesAgree(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("")))
	absorb(t, m2, m1)
	appendOp(t, m1, oplog.SetAuthor(f1, models.StringPtr("Ada")))
	appendOp(t, m2, oplog.SetAuthor(f1, models.StringPtr("Ada")))

	res, err := newReconciler().Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)

	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "Ada", *res.Files[f1].Attrs.Author)
}

func TestReconcile_DuplicateTag(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("")))
	absorb(t, m2, m1)

	t1 := models.Tag{ID: models.NewTagID(), Name: "work", ModifyTime: epoch}
	t2 := models.Tag{ID: models.NewTagID(), Name: "Work ", ModifyTime: epoch}
	appendOp(t, m1, oplog.AddTag(f1, t1))
	appendOp(t, m2, oplog.AddTag(f1, t2))

	res, err := newReconciler().Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)

	tags := res.Files[f1].Attrs.Tags
	assert.Len(t, tags, 2, "tags are never coalesced")
	assert.Contains(t, tags, t1.ID)
	assert.Contains(t, tags, t2.ID)

	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, models.DuplicateTag, res.Conflicts[0].Kind)
	assert.Equal(t, "work", res.Conflicts[0].Name)
	assert.Equal(t, f1, res.Conflicts[0].FileID)
}

func TestReconcile_TagEditsCommute(t *testing.T) {
	build := func(firstM1 bool) View {
		m1 := newLog("m1")
		m2 := newLog("m2")
		f1 := models.FileID("00000000-0000-4000-8000-000000000001")
		appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("")))
		absorb(t, m2, m1)

		a := models.Tag{ID: "tag-a", Name: "alpha", ModifyTime: epoch}
		b := models.Tag{ID: "tag-b", Name: "beta", ModifyTime: epoch}
		if firstM1 {
			appendOp(t, m1, oplog.AddTag(f1, a))
			appendOp(t, m2, oplog.AddTag(f1, b))
		} else {
			appendOp(t, m2, oplog.AddTag(f1, b))
			appendOp(t, m1, oplog.AddTag(f1, a))
		}

		res, err := newReconciler().Reconcile(context.Background(), Input{Local: m2, Peers: []*oplog.Log{m1}, Merged: m2.Observed()})
		require.NoError(t, err)
		assert.Empty(t, res.Conflicts)
		return res.View
	}

	assert.Equal(t, viewSummary(build(true)), viewSummary(build(false)))
}

func TestReconcile_TombstoneDominates(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("Draft")))
	absorb(t, m2, m1)

	// m2 keeps editing heavily so its clock runs ahead of the delete.
	appendOp(t, m1, oplog.DeleteFile(f1))
	for _, title := range []string{"x", "y", "z"} {
		appendOp(t, m2, oplog.SetTitle(f1, models.StringPtr(title)))
	}

	r := newReconciler()
	for _, in := range []Input{
		{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()},
		{Local: m2, Peers: []*oplog.Log{m1}, Merged: m2.Observed()},
	} {
		res, err := r.Reconcile(context.Background(), in)
		require.NoError(t, err)
		assert.NotContains(t, res.Files, f1)
		assert.True(t, res.Tombstones.Contains(f1))
		assert.Empty(t, res.Conflicts)
	}
}

func TestReconcile_Determinism(t *testing.T) {
	local := newLog("m0")
	peers := []*oplog.Log{newLog("m1"), newLog("m2"), newLog("m3")}

	shared := models.NewFileID()
	appendOp(t, local, oplog.CreateFile(shared, "shared.pdf", pdf("start")))
	for _, p := range peers {
		absorb(t, p, local)
	}

	for i, p := range peers {
		appendOp(t, p, oplog.SetTitle(shared, models.StringPtr("title-"+string(p.Owner()))))
		appendOp(t, p, oplog.CreateFile(models.NewFileID(), "dup.pdf", pdf("")))
		if i%2 == 0 {
			appendOp(t, p, oplog.AddTag(shared, models.Tag{ID: models.NewTagID(), Name: "todo", ModifyTime: epoch}))
		}
	}
	// m3 has seen m1, so its edits are causally after m1's.
	absorb(t, peers[2], peers[0])
	appendOp(t, peers[2], oplog.SetAuthor(shared, models.StringPtr("Grace")))

	orders := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}

	var (
		wantView      map[models.FileID]string
		wantConflicts []string
	)
	for _, order := range orders {
		in := Input{Local: local, Merged: local.Observed()}
		for _, i := range order {
			in.Peers = append(in.Peers, peers[i])
		}
		res, err := newReconciler().Reconcile(context.Background(), in)
		require.NoError(t, err)

		view := viewSummary(res.View)
		conflicts := conflictKeys(res.Conflicts)
		if wantView == nil {
			wantView, wantConflicts = view, conflicts
			continue
		}
		assert.Equal(t, wantView, view, "order %v", order)
		assert.Equal(t, wantConflicts, conflicts, "order %v", order)
	}

	kinds := make(map[models.ConflictKind]int)
	for _, key := range wantConflicts {
		for _, k := range []models.ConflictKind{models.SyncExistConflict, models.DuplicateTag, models.PathCollision} {
			if len(key) >= len(k) && key[:len(k)] == string(k) {
				kinds[k]++
			}
		}
	}
	assert.Equal(t, 1, kinds[models.SyncExistConflict])
	assert.Equal(t, 1, kinds[models.DuplicateTag])
	assert.Equal(t, 1, kinds[models.PathCollision])
	assert.True(t, sort.StringsAreSorted(wantConflicts))
}

func TestReconcile_Idempotent(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")

	f1 := models.NewFileID()
	f2 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("Draft")))
	absorb(t, m2, m1)
	appendOp(t, m1, oplog.SetTitle(f1, models.StringPtr("A")))
	appendOp(t, m2, oplog.SetTitle(f1, models.StringPtr("B")))
	appendOp(t, m2, oplog.CreateFile(f2, "a.pdf", pdf("")))

	r := newReconciler()
	first, err := r.Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)
	require.Len(t, first.Conflicts, 2)

	second, err := r.Reconcile(context.Background(), Input{Local: first.Log, Peers: []*oplog.Log{m2}, Merged: first.Merged})
	require.NoError(t, err)

	assert.Empty(t, second.Conflicts)
	assert.Empty(t, second.Appended)
	assert.Empty(t, second.Touched)
	assert.Equal(t, first.Files, second.Files)
	assert.True(t, first.Tombstones.Equal(second.Tombstones))
}

func TestReconcile_RelayedHistory(t *testing.T) {
	// m1 only ever sees m3 through m2's log.
	m1 := newLog("m1")
	m2 := newLog("m2")
	m3 := newLog("m3")

	f3 := models.NewFileID()
	appendOp(t, m3, oplog.CreateFile(f3, "from-m3.html", models.NewFileAttr(models.FileTypeHTML)))
	absorb(t, m2, m3)

	res, err := newReconciler().Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{m2}, Merged: m1.Observed()})
	require.NoError(t, err)

	require.Contains(t, res.Files, f3)
	assert.True(t, res.Log.Contains(oplog.OpRef{Origin: "m3", Seq: 1}))
	assert.EqualValues(t, 1, res.Merged.Get("m3"))
}

func TestReconcile_LostLocalHistory(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")
	appendOp(t, m1, oplog.CreateFile(models.NewFileID(), "a.pdf", pdf("")))
	absorb(t, m2, m1)

	// m1 restarted from an empty log while m2 still holds its history.
	_, err := newReconciler().Reconcile(context.Background(), Input{Local: newLog("m1"), Peers: []*oplog.Log{m2}})
	assert.ErrorIs(t, err, models.ErrCorruptLocalLog)
	assert.ErrorIs(t, err, ErrForeignOwnOperation)
}

func TestReconcile_ReissuedLocalHistory(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")
	appendOp(t, m1, oplog.CreateFile(models.NewFileID(), "a.pdf", pdf("")))
	absorb(t, m2, m1)

	// m1 restarted from an empty log and recorded something else as m1#1.
	fresh := newLog("m1")
	appendOp(t, fresh, oplog.CreateFile(models.NewFileID(), "other.pdf", pdf("")))

	_, err := newReconciler().Reconcile(context.Background(), Input{Local: fresh, Peers: []*oplog.Log{m2}})
	assert.ErrorIs(t, err, models.ErrCorruptLocalLog)
	assert.ErrorIs(t, err, ErrDivergentOperation)
}

func TestReconcile_DivergentPeerHistories(t *testing.T) {
	m1 := newLog("m1")
	m2 := newLog("m2")
	appendOp(t, m1, oplog.CreateFile(models.NewFileID(), "a.pdf", pdf("")))
	absorb(t, m2, m1)

	reissued := newLog("m1")
	appendOp(t, reissued, oplog.CreateFile(models.NewFileID(), "other.pdf", pdf("")))

	// A third machine sees both versions of m1#1; neither order may win.
	for _, peers := range [][]*oplog.Log{{m2, reissued}, {reissued, m2}} {
		_, err := newReconciler().Reconcile(context.Background(), Input{Local: newLog("m3"), Peers: peers})
		assert.ErrorIs(t, err, ErrDivergentOperation)
		assert.ErrorIs(t, err, models.ErrCorruptMachineRecord)
	}
}

func TestReconcile_RejectsSelfAsPeer(t *testing.T) {
	m1 := newLog("m1")
	_, err := newReconciler().Reconcile(context.Background(), Input{Local: m1, Peers: []*oplog.Log{newLog("m1")}})
	assert.Error(t, err)
}

func TestReconcile_Cancelled(t *testing.T) {
	m1 := newLog("m1")
	appendOp(t, m1, oplog.CreateFile(models.NewFileID(), "a.pdf", pdf("")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newReconciler().Reconcile(ctx, Input{Local: m1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplay(t *testing.T) {
	m1 := newLog("m1")
	f1 := models.NewFileID()
	f2 := models.NewFileID()
	appendOp(t, m1, oplog.CreateFile(f1, "a.pdf", pdf("")))
	appendOp(t, m1, oplog.CreateFile(f2, "b.pdf", pdf("")))
	appendOp(t, m1, oplog.DeleteFile(f2))
	appendOp(t, m1, oplog.MoveFile(f1, "c.pdf"))

	view, err := newReconciler().Replay(context.Background(), m1)
	require.NoError(t, err)

	assert.Len(t, view.Files, 1)
	assert.Equal(t, "c.pdf", view.Files[f1].RelativePath)
	assert.True(t, view.Tombstones.Contains(f2))
	assert.Equal(t, map[string]models.FileID{"c.pdf": f1}, view.Paths())
	assert.Equal(t, epoch.Add(4*time.Second), view.Files[f1].ModifyTime)
}

func TestMarkedPath(t *testing.T) {
	id := models.FileID("3f2a9c1e-0000-4000-8000-000000000000")
	taken := map[string]bool{}

	assert.Equal(t, "dir/a.conflict-3f2a9c1e.pdf", markedPath("dir/a.pdf", id, taken))

	taken["dir/a.conflict-3f2a9c1e.pdf"] = true
	assert.Equal(t, "dir/a.conflict-3f2a9c1e000040008000000000000000.pdf", markedPath("dir/a.pdf", id, taken))

	taken["dir/a.conflict-3f2a9c1e000040008000000000000000.pdf"] = true
	assert.Equal(t, "dir/a.conflict-3f2a9c1e000040008000000000000000-2.pdf", markedPath("dir/a.pdf", id, taken))
}
