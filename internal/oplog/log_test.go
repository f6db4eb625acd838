package oplog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/offliner/internal/models"
)

func fixedClock(times ...time.Time) func() time.Time {
	i := 0
	return func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
}

func pdfAttr() models.FileAttr {
	return models.NewFileAttr(models.FileTypePDF)
}

func TestLog_AppendStampsOperations(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewLog("m1")
	l.SetClock(fixedClock(base, base.Add(time.Minute)))

	id := models.NewFileID()
	first, err := l.Append(CreateFile(id, "a.pdf", pdfAttr()))
	require.NoError(t, err)
	second, err := l.Append(SetTitle(id, models.StringPtr("Draft")))
	require.NoError(t, err)

	assert.Equal(t, models.MachineID("m1"), first.Origin)
	assert.EqualValues(t, 1, first.Seq)
	assert.EqualValues(t, 1, first.Clock)
	assert.EqualValues(t, 0, first.Seen.Get("m1"))

	assert.EqualValues(t, 2, second.Seq)
	assert.EqualValues(t, 2, second.Clock)
	assert.EqualValues(t, 1, second.Seen.Get("m1"))
	assert.True(t, second.HappenedAfter(first))
	assert.False(t, first.HappenedAfter(second))

	assert.Equal(t, 2, l.Len())
	assert.EqualValues(t, 2, l.MaxClock())
	assert.EqualValues(t, 2, l.Observed().Get("m1"))
}

func TestLog_ClockRegressionIsClamped(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	l := NewLog("m1")
	l.SetClock(fixedClock(now, now.Add(-time.Hour), now.Add(time.Second)))

	id := models.NewFileID()
	a, err := l.Append(CreateFile(id, "a.pdf", pdfAttr()))
	require.NoError(t, err)
	b, err := l.Append(SetTitle(id, models.StringPtr("x")))
	require.NoError(t, err)
	c, err := l.Append(SetTitle(id, models.StringPtr("y")))
	require.NoError(t, err)

	assert.Equal(t, a.Timestamp, b.Timestamp, "regressed clock must not move backwards")
	assert.True(t, c.Timestamp.After(b.Timestamp))
	assert.Less(t, a.Clock, b.Clock)
	assert.Less(t, b.Clock, c.Clock)
}

func TestLog_AppendRejectsInvalid(t *testing.T) {
	l := NewLog("m1")

	tests := []struct {
		name string
		op   Operation
	}{
		{"missing file id", SetTitle("", nil)},
		{"create without attr", Operation{Kind: OpCreateFile, FileID: "f", Path: "a.pdf"}},
		{"create with unknown type", CreateFile("f", "a.txt", models.NewFileAttr("txt"))},
		{"move to root", MoveFile("f", "/")},
		{"add tag without id", AddTag("f", models.Tag{Name: "x"})},
		{"remove tag without id", RemoveTag("f", "")},
		{"unknown kind", Operation{Kind: "rename", FileID: "f"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Append(tt.op)
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
	assert.Equal(t, 0, l.Len())
}

func TestLog_AppendRelay(t *testing.T) {
	m2 := NewLog("m2")
	id := models.NewFileID()
	create, err := m2.Append(CreateFile(id, "a.pdf", pdfAttr()))
	require.NoError(t, err)
	_, err = m2.Append(SetTitle(id, models.StringPtr("B")))
	require.NoError(t, err)

	m1 := NewLog("m1")
	relay, added, err := m1.AppendRelay(create)
	require.NoError(t, err)
	require.True(t, added)

	assert.Equal(t, models.MachineID("m1"), relay.Origin)
	assert.EqualValues(t, 1, relay.Seq)
	assert.Equal(t, create.Clock, relay.Clock)
	assert.Equal(t, OpRef{Origin: "m2", Seq: 1}, relay.Ref())
	assert.True(t, m1.Contains(OpRef{Origin: "m2", Seq: 1}))
	assert.EqualValues(t, 1, m1.Observed().Get("m2"))

	_, added, err = m1.AppendRelay(create)
	require.NoError(t, err)
	assert.False(t, added, "relaying twice must be a no-op")

	// A relay of a relay keeps the canonical reference.
	m3 := NewLog("m3")
	_, added, err = m3.AppendRelay(relay)
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, m3.Contains(OpRef{Origin: "m2", Seq: 1}))

	// The next local op orders after everything relayed.
	own, err := m1.Append(SetAuthor(id, models.StringPtr("Ada")))
	require.NoError(t, err)
	assert.Greater(t, own.Clock, create.Clock)
	assert.True(t, own.HappenedAfter(create))
}

func TestLog_AppendRelayOfOwnOperation(t *testing.T) {
	m1 := NewLog("m1")
	op, err := m1.Append(CreateFile(models.NewFileID(), "a.pdf", pdfAttr()))
	require.NoError(t, err)

	_, _, err = m1.AppendRelay(op)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestLoadLog(t *testing.T) {
	src := NewLog("m1")
	id := models.NewFileID()
	_, err := src.Append(CreateFile(id, "a.pdf", pdfAttr()))
	require.NoError(t, err)
	_, err = src.Append(MoveFile(id, "b.pdf"))
	require.NoError(t, err)

	peer := NewLog("m2")
	pop, err := peer.Append(CreateFile(models.NewFileID(), "c.pdf", pdfAttr()))
	require.NoError(t, err)
	_, _, err = src.AppendRelay(pop)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		loaded, err := LoadLog("m1", src.Entries())
		require.NoError(t, err)
		assert.Equal(t, src.Len(), loaded.Len())
		assert.True(t, loaded.Observed().Equal(src.Observed()))
		assert.Equal(t, src.MaxClock(), loaded.MaxClock())
	})

	mutate := func(f func([]Operation) []Operation) []Operation {
		return f(src.Entries())
	}

	tests := []struct {
		name    string
		owner   models.MachineID
		entries []Operation
	}{
		{"wrong owner", "m9", src.Entries()},
		{"gap in seq", "m1", mutate(func(e []Operation) []Operation {
			e[1].Seq = 5
			return e
		})},
		{"clock does not advance", "m1", mutate(func(e []Operation) []Operation {
			e[1].Clock = e[0].Clock
			return e
		})},
		{"zero clock relay", "m1", mutate(func(e []Operation) []Operation {
			e[2].Clock = 0
			return e
		})},
		{"duplicate relay", "m1", mutate(func(e []Operation) []Operation {
			dup := e[2].Clone()
			dup.Seq = 4
			return append(e, dup)
		})},
		{"relay of own op", "m1", mutate(func(e []Operation) []Operation {
			e[2].Relay = &OpRef{Origin: "m1", Seq: 1}
			return e
		})},
		{"missing payload", "m1", mutate(func(e []Operation) []Operation {
			e[1].Path = ""
			return e
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLog(tt.owner, tt.entries)
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
}

func TestLog_EntriesAreCopies(t *testing.T) {
	l := NewLog("m1")
	id := models.NewFileID()
	_, err := l.Append(SetTitle(id, models.StringPtr("a")))
	require.NoError(t, err)

	entries := l.Entries()
	*entries[0].Value = "mutated"

	assert.Equal(t, "a", *l.Entries()[0].Value)
}

func TestLog_CloneIsIndependent(t *testing.T) {
	l := NewLog("m1")
	id := models.NewFileID()
	_, err := l.Append(CreateFile(id, "a.pdf", pdfAttr()))
	require.NoError(t, err)

	c := l.Clone()
	_, err = c.Append(DeleteFile(id))
	require.NoError(t, err)

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 2, c.Len())
	assert.EqualValues(t, 1, l.Observed().Get("m1"))
}
