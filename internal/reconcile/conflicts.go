package reconcile

import (
	"sort"
	"strconv"
	"strings"

	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
	"github.com/TheMichaelB/offliner/internal/storage"
)

// resolveCollisions finds live files sharing a relative path. The file
// whose path was set first in merge order keeps it; every other one gets a
// MoveFile to a path carrying a marker derived from its id. The moves are
// returned unstamped, sorted by file id.
func resolveCollisions(states []fileState, view View, merged oplog.VectorClock) ([]oplog.Operation, []*models.ConflictError) {
	groups := make(map[string][]fileState)
	for _, st := range states {
		if st.file == nil || st.deleted {
			continue
		}
		p := st.file.RelativePath
		groups[p] = append(groups[p], st)
	}

	taken := make(map[string]bool, len(view.Files))
	for _, f := range view.Files {
		taken[f.RelativePath] = true
	}

	paths := make([]string, 0)
	for p, g := range groups {
		if len(g) > 1 {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	var (
		moves     []oplog.Operation
		conflicts []*models.ConflictError
	)
	for _, p := range paths {
		group := groups[p]
		sort.Slice(group, func(i, j int) bool { return oplog.Compare(group[i].pathOp, group[j].pathOp) < 0 })

		fresh := false
		for _, st := range group {
			if isNew(st.pathOp, merged) {
				fresh = true
			}
		}
		if fresh {
			conflicts = append(conflicts, models.NewPathCollision(p))
		}

		for _, loser := range group[1:] {
			target := markedPath(p, loser.id, taken)
			taken[target] = true
			moves = append(moves, oplog.MoveFile(loser.id, target))
		}
	}

	sort.Slice(moves, func(i, j int) bool { return moves[i].FileID < moves[j].FileID })
	return moves, conflicts
}

// markedPath returns the first free disambiguated path for id, widening
// the marker when the short form is already taken.
func markedPath(p string, id models.FileID, taken map[string]bool) string {
	candidate := storage.ConflictPath(p, id.Short())
	if !taken[candidate] {
		return candidate
	}
	full := strings.ReplaceAll(string(id), "-", "")
	candidate = storage.ConflictPath(p, full)
	for n := 2; taken[candidate]; n++ {
		candidate = storage.ConflictPath(p, full+"-"+strconv.Itoa(n))
	}
	return candidate
}

// sortConflicts orders conflicts by kind, then subject.
func sortConflicts(cs []*models.ConflictError) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Key() < cs[j].Key() })
}
