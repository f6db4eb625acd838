package testutil

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/TheMichaelB/offliner/internal/models"
	"github.com/TheMichaelB/offliner/internal/oplog"
)

// HistorySpec sizes a generated multi-machine history.
type HistorySpec struct {
	Machines     int
	FilesPerPeer int
	EditsPerFile int

	// RelayEvery makes machine i relay the history of machine i-1 after
	// every n of its own appends. Zero disables relays.
	RelayEvery int

	Seed int64
}

// GenerateHistory builds one log per machine. Each machine creates its own
// files and then edits random files it knows about, so titles, authors and
// tags are written concurrently across machines. The result is
// deterministic for a given spec.
func GenerateHistory(spec HistorySpec) []*oplog.Log {
	rng := rand.New(rand.NewSource(spec.Seed))
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	logs := make([]*oplog.Log, spec.Machines)
	known := make([][]models.FileID, spec.Machines)

	for m := range logs {
		log := oplog.NewLog(models.MachineID(fmt.Sprintf("m%02d", m)))
		tick := epoch
		log.SetClock(func() time.Time {
			tick = tick.Add(time.Second)
			return tick
		})
		logs[m] = log

		for f := 0; f < spec.FilesPerPeer; f++ {
			id := models.FileID(fmt.Sprintf("%08x-0000-4000-8000-%012x", m, f))
			ext, ft := ".pdf", models.FileTypePDF
			if f%3 == 0 {
				ext, ft = ".html", models.FileTypeHTML
			}
			p := fmt.Sprintf("shelf-%d/doc-%d%s", f%7, f, ext)
			mustAppend(log, oplog.CreateFile(id, p, models.NewFileAttr(ft)))
			known[m] = append(known[m], id)
		}
	}

	for m, log := range logs {
		appends := 0
		for e := 0; e < spec.EditsPerFile*spec.FilesPerPeer; e++ {
			ids := known[m]
			id := ids[rng.Intn(len(ids))]

			switch rng.Intn(4) {
			case 0:
				mustAppend(log, oplog.SetTitle(id, models.StringPtr(fmt.Sprintf("title %d", rng.Intn(5)))))
			case 1:
				mustAppend(log, oplog.SetAuthor(id, models.StringPtr(fmt.Sprintf("author %d", rng.Intn(3)))))
			case 2:
				mustAppend(log, oplog.AddTag(id, models.Tag{
					ID:         models.TagID(fmt.Sprintf("tag-%d-%d", m, e)),
					Name:       fmt.Sprintf("topic-%d", rng.Intn(6)),
					ModifyTime: time.Unix(int64(e), 0).UTC(),
				}))
			case 3:
				mustAppend(log, oplog.MoveFile(id, fmt.Sprintf("moved/%s-%d.pdf", id.Short(), e)))
			}
			appends++

			if spec.RelayEvery > 0 && m > 0 && appends%spec.RelayEvery == 0 {
				known[m] = relayAll(log, logs[m-1], known[m])
			}
		}
	}

	return logs
}

// relayAll copies every canonical operation of src that dst lacks and
// returns known extended with the file ids it learned about.
func relayAll(dst, src *oplog.Log, known []models.FileID) []models.FileID {
	seen := make(map[models.FileID]bool, len(known))
	for _, id := range known {
		seen[id] = true
	}
	for _, op := range src.Entries() {
		if op.Ref().Origin == dst.Owner() {
			continue
		}
		if _, _, err := dst.AppendRelay(op); err != nil {
			panic(err)
		}
		if !seen[op.FileID] {
			seen[op.FileID] = true
			known = append(known, op.FileID)
		}
	}
	return known
}

func mustAppend(log *oplog.Log, op oplog.Operation) {
	if _, err := log.Append(op); err != nil {
		panic(err)
	}
}
