// Package merge implements the pure last-write-wins + tombstone merge over
// two entry collections. It has no I/O; the orchestrator feeds it local and
// remote indexes and acts on the result.
package merge

import (
	"sort"
	"time"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/models"
)

// Result is the outcome of merging a unit's local and remote entries.
//
// RemoteFilesToCopy lists filenames of live remote entries whose content the
// caller must pull down; tombstones never appear here. RemoteNeedsUpdate is
// true iff some entry exists only locally or won locally by strictly greater
// effective time, i.e. the remote copy is stale.
type Result struct {
	Entries           []models.EntryMeta
	RemoteFilesToCopy []string
	RemoteNeedsUpdate bool
}

// Entries merges the local and remote views of one sync unit. Per id:
//
//   - local-only: keep local, remote needs update.
//   - remote-only: keep remote; queue its file unless it is a tombstone.
//   - both: strictly greater effective time wins. A remote win queues the
//     file (unless tombstone); a local win marks the remote stale. On a tie
//     local wins and nothing is flagged, so two converged installations
//     never oscillate.
//
// The result is sorted newest-first by effective time. Merging a collection
// with an identical copy of itself is a no-op.
func Entries(local, remote []models.EntryMeta) Result {
	remoteByID := make(map[string]models.EntryMeta, len(remote))
	for _, e := range remote {
		remoteByID[e.ID] = e
	}
	localIDs := make(map[string]struct{}, len(local))

	var res Result

	takeRemote := func(e models.EntryMeta) {
		res.Entries = append(res.Entries, e)
		if e.State() == models.EntryActive {
			res.RemoteFilesToCopy = append(res.RemoteFilesToCopy, e.FileName)
		}
	}

	for _, l := range local {
		localIDs[l.ID] = struct{}{}

		r, ok := remoteByID[l.ID]
		if !ok {
			res.Entries = append(res.Entries, l)
			res.RemoteNeedsUpdate = true
			continue
		}

		// Present on both sides: strictly newer wins, tie goes local.
		if r.EffectiveTime().After(l.EffectiveTime()) {
			takeRemote(r)
		} else {
			res.Entries = append(res.Entries, l)
			if l.EffectiveTime().After(r.EffectiveTime()) {
				res.RemoteNeedsUpdate = true
			}
		}
	}

	for _, r := range remote {
		if _, ok := localIDs[r.ID]; !ok {
			takeRemote(r)
		}
	}

	sort.SliceStable(res.Entries, func(i, j int) bool {
		return res.Entries[i].EffectiveTime().After(res.Entries[j].EffectiveTime())
	})

	return res
}

// GCTombstones drops tombstones whose deletion is at least the tombstone TTL
// (30 days) old. Live entries always pass through unchanged.
func GCTombstones(entries []models.EntryMeta) []models.EntryMeta {
	return gcTombstonesAt(entries, time.Now())
}

func gcTombstonesAt(entries []models.EntryMeta, now time.Time) []models.EntryMeta {
	kept := make([]models.EntryMeta, 0, len(entries))
	for _, e := range entries {
		if e.State() == models.EntryTombstoned && now.Sub(e.DeletedTime()) >= common.TombstoneTTL {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}
