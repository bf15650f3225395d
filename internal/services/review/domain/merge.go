// Package domain maintains live aggregated record views for reviewers.
package domain

import (
	"sort"

	recordsdomain "github.com/lumascan/lumascan/internal/services/records/domain"
)

// Entry is one merged view row: a subject's record annotated with the owner
// email known from the roster snapshot.
type Entry struct {
	Record     recordsdomain.Record
	OwnerEmail string
}

// mergeSnapshots unions the latest snapshot of every subscribed subject into
// one deterministic ordering: created-at descending, ties broken by owner id
// then record id. Duplicate record ids are dropped, keeping the first
// occurrence in subject-id order.
func mergeSnapshots(snapshots map[string][]recordsdomain.Record, emails map[string]string) []Entry {
	subjectIDs := make([]string, 0, len(snapshots))
	for subjectID := range snapshots {
		subjectIDs = append(subjectIDs, subjectID)
	}
	sort.Strings(subjectIDs)

	seen := make(map[string]struct{})
	var merged []Entry
	for _, subjectID := range subjectIDs {
		for _, record := range snapshots[subjectID] {
			if _, duplicate := seen[record.ID]; duplicate {
				continue
			}
			seen[record.ID] = struct{}{}
			merged = append(merged, Entry{
				Record:     record,
				OwnerEmail: emails[subjectID],
			})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		left, right := merged[i].Record, merged[j].Record
		if !left.CreatedAt.Equal(right.CreatedAt) {
			return left.CreatedAt.After(right.CreatedAt)
		}
		if left.OwnerID != right.OwnerID {
			return left.OwnerID < right.OwnerID
		}
		return left.ID < right.ID
	})
	return merged
}
