package models

import "time"

// EntryState classifies an entry for exhaustive handling during merges.
type EntryState int

const (
	EntryActive EntryState = iota
	EntryTombstoned
)

// EntryMeta describes one saved preset or snapshot inside a sync unit's
// index. Timestamps are RFC 3339 strings as written by every client;
// unparseable values sort as the Unix epoch so a validly timestamped
// competitor always wins.
//
// A tombstone is an EntryMeta whose DeletedAt is set. Tombstones keep their
// id and filename so the deletion propagates, and are purged 30 days later.
type EntryMeta struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	FileName  string `json:"filename"`
	SavedAt   string `json:"savedAt"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	DeletedAt string `json:"deletedAt,omitempty"`
	HubPostID string `json:"hubPostId,omitempty"`
}

// State returns EntryTombstoned when DeletedAt is set.
func (e EntryMeta) State() EntryState {
	if e.DeletedAt != "" {
		return EntryTombstoned
	}
	return EntryActive
}

// IsTombstone reports whether the entry is a deletion marker.
func (e EntryMeta) IsTombstone() bool {
	return e.State() == EntryTombstoned
}

// EffectiveTime is the timestamp used for last-write-wins comparisons:
// UpdatedAt when present, otherwise SavedAt.
func (e EntryMeta) EffectiveTime() time.Time {
	if e.UpdatedAt != "" {
		return ParseTime(e.UpdatedAt)
	}
	return ParseTime(e.SavedAt)
}

// DeletedTime parses DeletedAt; epoch for unset or unparseable values.
func (e EntryMeta) DeletedTime() time.Time {
	return ParseTime(e.DeletedAt)
}

// ParseTime parses an RFC 3339 timestamp, resolving anything unparseable
// (including "") to the Unix epoch.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Unix(0, 0).UTC()
	}
	return t
}

// FormatTime renders t the way all clients write timestamps.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// EntryIndex is the JSON shape of a unit's index file and of the index
// section of a bundle.
type EntryIndex struct {
	Entries []EntryMeta `json:"entries"`
}
