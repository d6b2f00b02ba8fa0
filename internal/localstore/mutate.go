package localstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/models"
)

// SaveEntry stores a new preset/snapshot: writes the content file, appends
// the index entry and notifies the orchestrator.
func (s *Store) SaveEntry(unit models.SyncUnit, label, content string) (models.EntryMeta, error) {
	entry := models.EntryMeta{
		ID:       uuid.NewString(),
		Label:    label,
		FileName: uuid.NewString() + ".json",
		SavedAt:  models.FormatTime(time.Now()),
	}

	if err := s.WriteContentFile(unit, entry.FileName, content); err != nil {
		return models.EntryMeta{}, err
	}

	entries := append(s.ReadIndex(unit), entry)
	if err := s.WriteIndex(unit, entries); err != nil {
		return models.EntryMeta{}, err
	}

	s.notify(unit)
	return entry, nil
}

// RenameEntry relabels an entry and bumps its updatedAt.
func (s *Store) RenameEntry(unit models.SyncUnit, id, label string) error {
	return s.mutateEntry(unit, id, func(e *models.EntryMeta) {
		e.Label = label
	})
}

// DeleteEntry turns an entry into a tombstone and removes its content file.
// The tombstone keeps propagating the deletion until it is GC'd.
func (s *Store) DeleteEntry(unit models.SyncUnit, id string) error {
	var filename string
	err := s.mutateEntry(unit, id, func(e *models.EntryMeta) {
		filename = e.FileName
		e.DeletedAt = e.UpdatedAt // mutateEntry just set UpdatedAt to now
	})
	if err != nil {
		return err
	}
	return s.RemoveContentFile(unit, filename)
}

// SetHubPostID records the community-hub post id on a shared entry.
func (s *Store) SetHubPostID(unit models.SyncUnit, id, postID string) error {
	return s.mutateEntry(unit, id, func(e *models.EntryMeta) {
		e.HubPostID = postID
	})
}

// mutateEntry applies fn to one index entry, stamps updatedAt, persists the
// index and notifies. Returns common.ErrNotFound for unknown ids.
func (s *Store) mutateEntry(unit models.SyncUnit, id string, fn func(*models.EntryMeta)) error {
	entries := s.ReadIndex(unit)
	for i := range entries {
		if entries[i].ID != id {
			continue
		}
		entries[i].UpdatedAt = models.FormatTime(time.Now())
		fn(&entries[i])
		if err := s.WriteIndex(unit, entries); err != nil {
			return err
		}
		s.notify(unit)
		return nil
	}
	return fmt.Errorf("entry %s in %s: %w", id, unit, common.ErrNotFound)
}

// ApplyMerge writes back a merge result: the merged index plus the content
// files pulled from the remote bundle. Missing remote file bodies are
// skipped; the next pass from the owning installation re-uploads them.
// Content files of tombstoned entries are removed, so a deletion that won
// the merge also reclaims the local bytes.
func (s *Store) ApplyMerge(unit models.SyncUnit, entries []models.EntryMeta, files map[string]string, copyNames []string) error {
	for _, name := range copyNames {
		content, ok := files[name]
		if !ok {
			continue
		}
		if err := s.WriteContentFile(unit, name, content); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if !e.IsTombstone() {
			continue
		}
		if err := s.RemoveContentFile(unit, e.FileName); err != nil {
			return err
		}
	}
	return s.WriteIndex(unit, entries)
}
