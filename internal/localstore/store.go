// Package localstore owns the on-disk layout of the user's configuration
// data: per-unit index.json files plus one content file per live entry, and
// single-file settings documents. The sync engine reads and writes through
// this package; the GUI and device layers are other writers of the same
// files, which is why every mutation bumps a timestamp and notifies the
// orchestrator.
//
// Layout under the root directory:
//
//	favorites/{type}/index.json + content files
//	keyboards/{uid}/snapshots/index.json + content files
//	keyboards/{uid}/settings.json
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mpetrovs/keebsync/internal/filex"
	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
)

const indexFileName = "index.json"

// Store reads and writes the local entry data for all sync units.
type Store struct {
	root   string
	log    logging.Logger
	notify func(models.SyncUnit)
}

func NewStore(root string, log logging.Logger) *Store {
	return &Store{root: root, log: log, notify: func(models.SyncUnit) {}}
}

// SetNotify installs the change callback, typically the orchestrator's
// NotifyChange. Mutators call it after every successful local mutation.
func (s *Store) SetNotify(fn func(models.SyncUnit)) {
	s.notify = fn
}

// Root returns the data directory this store operates on.
func (s *Store) Root() string { return s.root }

// unitDir returns the directory for an indexed unit.
func (s *Store) unitDir(unit models.SyncUnit) string {
	return filepath.Join(s.root, filepath.FromSlash(string(unit)))
}

// settingsPath returns the single settings file for a settings unit.
func (s *Store) settingsPath(unit models.SyncUnit) string {
	return filepath.Join(s.root, "keyboards", unit.KeyboardUID(), "settings.json")
}

type indexFile struct {
	Type    string             `json:"type,omitempty"`
	UID     string             `json:"uid,omitempty"`
	Entries []models.EntryMeta `json:"entries"`
}

// ReadIndex loads a unit's entry index. A missing or corrupt index is
// treated as empty: sync must keep working after a bad write, and the merge
// will repopulate from remote.
func (s *Store) ReadIndex(unit models.SyncUnit) []models.EntryMeta {
	data, err := os.ReadFile(filepath.Join(s.unitDir(unit), indexFileName))
	if err != nil {
		return nil
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		s.log.Warn(context.Background(), "corrupt index treated as empty", "unit", unit, "error", err)
		return nil
	}
	return idx.Entries
}

// WriteIndex persists a unit's entry index atomically.
func (s *Store) WriteIndex(unit models.SyncUnit, entries []models.EntryMeta) error {
	dir := s.unitDir(unit)
	if _, err := filex.EnsureDir(dir); err != nil {
		return err
	}

	idx := indexFile{Entries: entries}
	parts := strings.Split(string(unit), "/")
	if parts[0] == "favorites" {
		idx.Type = parts[1]
	} else {
		idx.UID = unit.KeyboardUID()
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return filex.WriteFileAtomic(filepath.Join(dir, indexFileName), data, 0o600)
}

// ReadContentFile returns the content of one entry file. ok=false for a
// missing file; the bundler skips those instead of failing the unit.
func (s *Store) ReadContentFile(unit models.SyncUnit, filename string) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(s.unitDir(unit), filepath.Base(filename)))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s/%s: %w", unit, filename, err)
	}
	return string(data), true, nil
}

// WriteContentFile writes one entry file atomically.
func (s *Store) WriteContentFile(unit models.SyncUnit, filename, content string) error {
	dir := s.unitDir(unit)
	if _, err := filex.EnsureDir(dir); err != nil {
		return err
	}
	return filex.WriteFileAtomic(filepath.Join(dir, filepath.Base(filename)), []byte(content), 0o600)
}

// RemoveContentFile deletes an entry's content file; missing is fine.
func (s *Store) RemoveContentFile(unit models.SyncUnit, filename string) error {
	err := os.Remove(filepath.Join(s.unitDir(unit), filepath.Base(filename)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ReadSettings returns the raw settings document for a settings unit.
func (s *Store) ReadSettings(unit models.SyncUnit) (string, bool, error) {
	data, err := os.ReadFile(s.settingsPath(unit))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read settings %s: %w", unit, err)
	}
	return string(data), true, nil
}

// WriteSettings replaces the settings document atomically.
func (s *Store) WriteSettings(unit models.SyncUnit, content string) error {
	path := s.settingsPath(unit)
	if _, err := filex.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	return filex.WriteFileAtomic(path, []byte(content), 0o600)
}

// SettingsUpdatedAt extracts the embedded _updatedAt from a settings
// document; epoch for missing or unparseable values.
func SettingsUpdatedAt(content string) time.Time {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return time.Unix(0, 0).UTC()
	}
	var ts string
	if err := json.Unmarshal(doc[models.SettingsUpdatedAtField], &ts); err != nil {
		return time.Unix(0, 0).UTC()
	}
	return models.ParseTime(ts)
}

// ListUnits enumerates every sync unit present on disk.
func (s *Store) ListUnits() ([]models.SyncUnit, error) {
	var units []models.SyncUnit

	favTypes, err := readDirNames(filepath.Join(s.root, "favorites"))
	if err != nil {
		return nil, err
	}
	for _, name := range favTypes {
		units = append(units, models.SyncUnit("favorites/"+name))
	}

	uids, err := readDirNames(filepath.Join(s.root, "keyboards"))
	if err != nil {
		return nil, err
	}
	for _, uid := range uids {
		kbDir := filepath.Join(s.root, "keyboards", uid)
		if _, err := os.Stat(filepath.Join(kbDir, "snapshots", indexFileName)); err == nil {
			units = append(units, models.SyncUnit("keyboards/"+uid+"/snapshots"))
		}
		if _, err := os.Stat(filepath.Join(kbDir, "settings.json")); err == nil {
			units = append(units, models.SyncUnit("keyboards/"+uid+"/settings"))
		}
	}
	return units, nil
}

// readDirNames lists subdirectory names, tolerating a missing parent.
func readDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// UnitFromPath resolves an absolute path inside the root to its sync unit;
// ok=false for paths outside any unit (stray files, the root itself).
func (s *Store) UnitFromPath(path string) (models.SyncUnit, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	switch {
	case len(parts) >= 3 && parts[0] == "favorites":
		return models.SyncUnit("favorites/" + parts[1]), true
	case len(parts) >= 4 && parts[0] == "keyboards" && parts[2] == "snapshots":
		return models.SyncUnit("keyboards/" + parts[1] + "/snapshots"), true
	case len(parts) == 3 && parts[0] == "keyboards" && parts[2] == "settings.json":
		return models.SyncUnit("keyboards/" + parts[1] + "/settings"), true
	default:
		return "", false
	}
}
