// Package models defines the sync data model: sync units, entry metadata,
// plaintext bundles, encrypted envelopes, stored tokens and progress events.
package models

import (
	"regexp"
	"strings"
)

// SyncUnit identifies an independently synchronizable data slice, e.g.
// "favorites/tapDance", "keyboards/abc123/snapshots" or
// "keyboards/abc123/settings".
type SyncUnit string

const remoteFileSuffix = ".enc"

// Reverse mapping from remote filenames. The keyboard UID may itself contain
// underscores, so the greedy group claims everything up to the final
// "_snapshots"/"_settings".
var (
	favoritesFileRe = regexp.MustCompile(`^favorites_([A-Za-z0-9-]+)\.enc$`)
	keyboardsFileRe = regexp.MustCompile(`^keyboards_(.+)_(snapshots|settings)\.enc$`)
)

// RemoteFileName maps a sync unit to its remote filename: slashes become
// underscores and the ".enc" suffix is appended.
func (u SyncUnit) RemoteFileName() string {
	return strings.ReplaceAll(string(u), "/", "_") + remoteFileSuffix
}

// IsSettings reports whether the unit is a single-file settings unit, which
// has no entry index and merges whole-file by its embedded _updatedAt.
func (u SyncUnit) IsSettings() bool {
	return strings.HasSuffix(string(u), "/settings")
}

// KeyboardUID returns the keyboard unique id for keyboards/... units,
// or "" for other units.
func (u SyncUnit) KeyboardUID() string {
	parts := strings.Split(string(u), "/")
	if len(parts) == 3 && parts[0] == "keyboards" {
		return parts[1]
	}
	return ""
}

// UnitFromFileName reverses RemoteFileName. Unrecognized filenames return
// ok=false and are skipped by callers; the remote area may contain files
// written by newer client versions.
func UnitFromFileName(name string) (SyncUnit, bool) {
	if m := favoritesFileRe.FindStringSubmatch(name); m != nil {
		return SyncUnit("favorites/" + m[1]), true
	}
	if m := keyboardsFileRe.FindStringSubmatch(name); m != nil {
		return SyncUnit("keyboards/" + m[1] + "/" + m[2]), true
	}
	return "", false
}
