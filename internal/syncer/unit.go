package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mpetrovs/keebsync/internal/cryptox"
	"github.com/mpetrovs/keebsync/internal/localstore"
	"github.com/mpetrovs/keebsync/internal/merge"
	"github.com/mpetrovs/keebsync/internal/models"
	"github.com/mpetrovs/keebsync/internal/remote"
)

// settingsFileName is the single bundle file of a settings unit.
const settingsFileName = "settings.json"

// bundleSyncUnit snapshots the local state of one unit into a plaintext
// bundle: GC'd index plus the content of every live entry. Entries whose
// content file is missing stay in the index but ship no file; the owning
// installation still has the bytes.
func (o *Orchestrator) bundleSyncUnit(unit models.SyncUnit) (*models.SyncBundle, error) {
	bundle := &models.SyncBundle{
		Type:  bundleType(unit),
		Key:   unit,
		Files: make(map[string]string),
	}

	if unit.IsSettings() {
		content, ok, err := o.local.ReadSettings(unit)
		if err != nil {
			return nil, err
		}
		if ok {
			bundle.Files[settingsFileName] = content
		}
		return bundle, nil
	}

	entries := merge.GCTombstones(o.local.ReadIndex(unit))
	bundle.Index = &models.EntryIndex{Entries: entries}

	for _, e := range entries {
		if e.IsTombstone() {
			continue
		}
		content, ok, err := o.local.ReadContentFile(unit, e.FileName)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		bundle.Files[e.FileName] = content
	}
	return bundle, nil
}

func bundleType(unit models.SyncUnit) string {
	switch {
	case unit.IsSettings():
		return "settings"
	case strings.HasPrefix(string(unit), "keyboards/"):
		return "snapshots"
	default:
		return "favorites"
	}
}

// uploadSyncUnit encrypts the unit's current local state and uploads it,
// updating in place when existingID is set.
func (o *Orchestrator) uploadSyncUnit(ctx context.Context, unit models.SyncUnit, password, existingID string) error {
	bundle, err := o.bundleSyncUnit(unit)
	if err != nil {
		return err
	}
	if unit.IsSettings() && len(bundle.Files) == 0 {
		// Nothing local to say yet.
		return nil
	}

	plaintext, err := json.Marshal(bundle)
	if err != nil {
		return err
	}

	env, err := cryptox.Encrypt(plaintext, password, unit)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", unit, err)
	}

	if _, err := o.remote.UploadFile(ctx, unit.RemoteFileName(), env, existingID); err != nil {
		return fmt.Errorf("upload %s: %w", unit, err)
	}
	return nil
}

// mergeRemoteFile downloads, decrypts and merges one remote file into the
// local unit, re-uploading when the merge says the remote copy is stale.
func (o *Orchestrator) mergeRemoteFile(ctx context.Context, unit models.SyncUnit, f remote.FileInfo, password string) error {
	env, err := o.remote.DownloadFile(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("download %s: %w", unit, err)
	}
	return o.mergeSyncUnit(ctx, unit, env, f.ID, password)
}

// mergeSyncUnit applies the LWW merge between the local unit and a remote
// envelope.
func (o *Orchestrator) mergeSyncUnit(ctx context.Context, unit models.SyncUnit, env *models.SyncEnvelope, fileID, password string) error {
	plaintext, err := cryptox.Decrypt(env, password)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", unit, err)
	}

	var remoteBundle models.SyncBundle
	if err := json.Unmarshal(plaintext, &remoteBundle); err != nil {
		return fmt.Errorf("parse bundle %s: %w", unit, err)
	}

	if unit.IsSettings() {
		return o.mergeSettings(ctx, unit, &remoteBundle, fileID, password)
	}

	localIndex := o.local.ReadIndex(unit)
	localEntries := merge.GCTombstones(localIndex)

	var remoteEntries []models.EntryMeta
	if remoteBundle.Index != nil {
		remoteEntries = merge.GCTombstones(remoteBundle.Index.Entries)
	}

	res := merge.Entries(localEntries, remoteEntries)

	// Converged units skip the write-back entirely: rewriting an identical
	// index would wake the file watcher and schedule the unit again.
	if !res.RemoteNeedsUpdate && len(res.RemoteFilesToCopy) == 0 && slices.Equal(res.Entries, localIndex) {
		return nil
	}

	if err := o.local.ApplyMerge(unit, res.Entries, remoteBundle.Files, res.RemoteFilesToCopy); err != nil {
		return fmt.Errorf("write back %s: %w", unit, err)
	}

	if res.RemoteNeedsUpdate {
		return o.uploadSyncUnit(ctx, unit, password, fileID)
	}
	return nil
}

// mergeSettings is whole-file LWW on the embedded _updatedAt: the strictly
// newer side wins, ties keep local and touch nothing.
func (o *Orchestrator) mergeSettings(ctx context.Context, unit models.SyncUnit, remoteBundle *models.SyncBundle, fileID, password string) error {
	remoteContent, remoteOK := remoteBundle.Files[settingsFileName]
	localContent, localOK, err := o.local.ReadSettings(unit)
	if err != nil {
		return err
	}

	switch {
	case !remoteOK && !localOK:
		return nil
	case !localOK:
		return o.local.WriteSettings(unit, remoteContent)
	case !remoteOK:
		return o.uploadSyncUnit(ctx, unit, password, fileID)
	}

	remoteAt := localstore.SettingsUpdatedAt(remoteContent)
	localAt := localstore.SettingsUpdatedAt(localContent)

	switch {
	case remoteAt.After(localAt):
		return o.local.WriteSettings(unit, remoteContent)
	case localAt.After(remoteAt):
		return o.uploadSyncUnit(ctx, unit, password, fileID)
	default:
		return nil
	}
}

// syncOrUpload merges against the remote file when one exists, otherwise
// uploads the unit fresh.
func (o *Orchestrator) syncOrUpload(ctx context.Context, unit models.SyncUnit, password string, existing map[string]remote.FileInfo) error {
	if f, ok := existing[unit.RemoteFileName()]; ok {
		return o.mergeRemoteFile(ctx, unit, f, password)
	}
	return o.uploadSyncUnit(ctx, unit, password, "")
}
