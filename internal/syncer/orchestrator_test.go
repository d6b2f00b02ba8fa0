package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/cryptox"
	"github.com/mpetrovs/keebsync/internal/localstore"
	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
	"github.com/mpetrovs/keebsync/internal/remote"
)

type storedFile struct {
	name     string
	env      *models.SyncEnvelope
	modified time.Time
}

// fakeRemote is an in-memory remote.Store.
type fakeRemote struct {
	mu      sync.Mutex
	files   map[string]*storedFile
	next    int
	listErr error
	failOn  map[string]error // upload failures by file name
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: map[string]*storedFile{}, failOn: map[string]error{}}
}

func (r *fakeRemote) ListFiles(context.Context) ([]remote.FileInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []remote.FileInfo
	for id, f := range r.files {
		out = append(out, remote.FileInfo{ID: id, Name: f.name, ModifiedTime: f.modified})
	}
	return out, nil
}

func (r *fakeRemote) DownloadFile(_ context.Context, id string) (*models.SyncEnvelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, common.ErrNotFound)
	}
	env := *f.env
	return &env, nil
}

func (r *fakeRemote) UploadFile(_ context.Context, name string, env *models.SyncEnvelope, existingID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[name]; err != nil {
		return "", err
	}

	cp := *env
	if existingID != "" {
		f, ok := r.files[existingID]
		if !ok {
			return "", fmt.Errorf("file %s: %w", existingID, common.ErrNotFound)
		}
		f.env = &cp
		f.modified = time.Now()
		return existingID, nil
	}

	r.next++
	id := fmt.Sprintf("id-%d", r.next)
	r.files[id] = &storedFile{name: name, env: &cp, modified: time.Now()}
	return id, nil
}

func (r *fakeRemote) DeleteFile(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.files, id)
	return nil
}

func (r *fakeRemote) DeleteAllFiles(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = map[string]*storedFile{}
	return nil
}

func (r *fakeRemote) DeleteFilesByPrefix(context.Context, string) error { return nil }

func (r *fakeRemote) byName(name string) *storedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.name == name {
			return f
		}
	}
	return nil
}

type fakeTokens struct{ err error }

func (f fakeTokens) GetAccessToken(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "token", nil
}

func newTestOrch(t *testing.T, rem remote.Store) (*Orchestrator, *localstore.Store) {
	t.Helper()
	local := localstore.NewStore(t.TempDir(), logging.Nop{})
	o := New(Config{
		Local:            local,
		Remote:           rem,
		Tokens:           fakeTokens{},
		Password:         func() (string, error) { return "pw", nil },
		DebounceInterval: 30 * time.Millisecond,
		PollInterval:     time.Hour, // ticks driven manually via pollOnce
	})
	local.SetNotify(o.NotifyChange)
	return o, local
}

func decryptBundle(t *testing.T, env *models.SyncEnvelope) *models.SyncBundle {
	t.Helper()
	plaintext, err := cryptox.Decrypt(env, "pw")
	require.NoError(t, err)
	var b models.SyncBundle
	require.NoError(t, json.Unmarshal(plaintext, &b))
	return &b
}

func TestExecuteSync_UploadCreatesRemoteFile(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)

	_, err := local.SaveEntry("favorites/tapDance", "mine", `{"taps":2}`)
	require.NoError(t, err)
	o.CancelPendingChanges("") // keep the debounced flush out of this test

	require.NoError(t, o.ExecuteSync(context.Background(), models.DirectionUpload))

	f := rem.byName("favorites_tapDance.enc")
	require.NotNil(t, f)

	bundle := decryptBundle(t, f.env)
	require.Equal(t, models.SyncUnit("favorites/tapDance"), bundle.Key)
	require.Len(t, bundle.Index.Entries, 1)
	require.Equal(t, "mine", bundle.Index.Entries[0].Label)
	require.Len(t, bundle.Files, 1)
}

func TestExecuteSync_DownloadMergesToSecondInstallation(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)

	entry, err := localA.SaveEntry("favorites/tapDance", "from-a", `{"taps":3}`)
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	b, localB := newTestOrch(t, rem)
	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))

	entries := localB.ReadIndex("favorites/tapDance")
	require.Len(t, entries, 1)
	require.Equal(t, "from-a", entries[0].Label)

	content, ok, err := localB.ReadContentFile("favorites/tapDance", entry.FileName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"taps":3}`, content)
}

func TestExecuteSync_ConvergedUnitSkipsWriteBack(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)

	_, err := localA.SaveEntry("favorites/tapDance", "v1", "{}")
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	b, localB := newTestOrch(t, rem)
	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))

	// Re-merging a converged unit must not rewrite the index: in daemon
	// mode the rewrite would wake the file watcher and schedule the unit
	// again, forever.
	indexPath := filepath.Join(localB.Root(), "favorites", "tapDance", "index.json")
	before, err := os.Stat(indexPath)
	require.NoError(t, err)

	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))

	after, err := os.Stat(indexPath)
	require.NoError(t, err)
	require.Equal(t, before.ModTime(), after.ModTime())
}

func TestDownload_RemoteTombstoneRemovesContentFile(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)

	entry, err := localA.SaveEntry("favorites/tapDance", "doomed", `{"v":1}`)
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	b, localB := newTestOrch(t, rem)
	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))
	_, ok, err := localB.ReadContentFile("favorites/tapDance", entry.FileName)
	require.NoError(t, err)
	require.True(t, ok)

	// Timestamps carry millisecond precision; make the deletion strictly
	// newer than the save.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, localA.DeleteEntry("favorites/tapDance", entry.ID))
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))

	entries := localB.ReadIndex("favorites/tapDance")
	require.Len(t, entries, 1)
	require.True(t, entries[0].IsTombstone())

	_, ok, err = localB.ReadContentFile("favorites/tapDance", entry.FileName)
	require.NoError(t, err)
	require.False(t, ok, "deleted entry's bytes still on disk")
}

func TestExecuteSync_SilentWithoutPassword(t *testing.T) {
	rem := newFakeRemote()
	o, _ := newTestOrch(t, rem)
	o.password = func() (string, error) { return "", common.ErrNotFound }

	events, unsub := o.Subscribe()
	defer unsub()

	require.NoError(t, o.ExecuteSync(context.Background(), models.DirectionUpload))
	select {
	case p := <-events:
		t.Fatalf("unexpected event %+v", p)
	default:
	}
}

func TestExecuteSync_SilentWhenUnauthenticated(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)
	o.tokens = fakeTokens{err: common.ErrNotAuthenticated}

	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err)
	o.CancelPendingChanges("")

	require.NoError(t, o.ExecuteSync(context.Background(), models.DirectionUpload))
	require.Empty(t, rem.files)
}

func TestExecuteSync_BusyReturnsError(t *testing.T) {
	o, _ := newTestOrch(t, newFakeRemote())
	o.syncing.Store(true)
	defer o.syncing.Store(false)

	err := o.ExecuteSync(context.Background(), models.DirectionUpload)
	require.ErrorIs(t, err, common.ErrSyncBusy)
}

func TestExecuteSync_DownloadPartialOnCorruptUnit(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)

	_, err := localA.SaveEntry("favorites/tapDance", "good", "{}")
	require.NoError(t, err)
	_, err = localA.SaveEntry("favorites/macro", "alsoGood", "{}")
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	// Corrupt one envelope in place: wrong password equivalent.
	bad := rem.byName("favorites_macro.enc")
	require.NotNil(t, bad)
	bad.env.Ciphertext = "AAAA" + bad.env.Ciphertext[4:]

	b, localB := newTestOrch(t, rem)
	events, unsub := b.Subscribe()
	defer unsub()

	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))

	// The good unit still arrived.
	require.Len(t, localB.ReadIndex("favorites/tapDance"), 1)
	require.Empty(t, localB.ReadIndex("favorites/macro"))

	var final models.Progress
	for p := range events {
		final = p
		if p.Status != models.StatusSyncing {
			break
		}
	}
	require.Equal(t, models.StatusPartial, final.Status)
	require.Equal(t, []models.SyncUnit{"favorites/macro"}, final.FailedUnits)
}

func TestExecuteSync_ListFailureIsError(t *testing.T) {
	rem := newFakeRemote()
	rem.listErr = errors.New("remote down")
	o, _ := newTestOrch(t, rem)

	events, unsub := o.Subscribe()
	defer unsub()

	err := o.ExecuteSync(context.Background(), models.DirectionDownload)
	require.Error(t, err)

	p := <-events
	require.Equal(t, models.StatusError, p.Status)
}

func TestMerge_LocalWinReuploads(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)

	entry, err := localA.SaveEntry("favorites/tapDance", "v1", `{"v":1}`)
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	// Local rename after upload: local now strictly newer.
	require.NoError(t, localA.RenameEntry("favorites/tapDance", entry.ID, "v2"))
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	bundle := decryptBundle(t, rem.byName("favorites_tapDance.enc").env)
	require.Equal(t, "v2", bundle.Index.Entries[0].Label)
}

func TestFlushPendingChanges_WhileBusyReschedules(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)

	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err)
	require.True(t, o.HasPendingChanges())

	o.syncing.Store(true)
	o.FlushPendingChanges(context.Background())
	require.True(t, o.HasPendingChanges(), "pending survives a busy flush")
	require.Empty(t, rem.files)

	o.syncing.Store(false)

	// The rescheduled debounce run completes the flush.
	require.Eventually(t, func() bool {
		return !o.HasPendingChanges() && rem.byName("favorites_tapDance.enc") != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFlushPendingChanges_RequeuesFailedUnits(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)

	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err)
	rem.mu.Lock()
	rem.failOn["favorites_tapDance.enc"] = errors.New("upload broken")
	rem.mu.Unlock()

	o.FlushPendingChanges(context.Background())
	require.True(t, o.HasPendingChanges(), "failed unit re-queued")

	rem.mu.Lock()
	delete(rem.failOn, "favorites_tapDance.enc")
	rem.mu.Unlock()

	// Either our flush or the re-armed debounce completes the upload.
	o.FlushPendingChanges(context.Background())
	require.Eventually(t, func() bool {
		return !o.HasPendingChanges() && rem.byName("favorites_tapDance.enc") != nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestFlushPendingChanges_AutoSyncOff(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)
	o.autoSync = func() bool { return false }

	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err)

	o.FlushPendingChanges(context.Background())
	require.False(t, o.HasPendingChanges())
	require.Empty(t, rem.files)
}

func TestNotifyChange_DebounceFiresFlush(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)

	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err) // SaveEntry calls NotifyChange

	require.Eventually(t, func() bool {
		return rem.byName("favorites_tapDance.enc") != nil
	}, 3*time.Second, 10*time.Millisecond)
	require.False(t, o.HasPendingChanges())
}

func TestCancelPendingChanges(t *testing.T) {
	o, _ := newTestOrch(t, newFakeRemote())

	o.NotifyChange("keyboards/kb1/snapshots")
	o.NotifyChange("keyboards/kb1/settings")
	o.NotifyChange("favorites/tapDance")

	o.CancelPendingChanges("keyboards/kb1/")
	o.mu.Lock()
	_, fav := o.pending["favorites/tapDance"]
	n := len(o.pending)
	o.mu.Unlock()
	require.True(t, fav)
	require.Equal(t, 1, n)

	o.CancelPendingChanges("")
	require.False(t, o.HasPendingChanges())
}

func TestPollOnce_MergesOnlyChangedUnits(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)

	_, err := localA.SaveEntry("favorites/tapDance", "v1", "{}")
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	b, localB := newTestOrch(t, rem)
	b.pollOnce(context.Background())
	require.Len(t, localB.ReadIndex("favorites/tapDance"), 1)

	// Unchanged remote: nothing to merge, even after a local wipe.
	require.NoError(t, localB.WriteIndex("favorites/tapDance", nil))
	b.pollOnce(context.Background())
	require.Empty(t, localB.ReadIndex("favorites/tapDance"))

	// Touch the remote: next poll picks it up again.
	f := rem.byName("favorites_tapDance.enc")
	rem.mu.Lock()
	f.modified = f.modified.Add(time.Minute)
	rem.mu.Unlock()
	b.pollOnce(context.Background())
	require.Len(t, localB.ReadIndex("favorites/tapDance"), 1)
}

func TestPollOnce_SkipsWhenBusy(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)
	_, err := localA.SaveEntry("favorites/tapDance", "v1", "{}")
	require.NoError(t, err)
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	b, localB := newTestOrch(t, rem)
	b.syncing.Store(true)
	b.pollOnce(context.Background())
	require.Empty(t, localB.ReadIndex("favorites/tapDance"))
	b.syncing.Store(false)
}

func TestStartStopPolling_Idempotent(t *testing.T) {
	o, _ := newTestOrch(t, newFakeRemote())
	o.StartPolling()
	o.StartPolling()
	o.StopPolling()
	o.StopPolling()
}

func TestSettings_WholeFileLWW(t *testing.T) {
	rem := newFakeRemote()
	a, localA := newTestOrch(t, rem)
	unit := models.SyncUnit("keyboards/kb1/settings")

	older := `{"_updatedAt":"2024-01-01T00:00:00.000Z","brightness":10}`
	newer := `{"_updatedAt":"2024-02-01T00:00:00.000Z","brightness":90}`

	require.NoError(t, localA.WriteSettings(unit, newer))
	a.CancelPendingChanges("")
	require.NoError(t, a.ExecuteSync(context.Background(), models.DirectionUpload))

	// Installation B holds the older document; download keeps remote's.
	b, localB := newTestOrch(t, rem)
	require.NoError(t, localB.WriteSettings(unit, older))
	b.CancelPendingChanges("")
	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionDownload))

	got, ok, err := localB.ReadSettings(unit)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newer, got)

	// Now B writes an even newer doc and uploads via merge: remote updated.
	newest := `{"_updatedAt":"2024-03-01T00:00:00.000Z","brightness":50}`
	require.NoError(t, localB.WriteSettings(unit, newest))
	b.CancelPendingChanges("")
	require.NoError(t, b.ExecuteSync(context.Background(), models.DirectionUpload))

	bundle := decryptBundle(t, rem.byName("keyboards_kb1_settings.enc").env)
	require.Equal(t, newest, bundle.Files["settings.json"])
}

func TestShutdown_FlushesPending(t *testing.T) {
	rem := newFakeRemote()
	o, local := newTestOrch(t, rem)

	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err)
	require.True(t, o.HasPendingChanges())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o.Shutdown(ctx)

	require.False(t, o.HasPendingChanges())
	require.NotNil(t, rem.byName("favorites_tapDance.enc"))
}

func TestShutdown_NothingPendingReturnsImmediately(t *testing.T) {
	o, _ := newTestOrch(t, newFakeRemote())

	done := make(chan struct{})
	go func() {
		o.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("shutdown blocked with nothing pending")
	}
}

func TestShutdown_BoundedWhenPassStuck(t *testing.T) {
	o, local := newTestOrch(t, newFakeRemote())
	_, err := local.SaveEntry("favorites/tapDance", "x", "{}")
	require.NoError(t, err)

	o.syncing.Store(true) // simulate a pass that never finishes
	defer o.syncing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	o.Shutdown(ctx)
	require.Less(t, time.Since(start), 2*time.Second)
	require.True(t, o.HasPendingChanges(), "gave up without flushing")
}
