// Package syncer contains the sync orchestrator: it bundles local state,
// drives the merge/upload/download cycle per sync unit, debounces local
// change notifications, polls for remote changes, and serializes every pass
// behind a single-flight guard.
//
// The guard is a real atomic, not a cooperative flag: passes started from
// the debounce timer, the poll ticker, a manual sync and the shutdown hook
// race on OS threads. Losers never block: the poll tick no-ops and the
// debounced flush reschedules itself.
package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/cryptox"
	"github.com/mpetrovs/keebsync/internal/localstore"
	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
	"github.com/mpetrovs/keebsync/internal/remote"
)

// Config wires an Orchestrator. Uses a struct because the collaborator list
// is long and half of it has test doubles.
type Config struct {
	Local  *localstore.Store
	Remote remote.Store
	Tokens remote.TokenSource
	Logger logging.Logger

	// Password returns the sync password; nil defaults to the platform
	// secure storage. common.ErrNotFound means sync is off.
	Password func() (string, error)

	// AutoSync gates the debounced background flush; nil means always on.
	// Manual ExecuteSync calls ignore it.
	AutoSync func() bool

	// Zero values take the fixed defaults (10 s debounce, 3 min poll).
	DebounceInterval time.Duration
	PollInterval     time.Duration
}

// Orchestrator runs all sync passes for one installation. At most one pass
// is active at any time, system-wide.
type Orchestrator struct {
	local  *localstore.Store
	remote remote.Store
	tokens remote.TokenSource
	log    logging.Logger

	password func() (string, error)
	autoSync func() bool

	debounceInterval time.Duration
	pollInterval     time.Duration

	syncing atomic.Bool

	mu         sync.Mutex
	pending    map[models.SyncUnit]struct{}
	debounce   *time.Timer
	lastRemote map[string]time.Time

	pollMu   sync.Mutex
	pollDone chan struct{}
	pollWG   sync.WaitGroup

	bus *progressBus
}

// New builds an Orchestrator; it starts passive until StartPolling and the
// first NotifyChange.
func New(cfg Config) *Orchestrator {
	if cfg.Password == nil {
		cfg.Password = cryptox.RetrievePassword
	}
	if cfg.AutoSync == nil {
		cfg.AutoSync = func() bool { return true }
	}
	if cfg.DebounceInterval == 0 {
		cfg.DebounceInterval = common.DebounceInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = common.PollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop{}
	}

	return &Orchestrator{
		local:            cfg.Local,
		remote:           cfg.Remote,
		tokens:           cfg.Tokens,
		log:              cfg.Logger,
		password:         cfg.Password,
		autoSync:         cfg.AutoSync,
		debounceInterval: cfg.DebounceInterval,
		pollInterval:     cfg.PollInterval,
		pending:          make(map[models.SyncUnit]struct{}),
		lastRemote:       make(map[string]time.Time),
		bus:              newProgressBus(),
	}
}

// Subscribe returns a progress event channel and its unsubscribe func.
func (o *Orchestrator) Subscribe() (<-chan models.Progress, func()) {
	return o.bus.subscribe()
}

// credentials resolves the sync password and access token. ok=false means
// sync is off or signed out: callers no-op silently, it is not a failure.
func (o *Orchestrator) credentials(ctx context.Context) (password string, ok bool, err error) {
	password, err = o.password()
	if errors.Is(err, common.ErrNotFound) || (err == nil && password == "") {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if _, err = o.tokens.GetAccessToken(ctx); err != nil {
		if errors.Is(err, common.ErrNotAuthenticated) {
			return "", false, nil
		}
		return "", false, err
	}
	return password, true, nil
}

// ExecuteSync runs one manual pass in the given direction. It returns
// common.ErrSyncBusy when another pass is active, and nil (silently, no
// events) when unauthenticated or no sync password is set.
func (o *Orchestrator) ExecuteSync(ctx context.Context, direction models.Direction) error {
	if !o.syncing.CompareAndSwap(false, true) {
		return common.ErrSyncBusy
	}
	defer o.syncing.Store(false)

	password, ok, err := o.credentials(ctx)
	if err != nil {
		o.bus.publish(models.Progress{Direction: direction, Status: models.StatusError, Message: err.Error()})
		return err
	}
	if !ok {
		o.log.Debug(ctx, "sync skipped: not configured")
		return nil
	}

	var failed []models.SyncUnit
	switch direction {
	case models.DirectionDownload:
		failed, err = o.downloadPass(ctx, password)
	case models.DirectionUpload:
		failed, err = o.uploadPass(ctx, password)
	default:
		return errors.New("unknown sync direction: " + string(direction))
	}

	if err != nil {
		o.bus.publish(models.Progress{Direction: direction, Status: models.StatusError, Message: err.Error()})
		return err
	}
	if len(failed) > 0 {
		o.bus.publish(models.Progress{Direction: direction, Status: models.StatusPartial, FailedUnits: failed})
		return nil
	}
	o.bus.publish(models.Progress{Direction: direction, Status: models.StatusSuccess})
	return nil
}

// downloadPass merges every recognizable remote file into the local store.
// Per-unit failures are collected; they never abort sibling units.
func (o *Orchestrator) downloadPass(ctx context.Context, password string) ([]models.SyncUnit, error) {
	files, err := o.remote.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	type target struct {
		unit models.SyncUnit
		file remote.FileInfo
	}
	var targets []target
	for _, f := range files {
		if unit, ok := models.UnitFromFileName(f.Name); ok {
			targets = append(targets, target{unit, f})
		} else {
			o.log.Debug(ctx, "skipping unrecognized remote file", "name", f.Name)
		}
	}

	var failed []models.SyncUnit
	for i, tg := range targets {
		o.bus.publish(models.Progress{
			Direction: models.DirectionDownload,
			Status:    models.StatusSyncing,
			SyncUnit:  tg.unit,
			Current:   i + 1,
			Total:     len(targets),
		})

		if err := o.mergeRemoteFile(ctx, tg.unit, tg.file, password); err != nil {
			o.log.Warn(ctx, "unit sync failed", "unit", tg.unit, "error", err)
			failed = append(failed, tg.unit)
			continue
		}
		o.rememberRemote(tg.file)
	}
	return failed, nil
}

// uploadPass pushes every local unit, merging where the remote already has
// the unit's file. Failed units are re-queued as pending for a later flush.
func (o *Orchestrator) uploadPass(ctx context.Context, password string) ([]models.SyncUnit, error) {
	units, err := o.local.ListUnits()
	if err != nil {
		return nil, err
	}
	existing, err := o.remoteByName(ctx)
	if err != nil {
		return nil, err
	}

	var failed []models.SyncUnit
	for i, unit := range units {
		o.bus.publish(models.Progress{
			Direction: models.DirectionUpload,
			Status:    models.StatusSyncing,
			SyncUnit:  unit,
			Current:   i + 1,
			Total:     len(units),
		})

		if err := o.syncOrUpload(ctx, unit, password, existing); err != nil {
			o.log.Warn(ctx, "unit sync failed", "unit", unit, "error", err)
			failed = append(failed, unit)
			o.enqueue(unit)
		}
	}
	return failed, nil
}

// remoteByName lists the remote area indexed by filename.
func (o *Orchestrator) remoteByName(ctx context.Context) (map[string]remote.FileInfo, error) {
	files, err := o.remote.ListFiles(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]remote.FileInfo, len(files))
	for _, f := range files {
		byName[f.Name] = f
	}
	return byName, nil
}

func (o *Orchestrator) rememberRemote(f remote.FileInfo) {
	o.mu.Lock()
	o.lastRemote[f.Name] = f.ModifiedTime
	o.mu.Unlock()
}

// NotifyChange records a locally mutated unit and (re)arms the debounce
// timer. Local stores call it after every mutation.
func (o *Orchestrator) NotifyChange(unit models.SyncUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[unit] = struct{}{}
	o.armDebounceLocked()
}

// enqueue re-queues a failed unit for the next debounce cycle.
func (o *Orchestrator) enqueue(unit models.SyncUnit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[unit] = struct{}{}
	o.armDebounceLocked()
}

func (o *Orchestrator) armDebounceLocked() {
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.debounceInterval, func() {
		o.FlushPendingChanges(context.Background())
	})
}

// HasPendingChanges reports whether any unit awaits a flush.
func (o *Orchestrator) HasPendingChanges() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) > 0
}

// CancelPendingChanges drops queued units matching prefix, or all of them
// when prefix is empty. Called before a destructive local reset so a stale
// queued upload cannot resurrect deleted data.
func (o *Orchestrator) CancelPendingChanges(prefix string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for unit := range o.pending {
		if prefix == "" || hasUnitPrefix(unit, prefix) {
			delete(o.pending, unit)
		}
	}
	if len(o.pending) == 0 && o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
}

func hasUnitPrefix(unit models.SyncUnit, prefix string) bool {
	return len(unit) >= len(prefix) && string(unit[:len(prefix)]) == prefix
}

// FlushPendingChanges uploads every pending unit. When another pass is
// active it reschedules itself after the debounce window instead of
// blocking; the pending set stays intact until the rescheduled run.
func (o *Orchestrator) FlushPendingChanges(ctx context.Context) {
	if !o.syncing.CompareAndSwap(false, true) {
		o.mu.Lock()
		o.armDebounceLocked()
		o.mu.Unlock()
		return
	}
	defer o.syncing.Store(false)

	o.flush(ctx)
}

// flush is the body of a flush pass. Caller holds the single-flight guard.
func (o *Orchestrator) flush(ctx context.Context) {
	o.mu.Lock()
	snapshot := o.pending
	o.pending = make(map[models.SyncUnit]struct{})
	o.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	if !o.autoSync() {
		o.log.Debug(ctx, "auto-sync off, dropping pending changes", "units", len(snapshot))
		return
	}
	password, ok, err := o.credentials(ctx)
	if err != nil || !ok {
		o.log.Debug(ctx, "flush skipped: not configured")
		return
	}

	existing, err := o.remoteByName(ctx)
	if err != nil {
		o.log.Warn(ctx, "flush could not list remote, re-queueing", "error", err)
		for unit := range snapshot {
			o.enqueue(unit)
		}
		return
	}

	for unit := range snapshot {
		if err := o.syncOrUpload(ctx, unit, password, existing); err != nil {
			o.log.Warn(ctx, "flush failed for unit, re-queueing", "unit", unit, "error", err)
			o.enqueue(unit)
		}
	}
}

// StartPolling launches the periodic remote-change check. Idempotent.
func (o *Orchestrator) StartPolling() {
	o.pollMu.Lock()
	defer o.pollMu.Unlock()
	if o.pollDone != nil {
		return
	}

	done := make(chan struct{})
	o.pollDone = done
	o.pollWG.Add(1)

	go func() {
		defer o.pollWG.Done()
		ticker := time.NewTicker(o.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.pollOnce(context.Background())
			}
		}
	}()
}

// StopPolling halts the periodic check. Idempotent.
func (o *Orchestrator) StopPolling() {
	o.pollMu.Lock()
	defer o.pollMu.Unlock()
	if o.pollDone == nil {
		return
	}
	close(o.pollDone)
	o.pollDone = nil
	o.pollWG.Wait()
}

// pollOnce diffs the remote listing against the last-known state and merges
// only changed units. Every error is swallowed: the next tick retries.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	if !o.syncing.CompareAndSwap(false, true) {
		return
	}
	defer o.syncing.Store(false)

	password, ok, err := o.credentials(ctx)
	if err != nil || !ok {
		return
	}

	files, err := o.remote.ListFiles(ctx)
	if err != nil {
		o.log.Debug(ctx, "poll list failed", "error", err)
		return
	}

	for _, f := range files {
		unit, recognized := models.UnitFromFileName(f.Name)
		if !recognized {
			continue
		}

		o.mu.Lock()
		seen, known := o.lastRemote[f.Name]
		o.mu.Unlock()
		if known && seen.Equal(f.ModifiedTime) {
			continue
		}

		if err := o.mergeRemoteFile(ctx, unit, f, password); err != nil {
			o.log.Warn(ctx, "poll merge failed", "unit", unit, "error", err)
			continue
		}
		o.rememberRemote(f)
	}
}

// Shutdown is the before-quit hook: it stops polling, cancels the debounce
// timer and force-flushes pending changes best-effort, bounded by ctx. With
// nothing pending it returns immediately.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.StopPolling()

	o.mu.Lock()
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	n := len(o.pending)
	o.mu.Unlock()

	if n == 0 {
		return
	}

	// Wait for an in-flight pass rather than rescheduling: there is no
	// later. Give up when ctx expires.
	for !o.syncing.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			o.log.Warn(ctx, "shutdown flush abandoned, pass still running")
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer o.syncing.Store(false)

	o.log.Info(ctx, "flushing pending changes before quit", "units", n)
	o.flush(ctx)
}
