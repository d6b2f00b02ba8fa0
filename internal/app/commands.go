package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/cryptox"
	"github.com/mpetrovs/keebsync/internal/localstore"
	"github.com/mpetrovs/keebsync/internal/models"
)

// shutdownTimeout bounds the final flush of pending changes on quit.
const shutdownTimeout = 15 * time.Second

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// runDaemon is the long-running mode: it watches the local tree, polls the
// remote area and flushes debounced changes until a signal arrives.
func (app *App) runDaemon(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting sync daemon", "dataDir", app.config.DataDir, "backend", app.config.RemoteBackend)

	app.initSignalHandler(cancelFunc)

	watcher, err := localstore.NewWatcher(app.local, app.logger)
	if err != nil {
		return fmt.Errorf("watcher init error: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("watcher start error: %w", err)
	}
	defer watcher.Stop()

	go func() {
		for unit := range watcher.Units() {
			app.orch.NotifyChange(unit)
		}
	}()

	if err := app.orch.ExecuteSync(ctx, models.DirectionDownload); err != nil && !errors.Is(err, common.ErrSyncBusy) {
		app.logger.Warn(ctx, "initial sync failed", "error", err)
	}

	app.orch.StartPolling()

	<-ctx.Done()
	app.logger.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.orch.Shutdown(shutdownCtx)
	return nil
}

func (app *App) runLogin(ctx context.Context) error {
	if err := app.tokens.StartOAuthFlow(ctx); err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	email, err := app.tokens.AccountEmail()
	if err != nil {
		fmt.Println("Signed in.")
		return nil
	}
	fmt.Printf("Signed in as %s\n", email)
	return nil
}

func (app *App) runLogout(context.Context) error {
	app.orch.CancelPendingChanges("")
	if err := app.tokens.SignOut(); err != nil {
		return fmt.Errorf("sign-out failed: %w", err)
	}
	fmt.Println("Signed out.")
	return nil
}

func (app *App) runSetPassword() error {
	fmt.Print("New sync password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	fmt.Print("Repeat password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(confirm)

	if !bytes.Equal(password, confirm) {
		return errors.New("passwords do not match")
	}
	if len(password) == 0 {
		return errors.New("password must not be empty")
	}

	strength := cryptox.CheckPasswordStrength(string(password))
	for _, hint := range strength.Feedback {
		fmt.Printf("Hint: %s\n", hint)
	}

	if err := cryptox.StorePassword(string(password)); err != nil {
		return fmt.Errorf("could not store password: %w", err)
	}
	fmt.Println("Sync password set.")
	return nil
}

func (app *App) runClearPassword() error {
	if err := cryptox.ClearPassword(); err != nil {
		return fmt.Errorf("could not clear password: %w", err)
	}
	fmt.Println("Sync password cleared. Sync is now off.")
	return nil
}

func (app *App) runStatus(context.Context) error {
	if app.tokens.IsAuthenticated() {
		if email, err := app.tokens.AccountEmail(); err == nil {
			fmt.Printf("Signed in as %s\n", email)
		} else {
			fmt.Println("Signed in.")
		}
	} else {
		fmt.Println("Not signed in.")
	}

	if _, err := app.password(); err == nil {
		fmt.Println("Sync password is set.")
	} else {
		fmt.Println("Sync password is not set.")
	}
	return nil
}

// runSync runs one manual pass. Direction defaults to download; "sync up"
// pushes local state instead. Unlike the background passes, an explicitly
// requested sync tells the user when no password is configured instead of
// silently doing nothing.
func (app *App) runSync(ctx context.Context, args []string) error {
	if _, err := app.password(); errors.Is(err, common.ErrNotFound) {
		return common.ErrNoSyncPassword
	}

	direction := models.DirectionDownload
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "up":
			direction = models.DirectionUpload
		case "down":
			direction = models.DirectionDownload
		default:
			return fmt.Errorf("unknown sync direction: %q (want up or down)", args[0])
		}
	}

	events, unsubscribe := app.orch.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range events {
			switch p.Status {
			case models.StatusSyncing:
				fmt.Printf("  %s (%d/%d)\n", p.SyncUnit, p.Current, p.Total)
			case models.StatusPartial:
				fmt.Printf("Done with failures: %v\n", p.FailedUnits)
				return
			case models.StatusSuccess:
				fmt.Println("Done.")
				return
			case models.StatusError:
				return
			}
		}
	}()

	err := app.orch.ExecuteSync(ctx, direction)
	unsubscribe()
	<-done

	if errors.Is(err, common.ErrSyncBusy) {
		return errors.New("another sync is already running")
	}
	return err
}
