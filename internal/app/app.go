// Package app initializes and runs the sync daemon and its one-shot
// commands. It wires the local store, the remote backend, the token store
// and the orchestrator, and handles graceful shutdown with a final flush of
// pending changes.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mpetrovs/keebsync/internal/auth"
	"github.com/mpetrovs/keebsync/internal/config"
	"github.com/mpetrovs/keebsync/internal/cryptox"
	"github.com/mpetrovs/keebsync/internal/filex"
	"github.com/mpetrovs/keebsync/internal/localstore"
	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/remote"
	"github.com/mpetrovs/keebsync/internal/syncer"
)

// Default OAuth endpoints of the hosted provider. Overridable only for
// tests and self-hosted setups via the config file.
const (
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
)

const tokenFileName = "tokens.enc"

type App struct {
	config   *config.Config
	logger   logging.Logger
	local    *localstore.Store
	remote   remote.Store
	tokens   *auth.TokenStore
	orch     *syncer.Orchestrator
	password func() (string, error)
	command  []string
}

func NewApp(c *config.Config) (*App, error) {
	if _, err := filex.EnsureDir(c.DataDir); err != nil {
		return nil, fmt.Errorf("data dir init error: %w", err)
	}

	logger := newLogger(c)

	local := localstore.NewStore(c.DataDir, logger)

	tokens := auth.NewTokenStore(auth.Config{
		ClientID:     c.OAuthClientID,
		ClientSecret: c.OAuthClientSecret,
		AuthURL:      defaultAuthURL,
		TokenURL:     defaultTokenURL,
	}, filepath.Join(c.DataDir, tokenFileName), logger)

	store, err := newRemoteStore(c, tokens, logger)
	if err != nil {
		return nil, fmt.Errorf("remote init error: %w", err)
	}

	orch := syncer.New(syncer.Config{
		Local:            local,
		Remote:           store,
		Tokens:           tokens,
		Logger:           logger,
		AutoSync:         func() bool { return c.AutoSync },
		DebounceInterval: c.DebounceInterval,
		PollInterval:     c.PollInterval,
	})
	local.SetNotify(orch.NotifyChange)

	return &App{
		config:   c,
		logger:   logger,
		local:    local,
		remote:   store,
		tokens:   tokens,
		orch:     orch,
		password: cryptox.RetrievePassword,
		command:  positionalArgs(os.Args[1:]),
	}, nil
}

// newLogger writes slog text output to a rotating file and mirrors it to
// stderr.
func newLogger(c *config.Config) logging.Logger {
	rotating := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}
	w := io.MultiWriter(rotating, os.Stderr)
	return logging.NewTextLogger(w, slog.LevelInfo)
}

func newRemoteStore(c *config.Config, tokens remote.TokenSource, logger logging.Logger) (remote.Store, error) {
	switch c.RemoteBackend {
	case "s3":
		return remote.NewS3Store(context.Background(), remote.S3Config{
			Region:       c.S3Region,
			Bucket:       c.S3Bucket,
			BaseEndpoint: c.S3BaseEndpoint,
			AccessKey:    c.S3AccessKey,
			SecretKey:    c.S3SecretKey,
		}, logger)
	case "drive":
		return remote.NewDriveStore(tokens, logger), nil
	default:
		return nil, fmt.Errorf("unknown remote backend: %q", c.RemoteBackend)
	}
}

// positionalArgs strips flags (and their space-separated values) from args,
// leaving the command verb and its arguments.
func positionalArgs(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			if !strings.Contains(args[i], "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
			}
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// Run dispatches the command verb and returns the process exit code.
func (app *App) Run(ctx context.Context) int {
	verb := "daemon"
	if len(app.command) > 0 {
		verb = app.command[0]
	}

	var err error
	switch verb {
	case "daemon":
		err = app.runDaemon(ctx)
	case "login":
		err = app.runLogin(ctx)
	case "logout":
		err = app.runLogout(ctx)
	case "set-password":
		err = app.runSetPassword()
	case "clear-password":
		err = app.runClearPassword()
	case "status":
		err = app.runStatus(ctx)
	case "sync":
		err = app.runSync(ctx, app.command[1:])
	default:
		err = fmt.Errorf("unknown command: %q", verb)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}
