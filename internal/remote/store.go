// Package remote provides clients for the private, app-scoped cloud file
// area that holds one encrypted envelope per sync unit. Two backends exist:
// the default Drive-style HTTPS+JSON API, and an S3-compatible bucket for
// self-hosted setups. Both expose the same Store interface.
package remote

import (
	"context"
	"time"

	"github.com/mpetrovs/keebsync/internal/models"
)

// FileInfo describes one remote file.
type FileInfo struct {
	ID           string
	Name         string
	ModifiedTime time.Time
}

// Store is the remote file API the sync engine drives. All operations
// require valid credentials and return common.ErrNotAuthenticated otherwise.
type Store interface {
	// ListFiles enumerates every file in the app-scoped area.
	ListFiles(ctx context.Context) ([]FileInfo, error)

	// DownloadFile fetches and parses one envelope by file id.
	DownloadFile(ctx context.Context, id string) (*models.SyncEnvelope, error)

	// UploadFile creates the named file, or updates it in place when
	// existingID is non-empty. Returns the file id.
	UploadFile(ctx context.Context, name string, env *models.SyncEnvelope, existingID string) (string, error)

	// DeleteFile removes a file; deleting a missing file is not an error.
	DeleteFile(ctx context.Context, id string) error

	// DeleteAllFiles wipes the app-scoped area.
	DeleteAllFiles(ctx context.Context) error

	// DeleteFilesByPrefix removes files whose name starts with prefix.
	DeleteFilesByPrefix(ctx context.Context, prefix string) error
}

// TokenSource supplies bearer tokens; satisfied by *auth.TokenStore.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}
