package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/config"
	"github.com/mpetrovs/keebsync/internal/logging"
)

func TestPositionalArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"empty", nil, nil},
		{"verb only", []string{"login"}, []string{"login"}},
		{"flag with value before verb", []string{"-d", "/data", "sync", "up"}, []string{"sync", "up"}},
		{"flag with equals", []string{"-d=/data", "status"}, []string{"status"}},
		{"bool flag then verb", []string{"-y=false", "daemon"}, []string{"daemon"}},
		{"flags only", []string{"-d", "/data", "-m", "s3"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, positionalArgs(tt.args))
		})
	}
}

func TestRunSync_ReportsMissingPassword(t *testing.T) {
	a := &App{password: func() (string, error) { return "", common.ErrNotFound }}
	err := a.runSync(context.Background(), nil)
	require.ErrorIs(t, err, common.ErrNoSyncPassword)
}

func TestNewRemoteStore(t *testing.T) {
	t.Run("drive", func(t *testing.T) {
		cfg := &config.Config{RemoteBackend: "drive"}
		store, err := newRemoteStore(cfg, nil, logging.Nop{})
		require.NoError(t, err)
		require.NotNil(t, store)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := &config.Config{RemoteBackend: "ftp"}
		_, err := newRemoteStore(cfg, nil, logging.Nop{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ftp")
	})
}
