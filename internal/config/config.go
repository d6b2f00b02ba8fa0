// Package config handles configuration for the sync daemon, including
// defaults, JSON overlay, and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mpetrovs/keebsync/internal/common"
)

// Config holds runtime settings for the keebsync daemon.
//
// Fields:
//   - DataDir: root directory of the local configurator data tree.
//   - RemoteBackend: "drive" for the hosted file API, "s3" for a
//     self-hosted S3-compatible bucket.
//   - LogFile: path of the rotating log file.
//   - AutoSync: gates the debounced background upload of local changes.
//   - DebounceInterval / PollInterval: timing of the background engine.
//   - OAuthClientID / OAuthClientSecret: OAuth client of this installation.
//   - S3AccessKey / S3SecretKey / S3Bucket / S3Region / S3BaseEndpoint:
//     object storage settings, used only when RemoteBackend is "s3".
type Config struct {
	DataDir       string
	RemoteBackend string
	LogFile       string
	AutoSync      bool

	DebounceInterval time.Duration
	PollInterval     time.Duration

	OAuthClientID     string
	OAuthClientSecret string

	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3Region       string
	S3BaseEndpoint string
}

// LoadDefaults populates Config with sensible defaults. OAuth and S3
// credentials have no defaults and must come from JSON or flags.
func (c *Config) LoadDefaults() {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	c.DataDir = filepath.Join(base, "keebsync")
	c.RemoteBackend = "drive"
	c.LogFile = filepath.Join(c.DataDir, "keebsync.log")
	c.AutoSync = true
	c.DebounceInterval = common.DebounceInterval
	c.PollInterval = common.PollInterval
	c.S3Region = "us-east-1"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
