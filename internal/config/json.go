package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mpetrovs/keebsync/internal/flagx"
	"github.com/mpetrovs/keebsync/internal/timex"
)

// JsonConfig is the JSON-file shape of Config. Interval fields use
// timex.Duration so both "10s" strings and integer nanoseconds parse.
// AutoSync is a pointer so an absent key keeps the default instead of
// forcing false.
type JsonConfig struct {
	DataDir       string `json:"data_dir"`
	RemoteBackend string `json:"remote_backend"`
	LogFile       string `json:"log_file"`
	AutoSync      *bool  `json:"auto_sync"`

	DebounceInterval timex.Duration `json:"debounce_interval"`
	PollInterval     timex.Duration `json:"poll_interval"`

	OAuthClientID     string `json:"oauth_client_id"`
	OAuthClientSecret string `json:"oauth_client_secret"`

	S3AccessKey    string `json:"s3_access_key"`
	S3SecretKey    string `json:"s3_secret_key"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`
}

// parseJson overlays values from a JSON file onto config. The file path
// comes from the -c or -config command-line flags; without them nothing is
// loaded. Keys absent from the file keep their current values. An unreadable
// or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.DataDir != "" {
		config.DataDir = c.DataDir
	}
	if c.RemoteBackend != "" {
		config.RemoteBackend = c.RemoteBackend
	}
	if c.LogFile != "" {
		config.LogFile = c.LogFile
	}
	if c.AutoSync != nil {
		config.AutoSync = *c.AutoSync
	}
	if c.DebounceInterval.Duration != 0 {
		config.DebounceInterval = time.Duration(c.DebounceInterval.Duration)
	}
	if c.PollInterval.Duration != 0 {
		config.PollInterval = time.Duration(c.PollInterval.Duration)
	}
	if c.OAuthClientID != "" {
		config.OAuthClientID = c.OAuthClientID
	}
	if c.OAuthClientSecret != "" {
		config.OAuthClientSecret = c.OAuthClientSecret
	}
	if c.S3AccessKey != "" {
		config.S3AccessKey = c.S3AccessKey
	}
	if c.S3SecretKey != "" {
		config.S3SecretKey = c.S3SecretKey
	}
	if c.S3Bucket != "" {
		config.S3Bucket = c.S3Bucket
	}
	if c.S3Region != "" {
		config.S3Region = c.S3Region
	}
	if c.S3BaseEndpoint != "" {
		config.S3BaseEndpoint = c.S3BaseEndpoint
	}
}
