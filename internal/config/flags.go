package config

import (
	"flag"
	"os"
	"time"

	"github.com/mpetrovs/keebsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   local data directory
//	-m string   remote backend, "drive" or "s3"
//	-l string   log file path
//	-y bool     auto-sync local changes (use -y=false to disable)
//	-w int      debounce interval, seconds
//	-n int      poll interval, seconds
//	-i string   OAuth client id
//	-s string   OAuth client secret
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//
// os.Args is first filtered to the flags handled here using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-m", "-l", "-y", "-w", "-n", "-i", "-s", "-u", "-p", "-b", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.DataDir, "d", config.DataDir, "local data directory")
	fs.StringVar(&config.RemoteBackend, "m", config.RemoteBackend, "remote backend (drive|s3)")
	fs.StringVar(&config.LogFile, "l", config.LogFile, "log file path")
	fs.BoolVar(&config.AutoSync, "y", config.AutoSync, "auto-sync local changes")

	debounceSeconds := fs.Int("w", int(config.DebounceInterval.Seconds()), "debounce interval (in seconds)")
	pollSeconds := fs.Int("n", int(config.PollInterval.Seconds()), "poll interval (in seconds)")

	fs.StringVar(&config.OAuthClientID, "i", config.OAuthClientID, "OAuth client id")
	fs.StringVar(&config.OAuthClientSecret, "s", config.OAuthClientSecret, "OAuth client secret")
	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.DebounceInterval = time.Duration(*debounceSeconds) * time.Second
	config.PollInterval = time.Duration(*pollSeconds) * time.Second
}
