package common

import "time"

const (
	// TombstoneTTL is how long a deletion marker is retained so the
	// deletion can propagate to other installations before being purged.
	TombstoneTTL = 30 * 24 * time.Hour

	// DebounceInterval is how long after the last local change the
	// orchestrator waits before flushing pending sync units.
	DebounceInterval = 10 * time.Second

	// PollInterval is how often the orchestrator checks the remote store
	// for files changed by other installations.
	PollInterval = 3 * time.Minute

	// TokenRefreshSkew refreshes the access token this early before expiry.
	TokenRefreshSkew = 5 * time.Minute

	// IDTokenMaxAge forces a proactive ID-token refresh; the provider
	// rejects ID tokens older than ten minutes, so half that is safe.
	IDTokenMaxAge = 5 * time.Minute

	// OAuthFlowTimeout bounds how long the loopback redirect is awaited.
	OAuthFlowTimeout = 5 * time.Minute
)
