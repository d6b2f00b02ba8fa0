package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoredTokens_Expiry(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := &StoredTokens{ExpiresAt: at.UnixMilli()}
	require.True(t, tok.Expiry().Equal(at))
}

func TestStoredTokens_ExpiresWithin(t *testing.T) {
	tok := &StoredTokens{ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}
	require.False(t, tok.ExpiresWithin(5*time.Minute))
	require.True(t, tok.ExpiresWithin(2*time.Hour))

	expired := &StoredTokens{ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}
	require.True(t, expired.ExpiresWithin(5*time.Minute))
}
