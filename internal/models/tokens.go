package models

import "time"

// StoredTokens is the persisted OAuth2 state, kept encrypted at rest and
// cached in memory by the token store. ExpiresAt is Unix milliseconds.
type StoredTokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
	IDToken      string `json:"idToken,omitempty"`
}

// Expiry returns ExpiresAt as a time.Time.
func (t *StoredTokens) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// ExpiresWithin reports whether the access token expires within d.
func (t *StoredTokens) ExpiresWithin(d time.Duration) bool {
	return time.Until(t.Expiry()) < d
}
