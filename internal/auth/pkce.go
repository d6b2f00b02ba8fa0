// Package auth owns the OAuth2 token lifecycle: the authorization-code+PKCE
// flow over a loopback redirect, transparent access-token refresh, ID-token
// freshness, and encrypted-at-rest token persistence.
package auth

import (
	"golang.org/x/oauth2"

	"github.com/mpetrovs/keebsync/internal/common"
)

// GenerateVerifier returns a fresh PKCE code verifier: 32 random bytes,
// base64url-encoded without padding.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeFromVerifier computes the S256 code challenge for a verifier.
func ChallengeFromVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns the random state parameter: 16 bytes, hex-encoded.
func GenerateState() (string, error) {
	return common.MakeRandHexString(16)
}
