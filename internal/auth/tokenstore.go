package auth

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
)

// Config identifies the OAuth2 application at the remote provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
}

// DefaultScopes requests access to the private app-data file area plus the
// user's identity for "signed in as" display.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive.appdata",
	"openid",
	"email",
}

// TokenStore manages OAuth2 tokens: in-memory cache, encrypted persistence,
// and transparent refresh. Safe for concurrent use.
type TokenStore struct {
	cfg    Config
	path   string
	log    logging.Logger
	client *http.Client

	// Injection points for tests.
	now         func() time.Time
	keyFn       func() ([]byte, error)
	openBrowser func(url string) error

	mu     sync.Mutex
	cached *models.StoredTokens
}

// NewTokenStore builds a TokenStore persisting tokens at path, encrypted
// with a wrapping key held in the platform secure storage.
func NewTokenStore(cfg Config, path string, log logging.Logger) *TokenStore {
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	return &TokenStore{
		cfg:         cfg,
		path:        path,
		log:         log,
		client:      &http.Client{Timeout: 30 * time.Second},
		now:         time.Now,
		keyFn:       keyringTokenKey,
		openBrowser: openSystemBrowser,
	}
}

func (s *TokenStore) oauth2Config(port int) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Scopes:       s.cfg.Scopes,
		RedirectURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		Endpoint: oauth2.Endpoint{
			AuthURL:  s.cfg.AuthURL,
			TokenURL: s.cfg.TokenURL,
		},
	}
}

// GenerateAuthURL builds the authorization URL for a loopback redirect on
// port, with offline access, forced consent and an S256 PKCE challenge.
func (s *TokenStore) GenerateAuthURL(port int, verifier, state string) string {
	return s.oauth2Config(port).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)
}

// ExchangeCodeForTokens redeems an authorization code and persists the
// resulting token set.
func (s *TokenStore) ExchangeCodeForTokens(ctx context.Context, code, verifier string, port int) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	tok, err := s.oauth2Config(port).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}

	stored := &models.StoredTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		stored.IDToken = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(stored)
}

// GetAccessToken returns a valid access token, refreshing it first when it
// expires within five minutes. Returns common.ErrNotAuthenticated when no
// tokens are stored or the refresh fails; callers treat that as sync-off,
// not as a reportable failure.
func (s *TokenStore) GetAccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	if t.ExpiresWithin(common.TokenRefreshSkew) {
		if t, err = s.refreshLocked(ctx, t); err != nil {
			return "", err
		}
	}
	return t.AccessToken, nil
}

// GetIDToken returns a fresh ID token, proactively refreshing when the
// current one is missing, expired, or older than five minutes. The provider
// rejects ID tokens past ten minutes of age.
func (s *TokenStore) GetIDToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked()
	if err != nil {
		return "", err
	}

	if s.idTokenStale(t.IDToken) {
		if t, err = s.refreshLocked(ctx, t); err != nil {
			return "", err
		}
		if s.idTokenStale(t.IDToken) {
			return "", common.ErrNotAuthenticated
		}
	}
	return t.IDToken, nil
}

func (s *TokenStore) idTokenStale(idToken string) bool {
	if idToken == "" {
		return true
	}
	iat, exp, err := tokenTimes(idToken)
	if err != nil {
		return true
	}
	now := s.now()
	return now.After(exp) || now.Sub(iat) > common.IDTokenMaxAge
}

// AccountEmail decodes the email claim from the stored ID token for display.
// The token came to us over TLS from the provider; no local signature check
// is possible without the provider keys, and none is needed for display.
func (s *TokenStore) AccountEmail() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	if t.IDToken == "" {
		return "", common.ErrNotAuthenticated
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(t.IDToken, claims); err != nil {
		return "", fmt.Errorf("decode id token: %w", err)
	}
	email, _ := claims["email"].(string)
	return email, nil
}

// IsAuthenticated reports whether a token set is stored, without refreshing.
func (s *TokenStore) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.loadLocked()
	return err == nil
}

// SignOut clears the in-memory cache and deletes the persisted token file.
// Idempotent; a missing file is not an error.
func (s *TokenStore) SignOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// refreshLocked exchanges the refresh token for a new access token,
// preserving the refresh token and previous ID token when the response
// omits them. Failures map to common.ErrNotAuthenticated.
func (s *TokenStore) refreshLocked(ctx context.Context, t *models.StoredTokens) (*models.StoredTokens, error) {
	if t.RefreshToken == "" {
		return nil, common.ErrNotAuthenticated
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)
	src := s.oauth2Config(0).TokenSource(ctx, &oauth2.Token{RefreshToken: t.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		s.log.Warn(ctx, "token refresh failed", "error", err)
		return nil, common.ErrNotAuthenticated
	}

	refreshed := &models.StoredTokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
		IDToken:      t.IDToken,
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = t.RefreshToken
	}
	if id, ok := tok.Extra("id_token").(string); ok && id != "" {
		refreshed.IDToken = id
	}

	if err := s.saveLocked(refreshed); err != nil {
		return nil, err
	}
	return refreshed, nil
}

// tokenTimes extracts iat and exp from a JWT without verifying it.
func tokenTimes(token string) (iat, exp time.Time, err error) {
	claims := jwt.MapClaims{}
	if _, _, err = jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return
	}
	issued, err := claims.GetIssuedAt()
	if err != nil || issued == nil {
		return iat, exp, fmt.Errorf("id token has no iat claim")
	}
	expires, err := claims.GetExpirationTime()
	if err != nil || expires == nil {
		return iat, exp, fmt.Errorf("id token has no exp claim")
	}
	return issued.Time, expires.Time, nil
}
