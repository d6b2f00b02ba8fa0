package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/mpetrovs/keebsync/internal/common"
	"github.com/mpetrovs/keebsync/internal/logging"
	"github.com/mpetrovs/keebsync/internal/models"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestStore(t *testing.T, tokenURL string) *TokenStore {
	t.Helper()
	s := NewTokenStore(Config{
		ClientID: "client-id",
		AuthURL:  "https://provider.example/auth",
		TokenURL: tokenURL,
	}, filepath.Join(t.TempDir(), "tokens.enc"), logging.Nop{})
	s.keyFn = func() ([]byte, error) { return append([]byte(nil), testKey...), nil }
	return s
}

func signIDToken(t *testing.T, issuedAt time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(time.Hour).Unix(),
		"email": "user@example.com",
		"sub":   "12345",
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func tokenEndpoint(t *testing.T, handler func(grantType string, form url.Values) map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		body := handler(r.Form.Get("grant_type"), r.Form)
		if body == nil {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
}

func TestGenerateAuthURL(t *testing.T) {
	s := newTestStore(t, "https://provider.example/token")
	verifier := GenerateVerifier()

	raw := s.GenerateAuthURL(43123, verifier, "feedbeef")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	require.Equal(t, "http://127.0.0.1:43123", q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.Equal(t, "feedbeef", q.Get("state"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, ChallengeFromVerifier(verifier), q.Get("code_challenge"))
	require.Contains(t, q.Get("scope"), "drive.appdata")
}

func TestGenerateState_Shape(t *testing.T) {
	state, err := GenerateState()
	require.NoError(t, err)
	require.Len(t, state, 32) // 16 bytes hex-encoded
	require.NotPanics(t, func() {
		for _, c := range state {
			require.Contains(t, "0123456789abcdef", string(c))
		}
	})
}

func TestExchangeCodeForTokens_PersistsEncrypted(t *testing.T) {
	idToken := signIDToken(t, time.Now())
	srv := tokenEndpoint(t, func(grant string, form url.Values) map[string]any {
		require.Equal(t, "authorization_code", grant)
		require.Equal(t, "the-code", form.Get("code"))
		require.NotEmpty(t, form.Get("code_verifier"))
		return map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"expires_in":    3600,
			"id_token":      idToken,
			"token_type":    "Bearer",
		}
	})
	defer srv.Close()

	s := newTestStore(t, srv.URL)
	require.NoError(t, s.ExchangeCodeForTokens(context.Background(), "the-code", GenerateVerifier(), 1234))

	got, err := s.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", got)

	email, err := s.AccountEmail()
	require.NoError(t, err)
	require.Equal(t, "user@example.com", email)

	// A second store over the same file and key reads the persisted state.
	s2 := NewTokenStore(s.cfg, s.path, logging.Nop{})
	s2.keyFn = s.keyFn
	got, err = s2.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-1", got)
}

func TestGetAccessToken_Unauthenticated(t *testing.T) {
	s := newTestStore(t, "https://provider.example/token")
	_, err := s.GetAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrNotAuthenticated)
	require.False(t, s.IsAuthenticated())
}

func TestGetAccessToken_RefreshesWithinSkew(t *testing.T) {
	refreshed := false
	srv := tokenEndpoint(t, func(grant string, form url.Values) map[string]any {
		require.Equal(t, "refresh_token", grant)
		require.Equal(t, "refresh-1", form.Get("refresh_token"))
		refreshed = true
		return map[string]any{
			"access_token": "access-2",
			"expires_in":   3600,
			"token_type":   "Bearer",
		}
	})
	defer srv.Close()

	s := newTestStore(t, srv.URL)
	idToken := signIDToken(t, time.Now())
	s.mu.Lock()
	require.NoError(t, s.saveLocked(&models.StoredTokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(2 * time.Minute).UnixMilli(), // inside the 5-minute skew
		IDToken:      idToken,
	}))
	s.mu.Unlock()

	got, err := s.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "access-2", got)
	require.True(t, refreshed)

	// The refresh token and ID token survive a response that omits them.
	s.mu.Lock()
	stored, err := s.loadLocked()
	s.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, "refresh-1", stored.RefreshToken)
	require.Equal(t, idToken, stored.IDToken)
}

func TestGetAccessToken_RefreshFailure(t *testing.T) {
	srv := tokenEndpoint(t, func(string, url.Values) map[string]any { return nil })
	defer srv.Close()

	s := newTestStore(t, srv.URL)
	s.mu.Lock()
	require.NoError(t, s.saveLocked(&models.StoredTokens{
		AccessToken:  "stale",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
	}))
	s.mu.Unlock()

	_, err := s.GetAccessToken(context.Background())
	require.ErrorIs(t, err, common.ErrNotAuthenticated)
}

func TestGetIDToken_RefreshesWhenStale(t *testing.T) {
	fresh := signIDToken(t, time.Now())
	srv := tokenEndpoint(t, func(grant string, form url.Values) map[string]any {
		require.Equal(t, "refresh_token", grant)
		return map[string]any{
			"access_token": "access-2",
			"expires_in":   3600,
			"id_token":     fresh,
			"token_type":   "Bearer",
		}
	})
	defer srv.Close()

	s := newTestStore(t, srv.URL)
	s.mu.Lock()
	require.NoError(t, s.saveLocked(&models.StoredTokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		IDToken:      signIDToken(t, time.Now().Add(-6*time.Minute)), // past the 5-minute age cap
	}))
	s.mu.Unlock()

	got, err := s.GetIDToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, fresh, got)
}

func TestGetIDToken_FreshTokenNotRefreshed(t *testing.T) {
	s := newTestStore(t, "http://127.0.0.1:0") // unreachable: refresh must not happen
	idToken := signIDToken(t, time.Now())
	s.mu.Lock()
	require.NoError(t, s.saveLocked(&models.StoredTokens{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		IDToken:      idToken,
	}))
	s.mu.Unlock()

	got, err := s.GetIDToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, idToken, got)
}

func TestSignOut_Idempotent(t *testing.T) {
	s := newTestStore(t, "https://provider.example/token")
	s.mu.Lock()
	require.NoError(t, s.saveLocked(&models.StoredTokens{AccessToken: "a", RefreshToken: "r"}))
	s.mu.Unlock()
	require.True(t, s.IsAuthenticated())

	require.NoError(t, s.SignOut())
	require.False(t, s.IsAuthenticated())
	require.NoError(t, s.SignOut())
}

func TestStartOAuthFlow_EndToEnd(t *testing.T) {
	srv := tokenEndpoint(t, func(grant string, form url.Values) map[string]any {
		require.Equal(t, "authorization_code", grant)
		require.Equal(t, "flow-code", form.Get("code"))
		return map[string]any{
			"access_token":  "flow-access",
			"refresh_token": "flow-refresh",
			"expires_in":    3600,
			"token_type":    "Bearer",
		}
	})
	defer srv.Close()

	s := newTestStore(t, srv.URL)
	s.openBrowser = func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		redirect := u.Query().Get("redirect_uri")
		state := u.Query().Get("state")
		go func() {
			resp, err := http.Get(redirect + "/?code=flow-code&state=" + state)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	require.NoError(t, s.StartOAuthFlow(context.Background()))

	got, err := s.GetAccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "flow-access", got)
}

func TestStartOAuthFlow_StateMismatch(t *testing.T) {
	s := newTestStore(t, "https://provider.example/token")
	s.openBrowser = func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		redirect := u.Query().Get("redirect_uri")
		go func() {
			resp, err := http.Get(redirect + "/?code=x&state=wrong")
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	err := s.StartOAuthFlow(context.Background())
	require.ErrorIs(t, err, common.ErrStateMismatch)
}

func TestStartOAuthFlow_ProviderError(t *testing.T) {
	s := newTestStore(t, "https://provider.example/token")
	s.openBrowser = func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		redirect := u.Query().Get("redirect_uri")
		state := u.Query().Get("state")
		go func() {
			resp, err := http.Get(redirect + "/?error=access_denied&state=" + state)
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	err := s.StartOAuthFlow(context.Background())
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "access_denied"))
}
