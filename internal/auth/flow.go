package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/browser"

	"github.com/mpetrovs/keebsync/internal/common"
)

func openSystemBrowser(url string) error {
	return browser.OpenURL(url)
}

type callbackResult struct {
	code string
	err  error
}

// StartOAuthFlow runs the interactive sign-in: it opens an ephemeral HTTP
// server on an OS-assigned loopback port, launches the system browser at the
// authorization URL, waits for the redirect carrying code and state, and
// exchanges the code for tokens. It fails on a state mismatch, a provider
// error, or after five minutes without a redirect.
func (s *TokenStore) StartOAuthFlow(ctx context.Context) error {
	verifier := GenerateVerifier()
	state, err := GenerateState()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen on loopback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var res callbackResult
		switch {
		case q.Get("error") != "":
			res.err = fmt.Errorf("authorization denied: %s", q.Get("error"))
		case q.Get("state") != state:
			res.err = common.ErrStateMismatch
		case q.Get("code") == "":
			res.err = errors.New("redirect carried no authorization code")
		default:
			res.code = q.Get("code")
		}

		if res.err != nil {
			http.Error(w, "Sign-in failed. You can close this window.", http.StatusBadRequest)
		} else {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "<html><body>Signed in. You can close this window.</body></html>")
		}

		// Only the first redirect counts.
		select {
		case results <- res:
		default:
		}
	})

	srv := &http.Server{Handler: mux}
	go srv.Serve(ln) //nolint:errcheck // closed via Shutdown below

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := s.GenerateAuthURL(port, verifier, state)
	if err := s.openBrowser(authURL); err != nil {
		s.log.Warn(ctx, "could not launch browser, open the URL manually", "url", authURL, "error", err)
	}

	timeout := time.NewTimer(common.OAuthFlowTimeout)
	defer timeout.Stop()

	select {
	case res := <-results:
		if res.err != nil {
			return res.err
		}
		return s.ExchangeCodeForTokens(ctx, res.code, verifier, port)
	case <-timeout.C:
		return errors.New("timed out waiting for sign-in")
	case <-ctx.Done():
		return ctx.Err()
	}
}
