// Package session owns the signed-in user's OAuth2/OpenID credential: silent
// refresh from the saved token file, interactive PKCE sign-in through a
// loopback redirect, sign-out, and watching the token file for changes made
// by other processes.
//
// The caller is responsible for computing the token path (via config).
// session/ has no config import.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/tonimelisma/diceware-go/internal/tokenfile"
)

// ErrNotSignedIn is returned by Refresh when no token file exists.
var ErrNotSignedIn = errors.New("session: not signed in")

// idTokenSkew forces a refresh slightly before the ID token expires so a
// request does not race the server-side expiry check.
const idTokenSkew = time.Minute

var defaultScopes = []string{"openid", "email", "profile"}

// Config describes the identity provider and where the token lives.
type Config struct {
	TokenPath    string
	ClientID     string
	ClientSecret string
	// Endpoint defaults to google.Endpoint when both URLs are empty.
	Endpoint oauth2.Endpoint
	Scopes   []string
	// HTTPClient is used for token exchange and refresh. Nil means
	// http.DefaultClient.
	HTTPClient *http.Client
}

// Session is safe for concurrent use.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	pending map[string]*SignIn // keyed by OAuth2 state
}

// New creates a Session. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Endpoint.AuthURL == "" && cfg.Endpoint.TokenURL == "" {
		cfg.Endpoint = google.Endpoint
	}

	if len(cfg.Scopes) == 0 {
		cfg.Scopes = defaultScopes
	}

	return &Session{
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
		pending: make(map[string]*SignIn),
	}
}

// TokenPath returns the token file this session reads and writes.
func (s *Session) TokenPath() string {
	return s.cfg.TokenPath
}

// Refresh obtains a usable credential without user interaction. It loads the
// token file and, when the access or ID token has expired, redeems the
// refresh token. Refreshed tokens are persisted before Refresh returns.
// Returns ErrNotSignedIn if no token file exists.
func (s *Session) Refresh(ctx context.Context) (*Credential, error) {
	if s.cfg.TokenPath == "" {
		return nil, errors.New("session: token path not configured")
	}

	f, err := tokenfile.Load(s.cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	if f == nil {
		return nil, ErrNotSignedIn
	}

	tok := *f.Token
	if f.IDToken != "" && s.idTokenExpired(f.IDToken) {
		s.logger.Debug("id token expired, forcing refresh")

		tok.Expiry = s.nowFunc().Add(-time.Minute)
	}

	expired := !tok.Expiry.IsZero() && tok.Expiry.Before(s.nowFunc())
	s.logger.Debug("loaded saved token",
		slog.String("path", s.cfg.TokenPath),
		slog.Time("expiry", tok.Expiry),
		slog.Bool("expired", expired),
	)

	cfg := s.oauthConfig(f)

	fresh, err := cfg.TokenSource(s.httpContext(ctx), &tok).Token()
	if err != nil {
		s.logger.Warn("silent refresh failed", slog.String("error", err.Error()))
		return nil, fmt.Errorf("session: refreshing token: %w", err)
	}

	cred := s.credentialFrom(fresh, idTokenFrom(fresh, f.IDToken), f.Identity)

	s.logger.Debug("credential ready",
		slog.String("subject", cred.Subject),
		slog.Time("expiry", cred.Expiry),
	)

	return cred, nil
}

// Current returns the identity recorded in the token file without touching
// the network. Returns ErrNotSignedIn if no token file exists.
func (s *Session) Current() (*Credential, error) {
	f, err := tokenfile.Load(s.cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	if f == nil {
		return nil, ErrNotSignedIn
	}

	return s.credentialFrom(f.Token, f.IDToken, f.Identity), nil
}

// SignOut removes the saved token file. Signing out twice is not an error.
func (s *Session) SignOut() error {
	removed, err := tokenfile.Remove(s.cfg.TokenPath)
	if err != nil {
		return fmt.Errorf("session: signing out: %w", err)
	}

	if removed {
		s.logger.Info("signed out: removed token file", slog.String("path", s.cfg.TokenPath))
	} else {
		s.logger.Info("signed out: no token file to remove (already signed out)",
			slog.String("path", s.cfg.TokenPath),
		)
	}

	return nil
}

// oauthConfig builds an oauth2.Config with OnTokenChange wired to persist
// refreshed tokens. prev is captured by the closure so the ID token and
// identity survive refresh responses that omit them.
func (s *Session) oauthConfig(prev *tokenfile.File) *oauth2.Config {
	var (
		prevIDToken  string
		prevIdentity tokenfile.Identity
	)

	if prev != nil {
		prevIDToken = prev.IDToken
		prevIdentity = prev.Identity
	}

	return &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint:     s.cfg.Endpoint,
		Scopes:       s.cfg.Scopes,
		// Called by ReuseTokenSource after each silent refresh, outside its mutex.
		OnTokenChange: func(tok *oauth2.Token) {
			s.logger.Info("token refreshed",
				slog.String("path", s.cfg.TokenPath),
				slog.Time("new_expiry", tok.Expiry),
			)

			if err := s.persist(tok, idTokenFrom(tok, prevIDToken), prevIdentity); err != nil {
				s.logger.Warn("failed to persist refreshed token",
					slog.String("path", s.cfg.TokenPath),
					slog.String("error", err.Error()),
				)
			}
		},
	}
}

// persist writes tok and the identity derived from idToken to the token
// file. fallback is kept when idToken carries no readable claims.
func (s *Session) persist(tok *oauth2.Token, idToken string, fallback tokenfile.Identity) error {
	identity := fallback
	if claims, err := parseIDToken(idToken); err == nil {
		identity = claims.identity()
	}

	return tokenfile.Save(s.cfg.TokenPath, &tokenfile.File{
		Token:    tok,
		IDToken:  idToken,
		Identity: identity,
	})
}

func (s *Session) idTokenExpired(raw string) bool {
	claims, err := parseIDToken(raw)
	if err != nil || claims.Expiry == nil {
		return false
	}

	return claims.Expiry.Time().Before(s.nowFunc().Add(idTokenSkew))
}

// httpContext attaches the configured HTTP client for the oauth2 package.
func (s *Session) httpContext(ctx context.Context) context.Context {
	if s.cfg.HTTPClient == nil {
		return ctx
	}

	return context.WithValue(ctx, oauth2.HTTPClient, s.cfg.HTTPClient)
}

// idTokenFrom returns the id_token from a token endpoint response, or
// fallback when the response did not include one.
func idTokenFrom(tok *oauth2.Token, fallback string) string {
	if v, ok := tok.Extra("id_token").(string); ok && v != "" {
		return v
	}

	return fallback
}
