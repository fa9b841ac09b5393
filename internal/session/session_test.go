package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/diceware-go/internal/tokenfile"
)

const testSigningKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// signIDToken builds an HS256 ID token for the given identity.
func signIDToken(t *testing.T, sub, email string, exp time.Time) string {
	t.Helper()

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: []byte(testSigningKey)},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(idClaims{
		Claims: jwt.Claims{Subject: sub, Expiry: jwt.NewNumericDate(exp)},
		Email:  email,
	}).Serialize()
	require.NoError(t, err)

	return raw
}

// tokenResponse renders a token endpoint JSON body.
func tokenResponse(access, refresh, idToken string) string {
	body := fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","refresh_token":%q,"expires_in":3600`, access, refresh)
	if idToken != "" {
		body += fmt.Sprintf(`,"id_token":%q`, idToken)
	}

	return body + "}"
}

// newMockOAuthServer serves /authorize (redirecting back with a code) and
// /token. tokenHandler controls the token endpoint; nil always succeeds.
func newMockOAuthServer(t *testing.T, tokenHandler http.HandlerFunc) (oauth2.Endpoint, *atomic.Int32) {
	t.Helper()

	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		callback := q.Get("redirect_uri") + "?code=test-auth-code&state=" + url.QueryEscape(q.Get("state"))
		http.Redirect(w, r, callback, http.StatusFound)
	})

	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)

		if tokenHandler != nil {
			tokenHandler(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tokenResponse("new-access", "new-refresh", "")))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return oauth2.Endpoint{AuthURL: srv.URL + "/authorize", TokenURL: srv.URL + "/token"}, &tokenCalls
}

func newTestSession(t *testing.T, endpoint oauth2.Endpoint) *Session {
	t.Helper()

	return New(Config{
		TokenPath: filepath.Join(t.TempDir(), "tokens", "token.json"),
		ClientID:  "test-client",
		Endpoint:  endpoint,
	}, slog.Default())
}

func saveTestToken(t *testing.T, s *Session, expiry time.Time, idToken string) {
	t.Helper()

	require.NoError(t, tokenfile.Save(s.TokenPath(), &tokenfile.File{
		Token: &oauth2.Token{
			AccessToken:  "old-access",
			RefreshToken: "old-refresh",
			TokenType:    "Bearer",
			Expiry:       expiry,
		},
		IDToken:  idToken,
		Identity: tokenfile.Identity{Subject: "stored-sub", Email: "stored@example.com"},
	}))
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{TokenPath: "/tmp/x.json"}, nil)

	assert.NotEmpty(t, s.cfg.Endpoint.TokenURL, "default endpoint must be set")
	assert.Equal(t, defaultScopes, s.cfg.Scopes)
	assert.NotNil(t, s.logger)
}

func TestRefresh_NotSignedIn(t *testing.T) {
	endpoint, calls := newMockOAuthServer(t, nil)
	s := newTestSession(t, endpoint)

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Zero(t, calls.Load())
}

func TestRefresh_ValidTokenNoNetwork(t *testing.T) {
	endpoint, calls := newMockOAuthServer(t, nil)
	s := newTestSession(t, endpoint)

	idToken := signIDToken(t, "sub-1", "alice@example.com", time.Now().Add(time.Hour))
	saveTestToken(t, s, time.Now().Add(time.Hour), idToken)

	cred, err := s.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, idToken, cred.Token, "the ID token is the bearer credential")
	assert.Equal(t, "sub-1", cred.Subject)
	assert.Equal(t, "alice@example.com", cred.Display())
	assert.Zero(t, calls.Load())
}

func TestRefresh_NoIDTokenUsesAccessToken(t *testing.T) {
	endpoint, _ := newMockOAuthServer(t, nil)
	s := newTestSession(t, endpoint)
	saveTestToken(t, s, time.Now().Add(time.Hour), "")

	cred, err := s.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "old-access", cred.Token)
	assert.Equal(t, "stored@example.com", cred.Email)
}

func TestRefresh_ExpiredTokenIsRefreshedAndPersisted(t *testing.T) {
	newID := signIDToken(t, "sub-2", "bob@example.com", time.Now().Add(time.Hour))

	endpoint, calls := newMockOAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tokenResponse("new-access", "new-refresh", newID)))
	})

	s := newTestSession(t, endpoint)
	saveTestToken(t, s, time.Now().Add(-time.Hour), "")

	cred, err := s.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, newID, cred.Token)
	assert.Equal(t, "bob@example.com", cred.Email)

	saved, err := tokenfile.Load(s.TokenPath())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "new-access", saved.Token.AccessToken)
	assert.Equal(t, "new-refresh", saved.Token.RefreshToken)
	assert.Equal(t, newID, saved.IDToken)
	assert.Equal(t, "sub-2", saved.Identity.Subject)
}

func TestRefresh_ExpiredIDTokenForcesRefresh(t *testing.T) {
	newID := signIDToken(t, "sub-1", "alice@example.com", time.Now().Add(time.Hour))

	endpoint, calls := newMockOAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tokenResponse("new-access", "new-refresh", newID)))
	})

	s := newTestSession(t, endpoint)
	staleID := signIDToken(t, "sub-1", "alice@example.com", time.Now().Add(-time.Minute))
	saveTestToken(t, s, time.Now().Add(time.Hour), staleID)

	cred, err := s.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, newID, cred.Token)
	assert.False(t, cred.Expired(time.Now()))
}

func TestRefresh_RefreshKeepsPreviousIDTokenWhenOmitted(t *testing.T) {
	endpoint, _ := newMockOAuthServer(t, nil)
	s := newTestSession(t, endpoint)

	// The ID token is still good but the access token expired.
	idToken := signIDToken(t, "sub-1", "alice@example.com", time.Now().Add(time.Hour))
	saveTestToken(t, s, time.Now().Add(-time.Hour), idToken)

	cred, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, idToken, cred.Token)

	saved, err := tokenfile.Load(s.TokenPath())
	require.NoError(t, err)
	assert.Equal(t, idToken, saved.IDToken)
	assert.Equal(t, "new-access", saved.Token.AccessToken)
}

func TestRefresh_RevokedRefreshToken(t *testing.T) {
	endpoint, _ := newMockOAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"revoked"}`))
	})

	s := newTestSession(t, endpoint)
	saveTestToken(t, s, time.Now().Add(-time.Hour), "")

	_, err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotSignedIn)
	assert.Contains(t, err.Error(), "invalid_grant")
}

func TestCurrent(t *testing.T) {
	endpoint, calls := newMockOAuthServer(t, nil)
	s := newTestSession(t, endpoint)

	_, err := s.Current()
	require.ErrorIs(t, err, ErrNotSignedIn)

	saveTestToken(t, s, time.Now().Add(-time.Hour), "")

	cred, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, "stored-sub", cred.Subject)
	assert.Zero(t, calls.Load(), "Current must not refresh")
}

func TestSignOut_Idempotent(t *testing.T) {
	endpoint, _ := newMockOAuthServer(t, nil)
	s := newTestSession(t, endpoint)
	saveTestToken(t, s, time.Now().Add(time.Hour), "")

	require.NoError(t, s.SignOut())
	require.NoError(t, s.SignOut())

	_, err := s.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestCredential_Display(t *testing.T) {
	var nilCred *Credential
	assert.Empty(t, nilCred.Display())
	assert.Equal(t, "n", (&Credential{Subject: "s", Name: "n"}).Display())
	assert.Equal(t, "s", (&Credential{Subject: "s"}).Display())
}

func TestCredential_Expired(t *testing.T) {
	now := time.Now()

	assert.False(t, (&Credential{}).Expired(now), "zero expiry never expires")
	assert.True(t, (&Credential{Expiry: now.Add(-time.Second)}).Expired(now))
	assert.False(t, (&Credential{Expiry: now.Add(time.Hour)}).Expired(now))
}

func TestParseIDToken_Garbage(t *testing.T) {
	_, err := parseIDToken("not-a-jwt")
	assert.Error(t, err)

	_, err = parseIDToken("")
	assert.Error(t, err)
}
