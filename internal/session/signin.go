package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/diceware-go/internal/tokenfile"
)

// ErrStateMismatch means a callback did not belong to any sign-in started by
// this session (possible CSRF).
var ErrStateMismatch = errors.New("session: OAuth2 state mismatch")

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// callbackPath is the HTTP path the OAuth2 redirect hits on the local server.
const callbackPath = "/"

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// CallbackPayload is what the identity provider sent back to the redirect
// URI. Error is set instead of Code when the user declined.
type CallbackPayload struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// SignIn is one pending interactive sign-in. The browser is sent to AuthURL;
// the provider redirects to RedirectURL, where a loopback server captures
// the payload for Wait.
type SignIn struct {
	AuthURL     string
	RedirectURL string

	state    string
	verifier string
	cfg      *oauth2.Config
	srv      *http.Server
	resultCh chan callbackResult
	logger   *slog.Logger
	close    sync.Once
}

type callbackResult struct {
	payload CallbackPayload
	err     error
}

// StartInteractiveSignIn binds a loopback callback server on a random port
// and prepares an authorization code + PKCE request. The caller must Close
// the returned SignIn (CompleteInteractiveSignIn does so on success).
func (s *Session) StartInteractiveSignIn(ctx context.Context) (*SignIn, error) {
	if s.cfg.ClientID == "" {
		return nil, errors.New("session: client_id not configured")
	}

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, resultCh)
	})

	srv, port, err := startCallbackServer(ctx, mux, resultCh, s.logger)
	if err != nil {
		return nil, err
	}

	state, err := generateState()
	if err != nil {
		shutdownCallbackServer(srv, s.logger)
		return nil, fmt.Errorf("session: generating state token: %w", err)
	}

	cfg := s.oauthConfig(nil)
	cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	verifier := oauth2.GenerateVerifier()

	in := &SignIn{
		AuthURL: cfg.AuthCodeURL(state,
			oauth2.AccessTypeOffline,
			oauth2.S256ChallengeOption(verifier),
		),
		RedirectURL: cfg.RedirectURL,
		state:       state,
		verifier:    verifier,
		cfg:         cfg,
		srv:         srv,
		resultCh:    resultCh,
		logger:      s.logger,
	}

	s.mu.Lock()
	s.pending[state] = in
	s.mu.Unlock()

	s.logger.Info("interactive sign-in started", slog.Int("port", port))

	return in, nil
}

// Wait blocks until the browser reaches the callback server or ctx is done.
func (in *SignIn) Wait(ctx context.Context) (CallbackPayload, error) {
	select {
	case result := <-in.resultCh:
		return result.payload, result.err
	case <-ctx.Done():
		return CallbackPayload{}, fmt.Errorf("session: interactive sign-in canceled: %w", ctx.Err())
	}
}

// Close shuts the callback server down. Safe to call more than once.
func (in *SignIn) Close() {
	if in == nil || in.srv == nil {
		return
	}

	in.close.Do(func() { shutdownCallbackServer(in.srv, in.logger) })
}

// CompleteInteractiveSignIn validates the callback against a pending
// sign-in, exchanges the code with its PKCE verifier and persists the token.
func (s *Session) CompleteInteractiveSignIn(ctx context.Context, payload CallbackPayload) (*Credential, error) {
	s.mu.Lock()
	in, ok := s.pending[payload.State]
	if ok {
		delete(s.pending, payload.State)
	}
	s.mu.Unlock()

	if !ok {
		return nil, ErrStateMismatch
	}

	defer in.Close()

	if payload.Error != "" {
		return nil, fmt.Errorf("session: authorization failed: %s: %s", payload.Error, payload.ErrorDescription)
	}

	if payload.Code == "" {
		return nil, errors.New("session: callback missing authorization code")
	}

	s.logger.Info("received authorization code, exchanging for token")

	tok, err := in.cfg.Exchange(s.httpContext(ctx), payload.Code, oauth2.VerifierOption(in.verifier))
	if err != nil {
		return nil, fmt.Errorf("session: token exchange failed: %w", err)
	}

	idToken := idTokenFrom(tok, "")
	if err := s.persist(tok, idToken, tokenfile.Identity{}); err != nil {
		return nil, fmt.Errorf("session: saving token: %w", err)
	}

	cred := s.credentialFrom(tok, idToken, tokenfile.Identity{})

	s.logger.Info("sign-in successful",
		slog.String("path", s.cfg.TokenPath),
		slog.String("subject", cred.Subject),
	)

	return cred, nil
}

// SignInInteractive runs the whole browser flow: start, open the browser,
// wait for the callback and complete. If openURL fails, the URL is printed to
// stderr so the user can open it manually.
func (s *Session) SignInInteractive(ctx context.Context, openURL func(string) error) (*Credential, error) {
	in, err := s.StartInteractiveSignIn(ctx)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	defer s.forget(in.state)

	launchBrowser(in.AuthURL, openURL, s.logger)

	payload, err := in.Wait(ctx)
	if err != nil {
		return nil, err
	}

	return s.CompleteInteractiveSignIn(ctx, payload)
}

// forget drops a pending sign-in. Completed sign-ins are already gone.
func (s *Session) forget(state string) {
	s.mu.Lock()
	delete(s.pending, state)
	s.mu.Unlock()
}

// startCallbackServer binds to 127.0.0.1:0 and starts an HTTP server with the
// given mux. Returns the server, the port, and any error.
func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return nil, 0, fmt.Errorf("session: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("session: listener address is not TCP")
	}

	port := tcpAddr.Port
	logger.Debug("callback server listening", slog.Int("port", port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("session: callback server error: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, port, nil
}

// handleOAuthCallback forwards the redirect parameters. State is checked by
// CompleteInteractiveSignIn, which holds the verifier.
func handleOAuthCallback(w http.ResponseWriter, r *http.Request, resultCh chan<- callbackResult) {
	q := r.URL.Query()
	payload := CallbackPayload{
		State:            q.Get("state"),
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}

	switch {
	case payload.Error != "":
		http.Error(w, "Authorization failed: "+payload.Error, http.StatusBadRequest)
	case payload.Code == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Signed in to Diceware</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")
	}

	// Only the first callback counts; a browser retry must not block.
	select {
	case resultCh <- callbackResult{payload: payload}:
	default:
	}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

// launchBrowser attempts to open the auth URL. If it fails, prints the URL
// to stderr as a fallback so the user can copy-paste it.
func launchBrowser(authURL string, openURL func(string) error, logger *slog.Logger) {
	logger.Info("opening browser for authorization")

	if openURL == nil {
		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
		return
	}

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser, printing URL",
			slog.String("error", openErr.Error()),
		)

		fmt.Fprintf(os.Stderr, "Open this URL in your browser:\n%s\n", authURL)
	}
}

// generateState produces a cryptographically random hex string for the OAuth2
// state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
