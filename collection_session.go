package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/diceware-go/internal/diceware"
	"github.com/tonimelisma/diceware-go/internal/session"
	"github.com/tonimelisma/diceware-go/internal/sync"
)

// errNotSignedIn is the user-facing form of session.ErrNotSignedIn.
var errNotSignedIn = errors.New("not signed in, run 'diceware login' first")

// CollectionSession holds the credential session, the Diceware client and
// the collection controller for one command invocation.
type CollectionSession struct {
	Session    *session.Session
	Client     *diceware.Client
	Controller *sync.Controller

	journal *sync.SQLiteJournal
	cc      *CLIContext
	openURL func(string) error
}

// NewCollectionSession builds the session, client and controller from the
// resolved config. The caller must Close it.
func NewCollectionSession(ctx context.Context, cc *CLIContext) (*CollectionSession, error) {
	cfg := cc.Cfg
	if cfg == nil {
		return nil, errors.New("no configuration loaded")
	}

	httpClient := newHTTPClient(cfg)

	cs := &CollectionSession{
		Session: newSession(cc),
		Client:  diceware.NewClient(cfg.ServerURL, httpClient, cc.Logger, cfg.UserAgent),
		cc:      cc,
		openURL: openBrowser,
	}

	opts := []sync.Option{
		sync.WithLogger(cc.Logger),
		sync.WithSerializedMutations(cfg.SerializeMutations),
	}

	if cfg.Journal {
		j, err := sync.OpenJournal(ctx, cfg.JournalPath, cc.Logger)
		if err != nil {
			return nil, fmt.Errorf("opening journal: %w", err)
		}

		cs.journal = j
		opts = append(opts, sync.WithJournal(j))
	}

	cs.Controller = sync.New(cs.Client, opts...)

	cc.Logger.Debug("collection session ready",
		slog.String("server_url", cfg.ServerURL),
		slog.Bool("serialize_mutations", cfg.SerializeMutations),
		slog.Bool("journal", cfg.Journal),
	)

	return cs, nil
}

// newSession builds the credential session from config.
func newSession(cc *CLIContext) *session.Session {
	cfg := cc.Cfg

	return session.New(session.Config{
		TokenPath:    cfg.TokenFile,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthURL,
			TokenURL: cfg.TokenURL,
		},
		Scopes:     cfg.Scopes,
		HTTPClient: newHTTPClient(cfg),
	}, cc.Logger)
}

// Close disposes the controller, then closes the journal. Journal writes
// happen on the controller's loop, so the order matters.
func (cs *CollectionSession) Close() {
	cs.Controller.Dispose()

	if cs.journal != nil {
		if err := cs.journal.Close(); err != nil {
			cs.cc.Logger.Warn("closing journal", slog.String("error", err.Error()))
		}
	}
}

// Authenticate obtains a credential: a silent refresh first, then, on an
// interactive surface, browser sign-in. When browser sign-in fails too, or
// the provider has revoked the saved grant, the session is signed out.
func (cs *CollectionSession) Authenticate(ctx context.Context) (*session.Credential, error) {
	cred, err := cs.Session.Refresh(ctx)
	if err == nil {
		return cred, nil
	}

	cs.cc.Logger.Info("saved session not usable", slog.String("error", err.Error()))

	if !cs.cc.Flags.Interactive {
		if errors.Is(err, session.ErrNotSignedIn) {
			return nil, errNotSignedIn
		}

		if isGrantRejected(err) {
			cs.signOut()
			return nil, fmt.Errorf("session expired or revoked, run 'diceware login': %w", err)
		}

		return nil, err
	}

	cs.cc.Statusf("Signing in...\n")

	cred, err = cs.Session.SignInInteractive(ctx, cs.openURL)
	if err != nil {
		cs.signOut()
		return nil, fmt.Errorf("signing in: %w", err)
	}

	cs.cc.Statusf("Signed in as %s.\n", cred.Display())

	return cred, nil
}

// Sync authenticates, hands the credential to the controller and waits for
// the initial list. If op is set it then runs and Sync waits for everything
// it started (including the refreshes mutations trigger). The controller's
// fault, if any, is returned.
func (cs *CollectionSession) Sync(
	ctx context.Context, op func(ctx context.Context, cred *session.Credential) error,
) error {
	cred, err := cs.Authenticate(ctx)
	if err != nil {
		return err
	}

	cs.Controller.SetCredential(cred)

	if err := cs.settle(ctx); err != nil {
		return err
	}

	if op == nil {
		return nil
	}

	if err := op(ctx, cred); err != nil {
		return err
	}

	return cs.settle(ctx)
}

// LiveCollection is the controller as a long-running surface drives it.
// Every call first renews the credential the way Authenticate does, so a
// token that expired while the surface was open is refreshed before the
// request goes out instead of failing it.
type LiveCollection struct {
	ctx context.Context
	cs  *CollectionSession

	// mu serializes renewals so concurrent calls share one sign-in.
	mu    gosync.Mutex
	token string
}

// Live returns a LiveCollection bound to ctx. installed is the credential
// already handed to the controller, or nil.
func (cs *CollectionSession) Live(ctx context.Context, installed *session.Credential) *LiveCollection {
	l := &LiveCollection{ctx: ctx, cs: cs}
	if installed != nil {
		l.token = installed.Token
	}

	return l
}

// Refresh renews the credential and lists the collection.
func (l *LiveCollection) Refresh() error {
	changed, err := l.renew()
	if err != nil {
		return err
	}

	// Installing a new credential already started a list.
	if !changed {
		l.cs.Controller.Refresh()
	}

	return nil
}

// Update renews the credential and replaces p.
func (l *LiveCollection) Update(p diceware.Passphrase) error {
	if _, err := l.renew(); err != nil {
		return err
	}

	return l.cs.Controller.Update(p)
}

// Delete renews the credential and removes p.
func (l *LiveCollection) Delete(p diceware.Passphrase) error {
	if _, err := l.renew(); err != nil {
		return err
	}

	return l.cs.Controller.Delete(p)
}

// Reload re-reads the saved session after the token file changed, without
// prompting. A removed session signs the controller out; a transient
// refresh failure keeps the current credential.
func (l *LiveCollection) Reload() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cred, err := l.cs.Session.Refresh(l.ctx)

	switch {
	case err == nil:
		if cred.Token == l.token {
			return
		}

		l.cs.cc.Logger.Info("token file changed, using saved session", slog.String("subject", cred.Subject))
		l.token = cred.Token
		l.cs.Controller.SetCredential(cred)
	case errors.Is(err, session.ErrNotSignedIn):
		l.cs.cc.Logger.Info("token file removed, signing out")
		l.token = ""
		l.cs.Controller.SetCredential(nil)
	default:
		l.cs.cc.Logger.Warn("reloading saved session failed", slog.String("error", err.Error()))
	}
}

// renew hands the controller a fresh credential when the saved one changed.
// When Authenticate left the session signed out, the controller is signed
// out too.
func (l *LiveCollection) renew() (changed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cred, err := l.cs.Authenticate(l.ctx)
	if err != nil {
		if _, curErr := l.cs.Session.Current(); errors.Is(curErr, session.ErrNotSignedIn) {
			l.token = ""
			l.cs.Controller.SetCredential(nil)
		}

		return false, err
	}

	if cred.Token == l.token {
		return false, nil
	}

	l.cs.cc.Logger.Debug("installing renewed credential", slog.String("subject", cred.Subject))
	l.token = cred.Token
	l.cs.Controller.SetCredential(cred)

	return true, nil
}

func (cs *CollectionSession) settle(ctx context.Context) error {
	if err := cs.Controller.WaitIdle(ctx); err != nil {
		return err
	}

	return describeFault(cs.Controller.Fault())
}

func (cs *CollectionSession) signOut() {
	if err := cs.Session.SignOut(); err != nil {
		cs.cc.Logger.Warn("sign-out failed", slog.String("error", err.Error()))
	}
}

// describeFault adds a hint to faults the user can act on.
func describeFault(err error) error {
	switch {
	case err == nil:
		return nil
	case diceware.IsAuthFailure(err):
		return fmt.Errorf("the server rejected the session, run 'diceware login': %w", err)
	default:
		return err
	}
}

// isGrantRejected reports whether the identity provider refused the saved
// refresh token.
func isGrantRejected(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}
