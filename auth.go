package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/diceware-go/internal/session"
)

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in through the browser",
		Long: `Sign in with the configured OpenID Connect provider.

A saved session is refreshed silently when possible; otherwise a browser
window opens for sign-in and the token is saved for later commands.`,
		RunE: runLogin,
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved session",
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in account",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	base, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	ctx := shutdownContext(base, cc.Logger, nil)
	s := newSession(cc)

	cc.Logger.Info("login started", "token_file", s.TokenPath())

	if cred, err := s.Refresh(ctx); err == nil {
		cc.Statusf("Already signed in as %s.\n", cred.Display())
		return nil
	}

	cred, err := s.SignInInteractive(ctx, openBrowser)
	if err != nil {
		return fmt.Errorf("signing in: %w", err)
	}

	cc.Logger.Info("login successful", "subject", cred.Subject)
	cc.Statusf("Signed in as %s.\n", cred.Display())

	return nil
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	s := newSession(cc)

	if err := s.SignOut(); err != nil {
		return err
	}

	cc.Logger.Info("logout successful", "token_file", s.TokenPath())
	cc.Statusf("Signed out.\n")

	return nil
}

// whoamiOutput is the structured schema for `whoami -o json|yaml`.
type whoamiOutput struct {
	Subject string    `json:"subject" yaml:"subject"`
	Email   string    `json:"email,omitempty" yaml:"email,omitempty"`
	Name    string    `json:"name,omitempty" yaml:"name,omitempty"`
	Expiry  time.Time `json:"expiry,omitzero" yaml:"expiry,omitempty"`
	Expired bool      `json:"expired" yaml:"expired"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	cred, err := newSession(cc).Current()
	if err != nil {
		if errors.Is(err, session.ErrNotSignedIn) {
			return errNotSignedIn
		}

		return err
	}

	out := whoamiOutput{
		Subject: cred.Subject,
		Email:   cred.Email,
		Name:    cred.Name,
		Expiry:  cred.Expiry,
		Expired: cred.Expired(time.Now()),
	}

	w := cmd.OutOrStdout()
	if cc.Structured() {
		return cc.PrintStructured(w, out)
	}

	printWhoamiText(w, out)

	return nil
}

func printWhoamiText(w io.Writer, out whoamiOutput) {
	fmt.Fprintf(w, "Account: %s\n", displayOr(out.Email, out.Subject))

	if out.Name != "" {
		fmt.Fprintf(w, "Name:    %s\n", out.Name)
	}

	fmt.Fprintf(w, "Subject: %s\n", out.Subject)

	expiry := formatTime(out.Expiry)
	if out.Expired {
		expiry += " (expired, refreshed on next use)"
	}

	fmt.Fprintf(w, "Expires: %s\n", expiry)
}

func displayOr(s, fallback string) string {
	if s != "" {
		return s
	}

	return fallback
}

// openBrowser opens url with the platform's default handler.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	return cmd.Start()
}
