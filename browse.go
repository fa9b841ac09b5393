package main

import (
	"context"
	"errors"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/diceware-go/internal/browse"
	"github.com/tonimelisma/diceware-go/internal/diceware"
)

func newBrowseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "Browse the collection interactively",
		Long: `Open a full-screen browser for the collection.

The view updates live as operations complete and when the saved session
changes in another terminal.`,
		Args: cobra.NoArgs,
		RunE: runBrowse,
	}

	cmd.Flags().Int("length", diceware.DefaultWords, "number of words for regenerated passphrases")

	return cmd
}

func runBrowse(cmd *cobra.Command, _ []string) error {
	length, err := cmd.Flags().GetInt("length")
	if err != nil {
		return err
	}

	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		cred, err := cs.Authenticate(ctx)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		gctx, stop := context.WithCancel(gctx)
		defer stop()

		detach := cs.Controller.Attach(gctx)
		defer detach()

		live := cs.Live(gctx, cred)

		model := browse.New(browse.Options{
			Collection: live,
			Updates:    cs.Controller.ObserveCollection(gctx),
			Faults:     cs.Controller.ObserveFault(gctx),
			Account:    cred.Display(),
			Words:      length,
		})

		cs.Controller.SetCredential(cred)

		g.Go(func() error {
			return cs.Session.WatchTokenFile(gctx, live.Reload)
		})

		g.Go(func() error {
			// Quitting the browser stops the token watcher.
			defer stop()

			_, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}

			if err != nil {
				return fmt.Errorf("running browser: %w", err)
			}

			return nil
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})
}
