package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/diceware-go/internal/diceware"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the collection every time it changes",
		Long: `Keep the collection in sync and print it whenever it changes.

Signing in or out in another terminal is picked up from the token file.
With --interval the collection is also re-listed periodically, refreshing
the saved session first when it has expired. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: runWatch,
	}

	cmd.Flags().Duration("interval", 0, "re-list the collection at this interval (0 disables)")
	cmd.Flags().Bool("show", false, "print the words instead of masking them")

	return cmd
}

func runWatch(cmd *cobra.Command, _ []string) error {
	interval, err := cmd.Flags().GetDuration("interval")
	if err != nil {
		return err
	}

	show, err := cmd.Flags().GetBool("show")
	if err != nil {
		return err
	}

	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		cred, err := cs.Authenticate(ctx)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		detach := cs.Controller.Attach(gctx)
		defer detach()

		collection := cs.Controller.ObserveCollection(gctx)
		faults := cs.Controller.ObserveFault(gctx)

		cs.Controller.SetCredential(cred)
		live := cs.Live(gctx, cred)

		out := cmd.OutOrStdout()

		g.Go(func() error {
			return printUpdates(gctx, out, cc, collection, show)
		})

		g.Go(func() error {
			return logFaults(gctx, cc, faults)
		})

		g.Go(func() error {
			return cs.Session.WatchTokenFile(gctx, live.Reload)
		})

		if interval > 0 {
			g.Go(func() error {
				return refreshEvery(gctx, cc, live, interval)
			})
		}

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})
}

// refreshEvery re-lists the collection every interval. A failed renewal is
// reported and the next tick tries again.
func refreshEvery(ctx context.Context, cc *CLIContext, coll interface{ Refresh() error }, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := coll.Refresh(); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				cc.Statusf("Error: %v\n", err)
			}
		}
	}
}

// printUpdates prints every published collection until the channel closes
// or ctx is done.
func printUpdates(
	ctx context.Context, w io.Writer, cc *CLIContext, updates <-chan []diceware.Passphrase, show bool,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case list, ok := <-updates:
			if !ok {
				return nil
			}

			if !cc.Structured() {
				fmt.Fprintf(w, "\n# %s: %d passphrase(s)\n", formatTime(time.Now()), len(list))
			}

			if err := printPassphrases(w, cc, list, show); err != nil {
				return err
			}
		}
	}
}

// logFaults reports faults on stderr. A nil fault means the last call
// succeeded and is not reported.
func logFaults(ctx context.Context, cc *CLIContext, faults <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-faults:
			if !ok {
				return nil
			}

			if err != nil {
				cc.Statusf("Error: %v\n", describeFault(err))
			}
		}
	}
}
