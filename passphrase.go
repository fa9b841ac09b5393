package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/diceware-go/internal/diceware"
	"github.com/tonimelisma/diceware-go/internal/session"
)

// hiddenPhrase replaces words in listings unless --show is given.
const hiddenPhrase = "********"

func newLsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List your passphrases",
		Args:    cobra.NoArgs,
		RunE:    runLs,
	}

	cmd.Flags().Bool("show", false, "print the words instead of masking them")

	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|key>",
		Short: "Print one passphrase",
		Long: `Fetch a single passphrase by numeric id or by key and print its words.

With -o json or -o yaml the whole record is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}
}

func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <key> [word...]",
		Short: "Store a new passphrase",
		Long: `Store a new passphrase under key.

Words given on the command line are used as-is (after Unicode
normalization). Without words a fresh passphrase is drawn from the
Diceware word list.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runAdd,
	}

	cmd.Flags().Int("length", diceware.DefaultWords, "number of words to generate")

	return cmd
}

func newEditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit <id|key> [word...]",
		Short: "Change a passphrase's key or words",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEdit,
	}

	cmd.Flags().String("key", "", "new key")
	cmd.Flags().Bool("regenerate", false, "replace the words with a freshly generated passphrase")
	cmd.Flags().Int("length", diceware.DefaultWords, "number of words to generate with --regenerate")

	return cmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id|key>...",
		Aliases: []string{"delete"},
		Short:   "Delete passphrases",
		Args:    cobra.MinimumNArgs(1),
		RunE:    runRm,
	}
}

// withCollection opens a collection session for the command and closes it
// when fn returns.
func withCollection(cmd *cobra.Command, fn func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error) error {
	cc := mustCLIContext(cmd.Context())

	base, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cs, err := NewCollectionSession(base, cc)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx := shutdownContext(base, cc.Logger, cs.Controller.InFlight)

	return fn(ctx, cc, cs)
}

func runLs(cmd *cobra.Command, _ []string) error {
	show, err := cmd.Flags().GetBool("show")
	if err != nil {
		return err
	}

	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		if err := cs.Sync(ctx, nil); err != nil {
			return err
		}

		return printPassphrases(cmd.OutOrStdout(), cc, cs.Controller.Snapshot(), show)
	})
}

func printPassphrases(w io.Writer, cc *CLIContext, list []diceware.Passphrase, show bool) error {
	if !show {
		masked := make([]diceware.Passphrase, len(list))
		for i, p := range list {
			masked[i] = diceware.Passphrase{ID: p.ID, Key: p.Key}
		}

		list = masked
	}

	if cc.Structured() {
		return cc.PrintStructured(w, list)
	}

	if len(list) == 0 {
		cc.Statusf("No passphrases.\n")
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, p := range list {
		phrase := hiddenPhrase
		if show {
			phrase = p.Phrase()
		}

		rows = append(rows, []string{strconv.FormatInt(p.ID, 10), p.Key, phrase})
	}

	printTable(w, []string{"ID", "KEY", "PASSPHRASE"}, rows)

	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		cred, err := cs.Authenticate(ctx)
		if err != nil {
			return err
		}

		p, err := fetchOne(ctx, cs.Client, cred, args[0])
		if err != nil {
			return describeFault(err)
		}

		w := cmd.OutOrStdout()
		if cc.Structured() {
			return cc.PrintStructured(w, p)
		}

		fmt.Fprintln(w, p.Phrase())

		return nil
	})
}

// fetchOne reads a single record straight from the server: numeric
// arguments are ids, anything else is a key.
func fetchOne(ctx context.Context, client *diceware.Client, cred *session.Credential, arg string) (*diceware.Passphrase, error) {
	if id, ok := parseID(arg); ok {
		return client.Get(ctx, cred.Token, id)
	}

	return client.GetByKey(ctx, cred.Token, arg)
}

func runAdd(cmd *cobra.Command, args []string) error {
	length, err := cmd.Flags().GetInt("length")
	if err != nil {
		return err
	}

	p, err := draftFromArgs(args[0], args[1:], length)
	if err != nil {
		return err
	}

	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		err := cs.Sync(ctx, func(context.Context, *session.Credential) error {
			if _, exists := findByKey(cs.Controller.Snapshot(), p.Key); exists {
				return fmt.Errorf("a passphrase with key %q already exists", p.Key)
			}

			return cs.Controller.Create(p)
		})
		if err != nil {
			return err
		}

		stored, ok := findByKey(cs.Controller.Snapshot(), p.Key)
		if !ok {
			stored = p
		}

		return printStored(cmd.OutOrStdout(), cc, "Added", stored)
	})
}

// draftFromArgs builds a normalized, validated draft. Without words a
// passphrase of length words is generated.
func draftFromArgs(key string, words []string, length int) (diceware.Passphrase, error) {
	if len(words) == 0 {
		generated, err := diceware.Generate(length)
		if err != nil {
			return diceware.Passphrase{}, err
		}

		words = generated
	}

	p := diceware.Passphrase{Key: key, Words: words}.Normalize()
	if err := p.Validate(); err != nil {
		return diceware.Passphrase{}, err
	}

	return p, nil
}

type editOptions struct {
	key        string
	words      []string
	regenerate bool
	length     int
}

func runEdit(cmd *cobra.Command, args []string) error {
	opts := editOptions{words: args[1:]}

	var err error
	if opts.key, err = cmd.Flags().GetString("key"); err != nil {
		return err
	}

	if opts.regenerate, err = cmd.Flags().GetBool("regenerate"); err != nil {
		return err
	}

	if opts.length, err = cmd.Flags().GetInt("length"); err != nil {
		return err
	}

	if opts.regenerate && len(opts.words) > 0 {
		return errors.New("--regenerate cannot be combined with explicit words")
	}

	if opts.key == "" && !opts.regenerate && len(opts.words) == 0 {
		return errors.New("nothing to change: pass new words, --key or --regenerate")
	}

	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		var updated diceware.Passphrase

		err := cs.Sync(ctx, func(context.Context, *session.Credential) error {
			current, err := findRecord(cs.Controller.Snapshot(), args[0])
			if err != nil {
				return err
			}

			updated, err = applyEdit(current, opts)
			if err != nil {
				return err
			}

			return cs.Controller.Update(updated)
		})
		if err != nil {
			return err
		}

		return printStored(cmd.OutOrStdout(), cc, "Updated", updated)
	})
}

// applyEdit returns current with the requested changes, normalized and
// validated.
func applyEdit(current diceware.Passphrase, opts editOptions) (diceware.Passphrase, error) {
	next := current.Clone()

	if opts.key != "" {
		next.Key = opts.key
	}

	switch {
	case opts.regenerate:
		words, err := diceware.Generate(opts.length)
		if err != nil {
			return diceware.Passphrase{}, err
		}

		next.Words = words
	case len(opts.words) > 0:
		next.Words = append([]string(nil), opts.words...)
	}

	next = next.Normalize()
	if err := next.Validate(); err != nil {
		return diceware.Passphrase{}, err
	}

	return next, nil
}

func runRm(cmd *cobra.Command, args []string) error {
	return withCollection(cmd, func(ctx context.Context, cc *CLIContext, cs *CollectionSession) error {
		var removed []diceware.Passphrase

		err := cs.Sync(ctx, func(context.Context, *session.Credential) error {
			snapshot := cs.Controller.Snapshot()

			targets := make([]diceware.Passphrase, 0, len(args))
			for _, arg := range args {
				p, err := findRecord(snapshot, arg)
				if err != nil {
					return err
				}

				targets = append(targets, p)
			}

			// The controller runs the deletes concurrently unless mutations
			// are serialized.
			for _, p := range targets {
				if err := cs.Controller.Delete(p); err != nil {
					return err
				}
			}

			removed = targets

			return nil
		})
		if err != nil {
			return err
		}

		for _, p := range removed {
			cc.Statusf("Deleted %d (%s).\n", p.ID, p.Key)
		}

		return nil
	})
}

func printStored(w io.Writer, cc *CLIContext, verb string, p diceware.Passphrase) error {
	if cc.Structured() {
		return cc.PrintStructured(w, p)
	}

	if p.ID != 0 {
		cc.Statusf("%s %d (%s).\n", verb, p.ID, p.Key)
	} else {
		cc.Statusf("%s %s.\n", verb, p.Key)
	}

	fmt.Fprintln(w, p.Phrase())

	return nil
}

// findRecord resolves a command-line argument against the collection:
// numeric arguments match ids, anything else matches keys.
func findRecord(list []diceware.Passphrase, arg string) (diceware.Passphrase, error) {
	if id, ok := parseID(arg); ok {
		for _, p := range list {
			if p.ID == id {
				return p, nil
			}
		}

		return diceware.Passphrase{}, fmt.Errorf("no passphrase with id %d", id)
	}

	if p, ok := findByKey(list, arg); ok {
		return p, nil
	}

	return diceware.Passphrase{}, fmt.Errorf("no passphrase with key %q", arg)
}

func findByKey(list []diceware.Passphrase, key string) (diceware.Passphrase, bool) {
	key = diceware.Passphrase{Key: key}.Normalize().Key

	for _, p := range list {
		if p.Key == key {
			return p, true
		}
	}

	return diceware.Passphrase{}, false
}

// parseID reports whether arg is a positive record id.
func parseID(arg string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}
