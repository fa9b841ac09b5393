package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/diceware-go/internal/sync"
)

const defaultHistoryLimit = 20

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent remote operations from the local journal",
		Long: `Show the most recent operations recorded in the local journal, newest
first. Requires journal = true in the config file.`,
		Args: cobra.NoArgs,
		RunE: runHistory,
	}

	cmd.Flags().Int("limit", defaultHistoryLimit, "maximum number of entries")

	return cmd
}

// historyEntry is the structured schema for `history -o json|yaml`.
type historyEntry struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      string    `json:"kind" yaml:"kind"`
	RecordID  int64     `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Subject   string    `json:"subject,omitempty" yaml:"subject,omitempty"`
	Status    string    `json:"status" yaml:"status"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	SettledAt time.Time `json:"settled_at,omitzero" yaml:"settled_at,omitempty"`
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}

	if !cc.Cfg.Journal {
		return errors.New("the journal is off; set journal = true with 'diceware config set journal true'")
	}

	j, err := sync.OpenJournal(cmd.Context(), cc.Cfg.JournalPath, cc.Logger)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer j.Close()

	entries, err := j.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	return printHistory(cmd.OutOrStdout(), cc, entries)
}

func printHistory(w io.Writer, cc *CLIContext, entries []sync.JournalEntry) error {
	if cc.Structured() {
		out := make([]historyEntry, 0, len(entries))
		for _, e := range entries {
			out = append(out, historyEntry{
				ID:        e.ID,
				Kind:      e.Kind.String(),
				RecordID:  e.RecordID,
				Subject:   e.Subject,
				Status:    string(e.Status),
				Error:     e.ErrorMsg,
				StartedAt: e.StartedAt,
				SettledAt: e.SettledAt,
			})
		}

		return cc.PrintStructured(w, out)
	}

	if len(entries) == 0 {
		cc.Statusf("No operations recorded.\n")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		record := "-"
		if e.RecordID != 0 {
			record = strconv.FormatInt(e.RecordID, 10)
		}

		rows = append(rows, []string{
			formatTime(e.StartedAt),
			e.Kind.String(),
			record,
			string(e.Status),
			e.ErrorMsg,
		})
	}

	printTable(w, []string{"STARTED", "OP", "RECORD", "STATUS", "ERROR"}, rows)

	return nil
}
