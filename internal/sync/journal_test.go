package sync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/diceware-go/internal/diceware"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()

	j, err := OpenJournal(context.Background(), filepath.Join(t.TempDir(), "state", "journal.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return j
}

func TestOpenJournal_RunsMigrations(t *testing.T) {
	j := newTestJournal(t)

	v, err := j.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestOpenJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := OpenJournal(ctx, path, nil)
	require.NoError(t, err)

	_, err = j.Begin(ctx, OpCreate, 0, "alice", testTime)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = OpenJournal(ctx, path, nil)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJournal_BeginSettleRecent(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	listID, err := j.Begin(ctx, OpList, 0, "alice", testTime)
	require.NoError(t, err)

	delID, err := j.Begin(ctx, OpDelete, 42, "alice", testTime.Add(time.Second))
	require.NoError(t, err)

	require.NoError(t, j.Settle(ctx, listID, StatusDone, "", testTime.Add(2*time.Second)))
	require.NoError(t, j.Settle(ctx, delID, StatusFailed, "diceware: not found", testTime.Add(3*time.Second)))

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, delID, entries[0].ID)
	assert.Equal(t, OpDelete, entries[0].Kind)
	assert.Equal(t, int64(42), entries[0].RecordID)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "diceware: not found", entries[0].ErrorMsg)
	assert.True(t, entries[0].SettledAt.Equal(testTime.Add(3*time.Second)))

	assert.Equal(t, OpList, entries[1].Kind)
	assert.Zero(t, entries[1].RecordID)
	assert.Equal(t, "alice", entries[1].Subject)
	assert.Equal(t, StatusDone, entries[1].Status)
}

func TestJournal_SettleTwiceFails(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	id, err := j.Begin(ctx, OpUpdate, 3, "", testTime)
	require.NoError(t, err)

	require.NoError(t, j.Settle(ctx, id, StatusCanceled, "", testTime))
	assert.Error(t, j.Settle(ctx, id, StatusDone, "", testTime))
	assert.Error(t, j.Settle(ctx, "missing", StatusDone, "", testTime))
	assert.Error(t, j.Settle(ctx, id, StatusPending, "", testTime))
}

func TestJournal_RecentLimit(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	for i := range 5 {
		_, err := j.Begin(ctx, OpList, 0, "alice", testTime.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	entries, err := j.Recent(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	assert.Equal(t, StatusPending, entries[0].Status)
	assert.True(t, entries[0].SettledAt.IsZero())

	_, err = j.Recent(ctx, 0)
	assert.Error(t, err)
}

func TestController_JournalsOutcomes(t *testing.T) {
	j := newTestJournal(t)
	remote := newGatedRemote()
	c := newTestController(t, remote, WithJournal(j))

	c.SetCredential(alice)
	remote.next(t, OpList).succeed()
	waitIdle(t, c)

	require.NoError(t, c.Delete(diceware.Passphrase{ID: 9}))
	remote.next(t, OpDelete).fail(errors.New("diceware: conflict"))
	waitIdle(t, c)

	c.Refresh()
	remote.next(t, OpList)
	c.Dispose()

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byKind := make(map[OpKind][]JournalEntry)
	for _, e := range entries {
		byKind[e.Kind] = append(byKind[e.Kind], e)
	}

	require.Len(t, byKind[OpDelete], 1)
	assert.Equal(t, StatusFailed, byKind[OpDelete][0].Status)
	assert.Equal(t, int64(9), byKind[OpDelete][0].RecordID)
	assert.Equal(t, "diceware: conflict", byKind[OpDelete][0].ErrorMsg)

	statuses := []Status{byKind[OpList][0].Status, byKind[OpList][1].Status}
	assert.ElementsMatch(t, []Status{StatusDone, StatusCanceled}, statuses,
		"the list in flight at disposal is journaled as canceled")

	for _, e := range entries {
		assert.Equal(t, "alice", e.Subject)
	}
}
