package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// Status is the lifecycle state of a journaled operation.
type Status string

// Journal status values, matching the operations.status CHECK constraint.
const (
	StatusPending  Status = "pending"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Journal records operations as the controller dispatches and settles them.
// The controller calls it only from its owner goroutine.
type Journal interface {
	Begin(ctx context.Context, kind OpKind, recordID int64, subject string, at time.Time) (string, error)
	Settle(ctx context.Context, id string, status Status, errMsg string, at time.Time) error
}

// JournalEntry is one row of the operations table.
type JournalEntry struct {
	ID        string
	Kind      OpKind
	RecordID  int64
	Subject   string
	Status    Status
	ErrorMsg  string
	StartedAt time.Time
	SettledAt time.Time // zero while pending
}

const (
	sqlInsertOperation = `INSERT INTO operations
		(id, kind, record_id, subject, status, started_at)
		VALUES (?, ?, ?, ?, '` + string(StatusPending) + `', ?)`

	sqlSettleOperation = `UPDATE operations
		SET status = ?, error_msg = ?, settled_at = ?
		WHERE id = ? AND status = '` + string(StatusPending) + `'`

	sqlRecentOperations = `SELECT id, kind, record_id, subject, status,
		error_msg, started_at, settled_at
		FROM operations ORDER BY started_at DESC, rowid DESC LIMIT ?`
)

// SQLiteJournal stores the journal in a local SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenJournal opens (creating if needed) the journal database at dbPath and
// applies pending migrations. The database uses WAL mode so a `history`
// reader does not block a running `watch`.
func OpenJournal(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteJournal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating journal directory: %w", err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening journal %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("journal opened", slog.String("db_path", dbPath))

	return &SQLiteJournal{db: db, logger: logger}, nil
}

// Begin inserts a pending row and returns its ID.
func (j *SQLiteJournal) Begin(
	ctx context.Context, kind OpKind, recordID int64, subject string, at time.Time,
) (string, error) {
	id := uuid.NewString()

	_, err := j.db.ExecContext(ctx, sqlInsertOperation,
		id, kind.String(), nullInt64(recordID), nullString(subject), at.UnixNano())
	if err != nil {
		return "", fmt.Errorf("sync: journal begin %s: %w", kind, err)
	}

	return id, nil
}

// Settle moves a pending row to a terminal status. Settling a row that is
// already terminal is an error.
func (j *SQLiteJournal) Settle(ctx context.Context, id string, status Status, errMsg string, at time.Time) error {
	if status == StatusPending {
		return fmt.Errorf("sync: journal settle %s: %s is not terminal", id, status)
	}

	result, err := j.db.ExecContext(ctx, sqlSettleOperation,
		string(status), nullString(errMsg), at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sync: journal settle %s: %w", id, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sync: journal settle %s rows affected: %w", id, err)
	}

	if rows == 0 {
		return fmt.Errorf("sync: journal settle %s: operation not %s", id, StatusPending)
	}

	return nil
}

// Recent returns up to limit entries, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("sync: journal limit must be positive, got %d", limit)
	}

	rows, err := j.db.QueryContext(ctx, sqlRecentOperations, limit)
	if err != nil {
		return nil, fmt.Errorf("sync: journal recent: %w", err)
	}
	defer rows.Close()

	var out []JournalEntry

	for rows.Next() {
		e, scanErr := scanJournalRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		out = append(out, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: journal iterating rows: %w", err)
	}

	return out, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func scanJournalRow(rows *sql.Rows) (*JournalEntry, error) {
	var (
		e         JournalEntry
		kind      string
		status    string
		recordID  sql.NullInt64
		subject   sql.NullString
		errorMsg  sql.NullString
		startedAt int64
		settledAt sql.NullInt64
	)

	if err := rows.Scan(&e.ID, &kind, &recordID, &subject, &status,
		&errorMsg, &startedAt, &settledAt); err != nil {
		return nil, fmt.Errorf("sync: scanning journal row: %w", err)
	}

	k, err := ParseOpKind(kind)
	if err != nil {
		return nil, err
	}

	e.Kind = k
	e.RecordID = recordID.Int64
	e.Subject = subject.String
	e.Status = Status(status)
	e.ErrorMsg = errorMsg.String
	e.StartedAt = time.Unix(0, startedAt)

	if settledAt.Valid {
		e.SettledAt = time.Unix(0, settledAt.Int64)
	}

	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
