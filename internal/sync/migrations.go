package sync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrationProvider builds a goose provider over the embedded journal
// schema. goose's Provider API keeps no global state.
func newMigrationProvider(db *sql.DB) (*goose.Provider, error) {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("sync: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return nil, fmt.Errorf("sync: creating migration provider: %w", err)
	}

	return provider, nil
}

// runMigrations brings the journal schema up to date.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	provider, err := newMigrationProvider(db)
	if err != nil {
		return err
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: migrating journal: %w", err)
	}

	for _, r := range results {
		logger.Info("applied journal migration",
			slog.String("source", r.Source.Path),
			slog.Int64("version", r.Source.Version),
			slog.Duration("duration", r.Duration),
		)
	}

	return nil
}

// SchemaVersion reports the journal's applied migration version.
func (j *SQLiteJournal) SchemaVersion(ctx context.Context) (int64, error) {
	provider, err := newMigrationProvider(j.db)
	if err != nil {
		return 0, err
	}

	v, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: reading journal schema version: %w", err)
	}

	return v, nil
}
