package repository

import (
	"context"
	"embed"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every embedded migration not yet recorded in the
// schema_migrations table. Concurrent migrations from several nodes are safe:
// the DDL is idempotent and a duplicate version row counts as applied.
func (r *repository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.tables.Replace(`
		CREATE TABLE IF NOT EXISTS {schema_migrations} (
			version    TEXT   NOT NULL PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`)); err != nil {
		return errors.Wrap(err, "create schema_migrations")
	}

	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		version := strings.Split(filename, "_")[0]

		applied, err := r.exists(ctx, `SELECT COUNT(*) FROM {schema_migrations} WHERE version = ?`, version)
		if err != nil {
			return errors.Wrapf(err, "check %s", filename)
		}
		if applied {
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return errors.Wrapf(err, "read %s", filename)
		}

		if err := r.applyMigration(ctx, version, r.tables.Replace(string(body))); err != nil {
			return errors.Wrapf(err, "apply %s", filename)
		}
	}

	return nil
}

func (r *repository) applyMigration(ctx context.Context, version, ddl string) error {
	record := r.q(`INSERT INTO {schema_migrations} (version, applied_at) VALUES (?, ?)`)
	now := time.Now().UTC().UnixMilli()

	tc, ok := r.db.(transactionalConnection)
	if !ok {
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, record, version, now); err != nil && !IsUniqueViolation(err) {
			return err
		}
		return nil
	}

	tx, err := tc.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return errors.CombineErrors(err, tx.Rollback())
	}

	if _, err := tx.ExecContext(ctx, record, version, now); err != nil {
		rbErr := tx.Rollback()
		if IsUniqueViolation(err) {
			return rbErr
		}
		return errors.CombineErrors(err, rbErr)
	}

	return tx.Commit()
}
