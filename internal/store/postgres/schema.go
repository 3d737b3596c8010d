package postgres

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schemaLockID is the pg_advisory_lock key held while migrating, so
// instances starting together apply each file once.
const schemaLockID int64 = 0x7661756c74 // "vault"

type schemaFile struct {
	name string
	sql  string
	sum  string
}

// schemaFiles returns the embedded .sql files sorted by name.
func schemaFiles() ([]schemaFile, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("postgres: read migrations: %w", err)
	}
	var files []schemaFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrationsFS.ReadFile(path.Join("migrations", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("postgres: read migration %s: %w", e.Name(), err)
		}
		sum := sha256.Sum256(data)
		files = append(files, schemaFile{name: e.Name(), sql: string(data), sum: hex.EncodeToString(sum[:])})
	}
	slices.SortFunc(files, func(a, b schemaFile) int { return strings.Compare(a.name, b.name) })
	return files, nil
}

// RunMigrations applies pending schema files in name order, each in its own
// transaction. A file whose content changed after it was applied is an error.
func (c *Client) RunMigrations(ctx context.Context) error {
	files, err := schemaFiles()
	if err != nil {
		return err
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("postgres: acquire conn for migrations: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", schemaLockID); err != nil {
		return fmt.Errorf("postgres: schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", schemaLockID)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("postgres: create schema_migrations: %w", err)
	}

	for _, f := range files {
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error { return applySchemaFile(ctx, tx, f) })
		if err != nil {
			return fmt.Errorf("postgres: migration %s: %w", f.name, err)
		}
	}
	return nil
}

func applySchemaFile(ctx context.Context, tx pgx.Tx, f schemaFile) error {
	var applied string
	err := tx.QueryRow(ctx, "SELECT checksum FROM schema_migrations WHERE filename = $1", f.name).Scan(&applied)
	switch {
	case err == nil && applied == f.sum:
		return nil
	case err == nil:
		return fmt.Errorf("checksum %s does not match applied %s", f.sum[:12], applied[:min(12, len(applied))])
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	if _, err := tx.Exec(ctx, f.sql); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, "INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)", f.name, f.sum)
	return err
}
