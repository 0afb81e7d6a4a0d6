package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one versioned SQL file.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// MigrationStatus reports whether a known migration has been applied to a
// schema.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// Migrator applies versioned SQL files to a clinic schema and records them in
// the schema's _migrations table.
type Migrator struct {
	pool  *pgxpool.Pool
	files fs.FS
}

// NewMigrator reads *.sql files from the root of files, which is either the
// embedded migrations set or os.DirFS for an override directory.
func NewMigrator(pool *pgxpool.Pool, files fs.FS) *Migrator {
	return &Migrator{pool: pool, files: files}
}

// migrationStatements returns the bootstrap statements for schema with every
// identifier quoted, so a schema name is never read as SQL.
func migrationStatements(schema string) (create, table, searchPath string) {
	quoted := pgx.Identifier{schema}.Sanitize()
	table = pgx.Identifier{schema, "_migrations"}.Sanitize()
	create = "CREATE SCHEMA IF NOT EXISTS " + quoted + ";\n" +
		"CREATE TABLE IF NOT EXISTS " + table + ` (
    version    INTEGER PRIMARY KEY,
    name       VARCHAR(255) NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	searchPath = "SET LOCAL search_path TO " + quoted + ", public"
	return create, table, searchPath
}

// LoadMigrations returns the *.sql files whose names start with a numeric
// version ("001_anamnesis.sql" is version 1), ordered by version. Other files
// are ignored.
func (m *Migrator) LoadMigrations() ([]Migration, error) {
	names, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var out []Migration
	for _, name := range names {
		prefix, _, ok := strings.Cut(name, "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(m.files, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every pending migration to schema in version order, each in its
// own transaction, and returns how many ran.
func (m *Migrator) Up(ctx context.Context, schema string) (int, error) {
	all, applied, err := m.load(ctx, schema)
	if err != nil {
		return 0, err
	}

	_, _, searchPath := migrationStatements(schema)
	count := 0
	for _, mig := range all {
		if _, done := applied[mig.Version]; done {
			continue
		}
		if err := m.apply(ctx, searchPath, mig); err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
		count++
	}
	return count, nil
}

// Status lists every known migration with its applied time, if any.
func (m *Migrator) Status(ctx context.Context, schema string) ([]MigrationStatus, error) {
	all, applied, err := m.load(ctx, schema)
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(all))
	for _, mig := range all {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if at, ok := applied[mig.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// load bootstraps the tracking table and returns the migration files together
// with the versions already applied to schema.
func (m *Migrator) load(ctx context.Context, schema string) ([]Migration, map[int]time.Time, error) {
	create, table, _ := migrationStatements(schema)
	if _, err := m.pool.Exec(ctx, create); err != nil {
		return nil, nil, fmt.Errorf("create _migrations table in %s: %w", schema, err)
	}

	all, err := m.LoadMigrations()
	if err != nil {
		return nil, nil, err
	}

	rows, err := m.pool.Query(ctx, "SELECT version, applied_at FROM "+table)
	if err != nil {
		return nil, nil, fmt.Errorf("query applied migrations in %s: %w", schema, err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, nil, fmt.Errorf("scan applied migration: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return all, applied, nil
}

func (m *Migrator) apply(ctx context.Context, searchPath string, mig Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, searchPath); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, mig.SQL); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO _migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name,
	); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}
