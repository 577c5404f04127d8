package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"PerpMargin/internal/observability"
)

// Migrator applies versioned SQL files from a filesystem, usually the
// embedded migrations package. File naming follows golang-migrate:
// {version}_{name}.up.sql with a matching .down.sql.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
	log  zerolog.Logger
}

type migration struct {
	version string
	up      string
	down    string
}

func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{
		db:   db,
		fsys: fsys,
		log:  observability.NewLogger("migrator"),
	}
}

// Up applies all pending up-migrations in version order.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}
	migrations, err := m.load()
	if err != nil {
		return err
	}

	for _, mg := range migrations {
		if applied[mg.version] {
			continue
		}
		if mg.up == "" {
			return fmt.Errorf("migration %s has no up file", mg.version)
		}
		err := m.exec(ctx, mg.up,
			`INSERT INTO public.schema_migrations (version, filename) VALUES ($1, $2)`,
			mg.version, mg.up)
		if err != nil {
			return err
		}
		m.log.Info().Str("file", mg.up).Msg("migration applied")
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	if err := m.ensureVersionTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	var version string
	err := m.db.QueryRowContext(ctx,
		`SELECT version FROM public.schema_migrations ORDER BY version DESC LIMIT 1`,
	).Scan(&version)
	if err == sql.ErrNoRows {
		m.log.Info().Msg("no migrations to roll back")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest migration: %w", err)
	}

	migrations, err := m.load()
	if err != nil {
		return err
	}
	var downFile string
	for _, mg := range migrations {
		if mg.version == version {
			downFile = mg.down
			break
		}
	}
	if downFile == "" {
		return fmt.Errorf("migration %s has no down file", version)
	}

	err = m.exec(ctx, downFile,
		`DELETE FROM public.schema_migrations WHERE version = $1`, version)
	if err != nil {
		return err
	}
	m.log.Info().Str("file", downFile).Msg("migration rolled back")
	return nil
}

// load pairs up/down files by version prefix, sorted ascending.
func (m *Migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	byVersion := make(map[string]*migration)
	for _, e := range entries {
		name := e.Name()
		isUp := strings.HasSuffix(name, ".up.sql")
		if !isUp && !strings.HasSuffix(name, ".down.sql") {
			continue
		}
		version, _, _ := strings.Cut(name, "_")
		mg := byVersion[version]
		if mg == nil {
			mg = &migration{version: version}
			byVersion[version] = mg
		}
		if isUp {
			mg.up = name
		} else {
			mg.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mg := range byVersion {
		out = append(out, *mg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// exec runs one migration file plus its bookkeeping statement in a single
// transaction.
func (m *Migrator) exec(ctx context.Context, file, bookkeeping string, args ...any) error {
	content, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", file, err)
	}
	return nil
}

func (m *Migrator) ensureVersionTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.schema_migrations (
			version    TEXT PRIMARY KEY,
			filename   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT version FROM public.schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
