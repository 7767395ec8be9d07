// Package migrate applies the identity schema and its seeds.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
	migrationsDir          = "sql"
	seedsDir               = "seeds"

	// lockKey serializes concurrent migrators on one database.
	lockKey int64 = 0x61757468636f7265
)

//go:embed sql/*.sql seeds/*.sql
var embedded embed.FS

// Embedded holds the bundled migrations under sql/ and seeds under seeds/.
var Embedded fs.FS = embedded

// ErrNothingApplied is returned by Down when no migration is recorded.
var ErrNothingApplied = errors.New("migrate: no migrations applied")

// Manager applies migration and seed files read from a file system laid out
// with sql/ and seeds/ directories. Each file runs in its own transaction
// together with its bookkeeping row, so a failed file leaves no trace.
type Manager struct {
	db              *sql.DB
	files           fs.FS
	log             *zap.Logger
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seedsTable = name
		}
	}
}

// WithLogger reports each applied file.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// NewManager constructs a Manager over files; nil selects Embedded.
func NewManager(db *sql.DB, files fs.FS, opts ...Option) *Manager {
	if files == nil {
		files = Embedded
	}
	m := &Manager{
		db:              db,
		files:           files,
		log:             zap.NewNop(),
		migrationsTable: defaultMigrationsTable,
		seedsTable:      defaultSeedsTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyPending(ctx, m.migrationsTable, migrationsDir, ".up.sql")
}

// Seed applies pending seed files. Seeds are written to be idempotent.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyPending(ctx, m.seedsTable, seedsDir, ".sql")
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.history(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return ErrNothingApplied
	}
	last := applied[len(applied)-1]
	downPath := path.Join(migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := fs.Stat(m.files, downPath); err != nil {
		return fmt.Errorf("migrate: missing down migration for %s: %w", last, err)
	}
	err = m.inLockedTx(ctx, func(tx *sql.Tx) error {
		if err := m.execFile(ctx, tx, downPath); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where name = $1`, m.migrationsTable), last)
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate: roll back %s: %w", last, err)
	}
	m.log.Info("migration rolled back", zap.String("name", last))
	return nil
}

// Status lists applied migrations in order followed by pending ones.
type Status struct {
	Applied []string
	Pending []string
}

// Status reports which migrations are applied and which are pending.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if err := m.ensureTables(ctx); err != nil {
		return Status{}, err
	}
	applied, err := m.history(ctx)
	if err != nil {
		return Status{}, err
	}
	files, err := collectSQL(m.files, migrationsDir, ".up.sql")
	if err != nil {
		return Status{}, err
	}
	st := Status{Applied: applied}
	for _, f := range files {
		if !slices.Contains(applied, f.Base) {
			st.Pending = append(st.Pending, f.Base)
		}
	}
	return st, nil
}

func (m *Manager) applyPending(ctx context.Context, table, dir, suffix string) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	files, err := collectSQL(m.files, dir, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		applied := false
		err := m.inLockedTx(ctx, func(tx *sql.Tx) error {
			var one int
			err := tx.QueryRowContext(ctx, fmt.Sprintf(`select 1 from %s where name = $1`, table), f.Base).Scan(&one)
			switch {
			case err == nil:
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}
			if err := m.execFile(ctx, tx, f.Path); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(name) values ($1)`, table), f.Base); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s: %w", f.Base, err)
		}
		if applied {
			m.log.Info("applied", zap.String("table", table), zap.String("name", f.Base))
		}
	}
	return nil
}

// inLockedTx runs fn in a transaction holding the migrator advisory lock.
func (m *Manager) inLockedTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrationsTable, m.seedsTable} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) execFile(ctx context.Context, tx *sql.Tx, name string) error {
	body, err := fs.ReadFile(m.files, name)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) history(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name from %s order by applied_at asc, name asc`, m.migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

// collectSQL lists dir's files ending in suffix, sorted by base name. A
// missing dir yields no files.
func collectSQL(fsys fs.FS, dir, suffix string) ([]sqlFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, sqlFile{Base: e.Name(), Path: path.Join(dir, e.Name())})
	}
	slices.SortFunc(files, func(a, b sqlFile) int { return strings.Compare(a.Base, b.Base) })
	return files, nil
}

// splitStatements splits a script on semicolons outside quoted strings,
// dollar-quoted bodies and line comments. Blank statements are dropped.
func splitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		quote   bool
		dollar  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	for i := 0; i < len(script); i++ {
		c := script[i]
		switch {
		case comment:
			if c == '\n' {
				comment = false
				current.WriteByte(c)
			}
			continue
		case !quote && !dollar && c == '-' && i+1 < len(script) && script[i+1] == '-':
			comment = true
			continue
		case !dollar && c == '\'':
			quote = !quote
		case !quote && c == '$' && i+1 < len(script) && script[i+1] == '$':
			dollar = !dollar
			current.WriteString("$$")
			i++
			continue
		case !quote && !dollar && c == ';':
			flush()
			continue
		}
		current.WriteByte(c)
	}
	flush()
	return stmts
}
