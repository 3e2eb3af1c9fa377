package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	defaultHistoryTable    = "schema_history"
	defaultCollectionTable = "record_collections"
)

// Step kinds recorded in the history table.
const (
	KindMigration  = "migration"
	KindSeed       = "seed"
	KindCollection = "collection"
)

// ErrNoMigrations is returned by Down when nothing has been applied.
var ErrNoMigrations = errors.New("migrate: no migrations applied")

// Step is one applied history row.
type Step struct {
	Kind      string
	Name      string
	AppliedAt time.Time
}

// Manager applies the record store schema: SQL migrations, the bootstrap row
// of every record collection, and optional SQL seed files. Each step runs in
// its own transaction together with its history row.
type Manager struct {
	db              *sql.DB
	migrations      fs.FS
	seeds           fs.FS
	collections     []string
	historyTable    string
	collectionTable string
	now             func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithCollections names the record collections Seed must make sure exist.
func WithCollections(names ...string) Option {
	return func(m *Manager) {
		m.collections = append(m.collections, names...)
	}
}

// WithSeeds adds SQL seed files applied after the collections.
func WithSeeds(seeds fs.FS) Option {
	return func(m *Manager) { m.seeds = seeds }
}

// WithHistoryTable overrides the bookkeeping table.
func WithHistoryTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.historyTable = name
		}
	}
}

// WithClock is for tests.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager over migrations, which may be nil.
func NewManager(db *sql.DB, migrations fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:              db,
		migrations:      migrations,
		historyTable:    defaultHistoryTable,
		collectionTable: defaultCollectionTable,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in file name order.
func (m *Manager) Up(ctx context.Context) error {
	done, err := m.applied(ctx, KindMigration)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.migrations, ".up.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.Base] {
			continue
		}
		if err := m.step(ctx, KindMigration, f.Base, m.fileStatements(m.migrations, f.Path)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f.Base, err)
		}
	}
	return nil
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	last := ""
	for _, s := range history {
		if s.Kind == KindMigration {
			last = s.Name
		}
	}
	if last == "" {
		return ErrNoMigrations
	}
	want := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	files, err := collectSQL(m.migrations, ".down.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Base != want {
			continue
		}
		stmts, err := m.fileStatements(m.migrations, f.Path)()
		if err != nil {
			return err
		}
		return m.tx(ctx, func(tx *sql.Tx) error {
			if err := execAll(ctx, tx, stmts); err != nil {
				return fmt.Errorf("rollback migration %s: %w", last, err)
			}
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.historyTable), KindMigration, last)
			return err
		})
	}
	return fmt.Errorf("migrate: missing down migration for %s", last)
}

// Status returns every applied step, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Step, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select kind, name, applied_at from %s order by applied_at, name`, m.historyTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.Kind, &s.Name, &s.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Seed creates the row of every configured collection that does not exist
// yet, then applies pending seed files. Rows already present are left
// untouched, whatever their version.
func (m *Manager) Seed(ctx context.Context) error {
	done, err := m.applied(ctx, KindCollection)
	if err != nil {
		return err
	}
	for _, name := range m.collections {
		if done[name] {
			continue
		}
		stmt := statement{
			query: fmt.Sprintf(`insert into %s(name, payload, version) values ($1, '[]'::jsonb, 1) on conflict (name) do nothing`, m.collectionTable),
			args:  []any{name},
		}
		if err := m.step(ctx, KindCollection, name, func() ([]statement, error) { return []statement{stmt}, nil }); err != nil {
			return fmt.Errorf("bootstrap collection %s: %w", name, err)
		}
	}

	done, err = m.applied(ctx, KindSeed)
	if err != nil {
		return err
	}
	files, err := collectSQL(m.seeds, ".sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.Base] {
			continue
		}
		if err := m.step(ctx, KindSeed, f.Base, m.fileStatements(m.seeds, f.Path)); err != nil {
			return fmt.Errorf("apply seed %s: %w", f.Base, err)
		}
	}
	return nil
}

type statement struct {
	query string
	args  []any
}

func (m *Manager) fileStatements(fsys fs.FS, name string) func() ([]statement, error) {
	return func() ([]statement, error) {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		var out []statement
		for _, q := range splitStatements(string(raw)) {
			out = append(out, statement{query: q})
		}
		return out, nil
	}
}

// step runs stmts and records kind/name in one transaction.
func (m *Manager) step(ctx context.Context, kind, name string, load func() ([]statement, error)) error {
	stmts, err := load()
	if err != nil {
		return err
	}
	return m.tx(ctx, func(tx *sql.Tx) error {
		if err := execAll(ctx, tx, stmts); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`insert into %s(kind, name, applied_at) values ($1, $2, $3)`, m.historyTable),
			kind, name, m.now().UTC())
		return err
	})
}

func (m *Manager) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, stmts []statement) error {
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureHistory(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		);`, m.historyTable))
	return err
}

func (m *Manager) applied(ctx context.Context, kind string) (map[string]bool, error) {
	if err := m.ensureHistory(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s where kind = $1`, m.historyTable), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: path.Base(p), Path: p})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits on semicolons outside quoted strings and drops
// "--" line comments and empty statements. A doubled quote stays inside the
// string.
func splitStatements(src string) []string {
	var (
		out     []string
		cur     strings.Builder
		quoted  bool
		comment bool
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				cur.WriteRune(r)
			}
		case !quoted && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			i++
		case r == '\'':
			cur.WriteRune(r)
			quoted = !quoted
		case r == ';' && !quoted:
			cur.WriteRune(r)
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}
