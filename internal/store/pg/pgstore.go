package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"medgate.org/internal/store"
)

// Migrations holds the schema for record_collections (*.up.sql / *.down.sql).
//
//go:embed migrations/*.sql
var Migrations embed.FS

// CollectionNames lists the rows migrate.Manager bootstraps for this store.
func CollectionNames() []string {
	names := make([]string, 0, len(store.All))
	for _, c := range store.All {
		names = append(names, string(c))
	}
	return names
}

var _ store.Store = (*Store)(nil)

// Store keeps each collection as one jsonb row guarded by a version column.
type Store struct {
	db *sql.DB
}

// Open connects through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Load(ctx context.Context, c store.Collection) (store.Snapshot, error) {
	var (
		payload []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`select payload, version from record_collections where name=$1`, string(c),
	).Scan(&payload, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Snapshot{Collection: c}, nil
	}
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("pg: load %s: %w", c, err)
	}
	records, err := store.UnmarshalPayload(c, payload)
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Collection: c, Records: records, Version: uint64(version)}, nil
}

func (s *Store) Save(ctx context.Context, w store.Write) error {
	return s.Commit(ctx, w)
}

func (s *Store) Commit(ctx context.Context, writes ...store.Write) error {
	if err := store.ValidateWrites(writes); err != nil {
		return err
	}
	payloads := make([][]byte, len(writes))
	for i, w := range writes {
		p, err := store.MarshalPayload(w.Records)
		if err != nil {
			return fmt.Errorf("pg: encode %s: %w", w.Collection, err)
		}
		payloads[i] = p
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for i, w := range writes {
		var res sql.Result
		if w.ExpectedVersion == 0 {
			res, err = tx.ExecContext(ctx, `
				insert into record_collections(name, payload, version, updated_at)
				values ($1, $2, 1, now())
				on conflict (name) do nothing
			`, string(w.Collection), payloads[i])
		} else {
			res, err = tx.ExecContext(ctx, `
				update record_collections
				set payload = $2, version = version + 1, updated_at = now()
				where name = $1 and version = $3
			`, string(w.Collection), payloads[i], int64(w.ExpectedVersion))
		}
		if err != nil {
			return fmt.Errorf("pg: write %s: %w", w.Collection, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return fmt.Errorf("%w: %s moved past version %d", store.ErrVersionConflict, w.Collection, w.ExpectedVersion)
		}
	}
	return tx.Commit()
}
