package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"medgate.org/internal/store"
)

const defaultPrefix = "medgate:collection:"

var _ store.Store = (*Store)(nil)

// Store keeps every collection in one hash with "payload" and "version"
// fields. Commits run under WATCH so a concurrent writer aborts the EXEC.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Option configures Store.
type Option func(*Store)

// WithPrefix namespaces the collection keys.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// Open parses a redis:// URL and verifies the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	ro, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, opts...), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(c store.Collection) string { return s.prefix + string(c) }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) Load(ctx context.Context, c store.Collection) (store.Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.key(c)).Result()
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("redis: load %s: %w", c, err)
	}
	if len(fields) == 0 {
		return store.Snapshot{Collection: c}, nil
	}
	var version uint64
	if _, err := fmt.Sscan(fields["version"], &version); err != nil {
		return store.Snapshot{}, fmt.Errorf("%w: %s version %q", store.ErrCorrupt, c, fields["version"])
	}
	records, err := store.UnmarshalPayload(c, []byte(fields["payload"]))
	if err != nil {
		return store.Snapshot{}, err
	}
	return store.Snapshot{Collection: c, Records: records, Version: version}, nil
}

func (s *Store) Save(ctx context.Context, w store.Write) error {
	return s.Commit(ctx, w)
}

func (s *Store) Commit(ctx context.Context, writes ...store.Write) error {
	if err := store.ValidateWrites(writes); err != nil {
		return err
	}
	payloads := make([][]byte, len(writes))
	keys := make([]string, len(writes))
	for i, w := range writes {
		p, err := store.MarshalPayload(w.Records)
		if err != nil {
			return fmt.Errorf("redis: encode %s: %w", w.Collection, err)
		}
		payloads[i] = p
		keys[i] = s.key(w.Collection)
	}

	txf := func(tx *redis.Tx) error {
		for i, w := range writes {
			current, err := tx.HGet(ctx, keys[i], "version").Uint64()
			if errors.Is(err, redis.Nil) {
				current = 0
			} else if err != nil {
				return fmt.Errorf("redis: read version %s: %w", w.Collection, err)
			}
			if current != w.ExpectedVersion {
				return fmt.Errorf("%w: %s at version %d, expected %d",
					store.ErrVersionConflict, w.Collection, current, w.ExpectedVersion)
			}
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, w := range writes {
				pipe.HSet(ctx, keys[i], "payload", payloads[i], "version", w.ExpectedVersion+1)
			}
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: concurrent write to %v", store.ErrVersionConflict, keys)
	}
	return err
}
