package redisstore

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medgate.org/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	prefix := "medgate:test:" + ulid.Make().String() + ":"

	var s *Store
	if url := os.Getenv("MEDGATE_TEST_REDIS_URL"); url != "" {
		var err error
		s, err = Open(context.Background(), url, WithPrefix(prefix))
		require.NoError(t, err)
	} else {
		mr := miniredis.RunT(t)
		s = New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), WithPrefix(prefix))
	}
	t.Cleanup(func() {
		ctx := context.Background()
		for _, c := range []store.Collection{store.Accounts, store.Institutions, store.Cases} {
			_ = s.client.Del(ctx, s.key(c)).Err()
		}
		_ = s.Close()
	})
	return s
}

func TestRedisRoundTripAndConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap, err := s.Load(ctx, store.Accounts)
	require.NoError(t, err)
	assert.Zero(t, snap.Version)

	rec := []json.RawMessage{json.RawMessage(`{"email":"a@x.org"}`)}
	require.NoError(t, s.Save(ctx, snap.Next(rec)))

	got, err := s.Load(ctx, store.Accounts)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)
	require.Len(t, got.Records, 1)
	assert.JSONEq(t, `{"email":"a@x.org"}`, string(got.Records[0]))

	err = s.Save(ctx, snap.Next(nil))
	require.ErrorIs(t, err, store.ErrVersionConflict)
}

func TestRedisCommitIsAllOrNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inst, err := s.Load(ctx, store.Institutions)
	require.NoError(t, err)
	acct, err := s.Load(ctx, store.Accounts)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, acct.Next(nil)))

	err = s.Commit(ctx, inst.Next(nil), acct.Next(nil))
	require.ErrorIs(t, err, store.ErrVersionConflict)

	after, err := s.Load(ctx, store.Institutions)
	require.NoError(t, err)
	assert.Zero(t, after.Version)
}

func TestNewWithoutPrefixUsesDefault(t *testing.T) {
	s := New(nil)
	assert.Equal(t, defaultPrefix+"cases", s.key(store.Cases))
	s = New(nil, WithPrefix("x:"))
	assert.Equal(t, "x:cases", s.key(store.Cases))
}

func TestRedisCorruptVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.client.HSet(ctx, s.key(store.Cases), "payload", "[]", "version", "nope").Err())
	_, err := s.Load(ctx, store.Cases)
	require.ErrorIs(t, err, store.ErrCorrupt)
}
