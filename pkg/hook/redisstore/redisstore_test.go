// Copyright 2024-2026 Aiku AI

package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/immp/pkg/core"
)

// openStore connects to the server named by IMMP_REDIS_ADDR, using a
// random prefix so runs do not collide.
func openStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("IMMP_REDIS_ADDR")
	if addr == "" {
		t.Skip("IMMP_REDIS_ADDR not set")
	}
	cfg := &Config{Addr: addr, Prefix: "immp-test:" + uuid.NewString() + ":"}
	require.NoError(t, cfg.PostProcess())
	s := New("redis", cfg, core.New(core.WithLogger(zerolog.Nop())))
	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	t.Cleanup(func() {
		client, prefix, err := s.session()
		if err == nil {
			keys, _ := client.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				client.Del(ctx, keys...)
			}
		}
		_ = s.Close(ctx)
	})
	return s
}

func TestConfig(t *testing.T) {
	t.Parallel()
	assert.ErrorIs(t, (&Config{}).PostProcess(), ErrMissingAddr)
	cfg := &Config{Addr: "localhost:6379"}
	require.NoError(t, cfg.PostProcess())
	assert.Equal(t, "immp:", cfg.Prefix)
}

func TestNotOpen(t *testing.T) {
	t.Parallel()
	s := New("redis", &Config{Addr: "localhost:1"}, core.New(core.WithLogger(zerolog.Nop())))
	ctx := context.Background()
	assert.ErrorIs(t, s.Append(ctx, "k", "v"), ErrNotOpen)
	_, err := s.List(ctx, "k")
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = s.RemoveAt(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = s.Move(ctx, "a", "b")
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, s.Close(ctx))
	assert.Error(t, s.SetConfig("nope"))
}

func TestOpenFails(t *testing.T) {
	t.Parallel()
	s := New("redis", &Config{Addr: "127.0.0.1:1"}, core.New(core.WithLogger(zerolog.Nop())))
	assert.Error(t, s.Open(context.Background()))
}

func TestLists(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	empty, err := s.List(ctx, "notes")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, s.Append(ctx, "notes", v))
	}
	removed, err := s.RemoveAt(ctx, "notes", 1)
	require.NoError(t, err)
	assert.Equal(t, "two", removed)
	values, err := s.List(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three"}, values)

	_, err = s.RemoveAt(ctx, "notes", 5)
	assert.ErrorIs(t, err, ErrNoSuchItem)
}

func TestMove(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "src", "a"))
	require.NoError(t, s.Append(ctx, "dst", "b"))

	moved, err := s.Move(ctx, "src", "dst")
	require.NoError(t, err)
	assert.True(t, moved)
	values, err := s.List(ctx, "dst")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, values)

	moved, err = s.Move(ctx, "src", "dst")
	require.NoError(t, err)
	assert.False(t, moved)
}
