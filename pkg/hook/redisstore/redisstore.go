// Copyright 2024-2026 Aiku AI

// Package redisstore provides a Redis connection to other hooks as a shared
// resource. It stores ordered lists of strings under namespaced keys.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aiku/immp/pkg/core"
)

var (
	ErrMissingAddr = errors.New("redis address is required")
	ErrNotOpen     = errors.New("redis store is not open")
	ErrNoSuchItem  = errors.New("no such item")
)

const (
	defaultPrefix = "immp:"
	tombstone     = "\x00immp:removed"
)

// Config is the resource's configuration.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix is prepended to every key. Defaults to "immp:".
	Prefix string `yaml:"prefix"`
}

func (c *Config) PostProcess() error {
	if c.Addr == "" {
		return ErrMissingAddr
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	return nil
}

// Store is a resource hook backed by Redis.
type Store struct {
	name string
	log  zerolog.Logger

	mu     sync.RWMutex
	cfg    *Config
	client *redis.Client
}

var _ core.Configurable = (*Store)(nil)

// New creates the store. cfg must have been post-processed.
func New(name string, cfg *Config, host *core.Host) *Store {
	return &Store{
		name: name,
		cfg:  cfg,
		log:  host.Log().With().Str("hook", name).Logger(),
	}
}

func (s *Store) Name() string { return s.name }

// Open connects and pings the server.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis at %s: %w", s.cfg.Addr, err)
	}
	s.client = client
	s.log.Info().Str("addr", s.cfg.Addr).Int("db", s.cfg.DB).Msg("Connected to Redis")
	return nil
}

func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// SetConfig swaps the configuration. The host restarts the store so the new
// connection settings take effect.
func (s *Store) SetConfig(cfg any) error {
	c, ok := cfg.(*Config)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	s.mu.Lock()
	s.cfg = c
	s.mu.Unlock()
	return nil
}

func (s *Store) session() (*redis.Client, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, "", ErrNotOpen
	}
	return s.client, s.cfg.Prefix, nil
}

// Append adds value to the end of the list at key.
func (s *Store) Append(ctx context.Context, key, value string) error {
	client, prefix, err := s.session()
	if err != nil {
		return err
	}
	if err = client.RPush(ctx, prefix+key, value).Err(); err != nil {
		return fmt.Errorf("failed to append to %s: %w", key, err)
	}
	return nil
}

// List returns the list at key, oldest first. A missing key is empty.
func (s *Store) List(ctx context.Context, key string) ([]string, error) {
	client, prefix, err := s.session()
	if err != nil {
		return nil, err
	}
	values, err := client.LRange(ctx, prefix+key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return values, nil
}

// RemoveAt deletes the zero-based index from the list at key and returns the
// removed value.
func (s *Store) RemoveAt(ctx context.Context, key string, index int) (string, error) {
	client, prefix, err := s.session()
	if err != nil {
		return "", err
	}
	full := prefix + key
	var removed string
	// Redis has no remove-by-index, so the item is overwritten with a marker
	// and the marker removed, watched so concurrent edits retry.
	err = client.Watch(ctx, func(tx *redis.Tx) error {
		value, err := tx.LIndex(ctx, full, int64(index)).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNoSuchItem
		} else if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LSet(ctx, full, int64(index), tombstone)
			pipe.LRem(ctx, full, 1, tombstone)
			return nil
		})
		removed = value
		return err
	}, full)
	if err != nil {
		return "", fmt.Errorf("failed to remove item %d from %s: %w", index, key, err)
	}
	return removed, nil
}

// Move appends the list at src to the list at dst and deletes src. It
// reports whether src held anything.
func (s *Store) Move(ctx context.Context, src, dst string) (bool, error) {
	client, prefix, err := s.session()
	if err != nil {
		return false, err
	}
	from, to := prefix+src, prefix+dst
	var moved bool
	err = client.Watch(ctx, func(tx *redis.Tx) error {
		values, err := tx.LRange(ctx, from, 0, -1).Result()
		if err != nil || len(values) == 0 {
			return err
		}
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, to, args...)
			pipe.Del(ctx, from)
			return nil
		})
		moved = err == nil
		return err
	}, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}
	return moved, nil
}
