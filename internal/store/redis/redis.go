// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package redis implements a store.Store on top of a Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/store"
)

const (
	maxIdle     = 3
	idleTimeout = 240 * time.Second
)

// Store keeps values as plain Redis strings below a key prefix.
type Store struct {
	pool   *redis.Pool
	prefix string
	logger *logger.Logger
}

// New returns a Store that connects to the Redis server at url (redis://host:port/db).
func New(url, prefix string, log *logger.Logger) *Store {
	pool := &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: idleTimeout,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
	}
	return &Store{pool: pool, prefix: prefix, logger: log}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer s.release(conn)

	value, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", s.key(key)))
	if errors.Is(err, redis.ErrNil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to GET %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer s.release(conn)

	if _, err = redis.DoContext(conn, ctx, "SET", s.key(key), value); err != nil {
		return fmt.Errorf("failed to SET %s: %w", key, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to get redis connection: %w", err)
	}
	defer s.release(conn)

	if _, err = redis.DoContext(conn, ctx, "DEL", s.key(key)); err != nil {
		return fmt.Errorf("failed to DEL %s: %w", key, err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

func (s *Store) release(conn redis.Conn) {
	if err := conn.Close(); err != nil {
		s.logger.Error("failed to release redis connection", logger.Err(err))
	}
}
