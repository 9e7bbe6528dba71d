// Copyright 2026 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package state

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/depthsim/util"
	"github.com/redis/go-redis/v9"
)

// FileStore keeps one zero-byte marker file per stage instance:
// <RunsDir>/<run>/markers/<stage>.done, and
// <ResultsDir>/markers/aggregate.done for the aggregate stage.
type FileStore struct {
	RunsDir    string
	ResultsDir string
}

// Path returns the marker path of key.
func (s *FileStore) Path(key Key) string {
	name := key.Stage.String() + ".done"
	if key.Run == AggregateRun {
		return file.Join(s.ResultsDir, "markers", name)
	}
	return file.Join(s.RunsDir, key.Run, "markers", name)
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, key Key) (State, error) {
	ok, err := util.Exists(ctx, s.Path(key))
	if err != nil {
		return Pending, errors.E(err, "stat marker", s.Path(key))
	}
	if ok {
		return Done, nil
	}
	return Pending, nil
}

// MarkDone implements Store. The marker appears atomically when the
// created file is closed.
func (s *FileStore) MarkDone(ctx context.Context, key Key) error {
	path := s.Path(key)
	if err := util.MkdirAll(filepath.Dir(path)); err != nil {
		return errors.E(err, "create marker directory", path)
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create marker", path)
	}
	return f.Close(ctx)
}

// Clear implements Store.
func (s *FileStore) Clear(ctx context.Context, key Key) error {
	return util.Remove(ctx, s.Path(key))
}

// MemStore is an in-memory Store. It remembers the order in which keys
// were marked done.
type MemStore struct {
	mu        sync.Mutex
	done      map[Key]bool
	completed []Key
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{done: map[Key]bool{}}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, key Key) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done[key] {
		return Done, nil
	}
	return Pending, nil
}

// MarkDone implements Store.
func (s *MemStore) MarkDone(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done[key] {
		s.done[key] = true
		s.completed = append(s.completed, key)
	}
	return nil
}

// Clear implements Store.
func (s *MemStore) Clear(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.done, key)
	return nil
}

// Completed returns the keys marked done, oldest first.
func (s *MemStore) Completed() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Key(nil), s.completed...)
}

// RedisStore keeps markers as redis keys <prefix><run>/<stage>. The value
// is the completion time.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// DefaultRedisPrefix prefixes every marker key written by RedisStore.
const DefaultRedisPrefix = "depthsim:"

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + k.String()
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key Key) (State, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return Pending, errors.E(errors.Unavailable, err, "redis exists", s.key(key))
	}
	if n > 0 {
		return Done, nil
	}
	return Pending, nil
}

// MarkDone implements Store.
func (s *RedisStore) MarkDone(ctx context.Context, key Key) error {
	if err := s.client.Set(ctx, s.key(key), time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return errors.E(errors.Unavailable, err, "redis set", s.key(key))
	}
	return nil
}

// Clear implements Store.
func (s *RedisStore) Clear(ctx context.Context, key Key) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return errors.E(errors.Unavailable, err, "redis del", s.key(key))
	}
	return nil
}

// Open returns the Store named by url. The empty string and "file" select
// a FileStore rooted at runsDir and resultsDir; "mem" selects a MemStore;
// redis:// and rediss:// URLs select a RedisStore.
func Open(url, runsDir, resultsDir string) (Store, error) {
	switch {
	case url == "" || url == "file":
		return &FileStore{RunsDir: runsDir, ResultsDir: resultsDir}, nil
	case url == "mem":
		return NewMemStore(), nil
	case strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://"):
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, "parse state store url")
		}
		return NewRedisStore(redis.NewClient(opts), DefaultRedisPrefix), nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("unsupported state store %q", url))
}
