// Copyright 2024 WeDPR Lab.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeCache is an in-memory CacheStorage double. It never expires entries on
// its own.
type fakeCache struct {
	mu      sync.Mutex
	values  map[string]string
	setErr  error
	getErr  error
	readLog []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string)}
}

func (c *fakeCache) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.values[key] = value
	return nil
}

func (c *fakeCache) GetValue(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readLog = append(c.readLog, key)
	if c.getErr != nil {
		return "", false, c.getErr
	}
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *fakeCache) DeleteKey(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func TestCachedManagerRegisterWritesThrough(t *testing.T) {
	cache := newFakeCache()
	m := NewCachedManager(NewLocalManager(), cache)

	require.NoError(t, m.Register("task-1", "front-a"))

	v, ok, err := cache.GetValue(context.Background(), "task-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "front-a", v)
}

func TestCachedManagerLookupPrefersLocal(t *testing.T) {
	cache := newFakeCache()
	m := NewCachedManager(NewLocalManager(), cache)
	require.NoError(t, m.Register("task-1", "front-a"))

	readsBefore := len(cache.readLog)
	endpoint, ok := m.Lookup("task-1")
	require.True(t, ok)
	require.Equal(t, "front-a", endpoint)
	require.Equal(t, readsBefore, len(cache.readLog), "local hit must not touch the cache")
}

func TestCachedManagerLookupFallsBackToCache(t *testing.T) {
	cache := newFakeCache()
	local := NewLocalManager()
	m := NewCachedManager(local, cache)

	require.NoError(t, cache.SetValue(context.Background(), "task-1", "front-remote", time.Hour))

	endpoint, ok := m.Lookup("task-1")
	require.True(t, ok)
	require.Equal(t, "front-remote", endpoint)

	// Reseeded locally: a second lookup must not need another cache read.
	readsBefore := len(cache.readLog)
	endpoint, ok = m.Lookup("task-1")
	require.True(t, ok)
	require.Equal(t, "front-remote", endpoint)
	require.Equal(t, readsBefore, len(cache.readLog))
}

func TestCachedManagerLookupMissReturnsFalse(t *testing.T) {
	cache := newFakeCache()
	m := NewCachedManager(NewLocalManager(), cache)

	_, ok := m.Lookup("does-not-exist")
	require.False(t, ok)
}

func TestCachedManagerLookupCacheErrorIsSwallowed(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = context.DeadlineExceeded
	m := NewCachedManager(NewLocalManager(), cache)

	require.NotPanics(t, func() {
		_, ok := m.Lookup("task-1")
		require.False(t, ok)
	})
}

func TestCachedManagerRemoveClearsBothTiers(t *testing.T) {
	cache := newFakeCache()
	m := NewCachedManager(NewLocalManager(), cache)
	require.NoError(t, m.Register("task-1", "front-a"))

	m.Remove("task-1")

	_, ok := m.Lookup("task-1")
	require.False(t, ok)
	_, ok, _ = cache.GetValue(context.Background(), "task-1")
	require.False(t, ok)
}

func TestCachedManagerRegisterSurvivesCacheWriteFailure(t *testing.T) {
	cache := newFakeCache()
	cache.setErr = context.DeadlineExceeded
	m := NewCachedManager(NewLocalManager(), cache)

	require.NoError(t, m.Register("task-1", "front-a"))
	endpoint, ok := m.Lookup("task-1")
	require.True(t, ok)
	require.Equal(t, "front-a", endpoint)
}
