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
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// CacheStorage is the key/value/TTL contract a shared cache must satisfy to
// back a CachedManager. It deliberately says nothing about the backing
// store: spec.md section 1 places the concrete Redis client out of scope, so
// only the contract is modeled here.
type CacheStorage interface {
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)
	DeleteKey(ctx context.Context, key string) error
}

// CachedManager is the two-tier task registry described by the original
// source's ProTaskManager: a LocalManager remains authoritative for Lookup
// latency, with a shared CacheStorage behind it so a binding registered on
// one gateway process is discoverable from another.
type CachedManager struct {
	local *LocalManager
	cache CacheStorage
	ttl   time.Duration
}

// NewCachedManager wraps local with a write-through cache tier.
func NewCachedManager(local *LocalManager, cache CacheStorage, opts ...Option) *CachedManager {
	for _, opt := range opts {
		opt(local)
	}
	return &CachedManager{local: local, cache: cache, ttl: local.ttl}
}

// Register writes the binding to the local tier first, then best-effort to
// the cache. A cache write failure is logged, never propagated: the local
// tier alone is sufficient for this process's own routing decisions.
func (c *CachedManager) Register(taskID, endpoint string) error {
	if err := c.local.Register(taskID, endpoint); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.cache.SetValue(ctx, taskID, endpoint, c.ttl); err != nil {
		log.Warn("task cache write failed", zap.String("taskID", taskID), zap.Error(err))
	}
	return nil
}

// Lookup consults the local tier first; on a miss it falls through to the
// cache and, on a hit there, reseeds the local tier with a fresh TTL so
// subsequent lookups for the same taskID stay local.
func (c *CachedManager) Lookup(taskID string) (string, bool) {
	if endpoint, ok := c.local.Lookup(taskID); ok {
		return endpoint, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	endpoint, ok, err := c.cache.GetValue(ctx, taskID)
	if err != nil {
		log.Error("task cache read failed", zap.String("taskID", taskID), zap.Error(err))
		return "", false
	}
	if !ok {
		return "", false
	}

	c.local.reseed(taskID, endpoint)
	return endpoint, true
}

// Remove clears the local binding unconditionally, then deletes the cache
// entry. The cache delete is also best-effort: if it fails, a later Lookup
// still finds the stale cache entry, reseeds it locally and returns its
// endpoint until the cache's own TTL removes it.
func (c *CachedManager) Remove(taskID string) {
	c.local.Remove(taskID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.cache.DeleteKey(ctx, taskID); err != nil {
		log.Warn("task cache delete failed", zap.String("taskID", taskID), zap.Error(err))
	}
}
