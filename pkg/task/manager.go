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

// Package task maintains the taskID -> local-front-endpoint bindings a
// Gateway consults to route inbound messages.
package task

import (
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
	"github.com/wedpr-lab/ppc-gateway/pkg/metrics"
)

// DefaultTTL is the binding lifetime fixed by spec.md section 3 (24 hours).
const DefaultTTL = 24 * time.Hour

// Manager is the interface Gateway depends on, satisfied by both the plain
// in-memory LocalManager and the two-tier CachedManager.
type Manager interface {
	Register(taskID, endpoint string) error
	Lookup(taskID string) (string, bool)
	Remove(taskID string)
}

type binding struct {
	endpoint string
	timer    *time.Timer
}

// LocalManager is the single-process taskID -> endpoint registry. At most one
// binding exists per taskID at any instant (spec.md section 3 invariant).
type LocalManager struct {
	mu    sync.RWMutex
	tasks map[string]*binding
	ttl   time.Duration
}

// Option configures a LocalManager.
type Option func(*LocalManager)

// WithTTL overrides the default 24h binding TTL. Intended for tests; the
// production default mirrors the original source's fixed TASK_TIMEOUT_M.
func WithTTL(ttl time.Duration) Option {
	return func(m *LocalManager) { m.ttl = ttl }
}

// NewLocalManager returns an empty in-memory task registry.
func NewLocalManager(opts ...Option) *LocalManager {
	m := &LocalManager{
		tasks: make(map[string]*binding),
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register binds taskID to endpoint and arms a TTL timer. Re-registering a
// taskID that is already bound is an error (spec.md section 3 invariant).
func (m *LocalManager) Register(taskID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[taskID]; exists {
		return cerror.ErrTaskAlreadyExists.GenWithStackByArgs(taskID)
	}

	b := &binding{endpoint: endpoint}
	b.timer = time.AfterFunc(m.ttl, func() { m.Remove(taskID) })
	m.tasks[taskID] = b
	metrics.TaskBindings.Set(float64(len(m.tasks)))

	log.Info("task registered", zap.String("taskID", taskID), zap.String("endpoint", endpoint))
	return nil
}

// Lookup returns the endpoint bound to taskID, if any.
func (m *LocalManager) Lookup(taskID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.tasks[taskID]
	if !ok {
		return "", false
	}
	return b.endpoint, true
}

// Remove erases any binding for taskID and cancels its TTL timer. Removing a
// taskID with no binding is a no-op.
func (m *LocalManager) Remove(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.tasks[taskID]
	if !ok {
		return
	}
	b.timer.Stop()
	delete(m.tasks, taskID)
	metrics.TaskBindings.Set(float64(len(m.tasks)))
	log.Info("task removed", zap.String("taskID", taskID))
}

// reseed inserts a binding recovered from the cache with a fresh local TTL,
// bypassing the AlreadyExists check that guards explicit Register calls.
// Used only by CachedManager on a cache hit (spec.md section 4.2).
func (m *LocalManager) reseed(taskID, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tasks[taskID]; ok {
		existing.timer.Stop()
	}
	b := &binding{endpoint: endpoint}
	b.timer = time.AfterFunc(m.ttl, func() { m.Remove(taskID) })
	m.tasks[taskID] = b
	metrics.TaskBindings.Set(float64(len(m.tasks)))
}
