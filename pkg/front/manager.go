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

// Package front registers the local task executors ("fronts") a gateway can
// dispatch decoded messages to.
package front

import (
	"context"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
)

// Dispatcher asynchronously delivers a message to a front and reports
// completion. Implementations must invoke onComplete exactly once.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *protocol.Message, onComplete func(error))
}

// Manager is the endpoint -> Dispatcher registry. It is the sole owner of
// FrontHandles (spec.md section 3 "Ownership"): Gateway never holds a
// Dispatcher directly, only an endpoint string it resolves through Manager.
type Manager struct {
	mu     sync.RWMutex
	fronts map[string]Dispatcher
}

// NewManager returns an empty front registry.
func NewManager() *Manager {
	return &Manager{fronts: make(map[string]Dispatcher)}
}

// Register binds endpoint to handle. Idempotent: a second registration for
// an endpoint already present is a no-op, matching FrontNodeManager::registerFront.
func (m *Manager) Register(endpoint string, handle Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fronts[endpoint]; exists {
		return
	}
	m.fronts[endpoint] = handle
	log.Info("front registered", zap.String("endpoint", endpoint))
}

// Unregister removes endpoint from the registry. In-flight dispatches that
// already captured the Dispatcher continue to completion unaffected.
func (m *Manager) Unregister(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.fronts[endpoint]; !exists {
		return
	}
	delete(m.fronts, endpoint)
	log.Info("front unregistered", zap.String("endpoint", endpoint))
}

// Lookup returns the Dispatcher bound to endpoint, if any. A miss is
// non-fatal; callers treat it as "front went away".
func (m *Manager) Lookup(endpoint string) (Dispatcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.fronts[endpoint]
	return d, ok
}

// Snapshot returns a point-in-time copy of the registry for broadcast
// iteration, insulating the caller from concurrent Register/Unregister.
func (m *Manager) Snapshot() map[string]Dispatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Dispatcher, len(m.fronts))
	for k, v := range m.fronts {
		out[k] = v
	}
	return out
}
