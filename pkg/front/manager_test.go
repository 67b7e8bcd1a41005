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

package front

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
)

type fakeDispatcher struct {
	id int
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ *protocol.Message, onComplete func(error)) {
	onComplete(nil)
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := NewManager()
	first := &fakeDispatcher{id: 1}
	second := &fakeDispatcher{id: 2}

	m.Register("front-1", first)
	m.Register("front-1", second)

	got, ok := m.Lookup("front-1")
	require.True(t, ok)
	require.Same(t, first, got)
}

func TestUnregisterRemovesEntry(t *testing.T) {
	m := NewManager()
	m.Register("front-1", &fakeDispatcher{})
	m.Unregister("front-1")

	_, ok := m.Lookup("front-1")
	require.False(t, ok)
}

func TestUnregisterMissingIsNoOp(t *testing.T) {
	m := NewManager()
	require.NotPanics(t, func() { m.Unregister("does-not-exist") })
}

func TestSnapshotIsInsulatedFromMutation(t *testing.T) {
	m := NewManager()
	m.Register("front-1", &fakeDispatcher{id: 1})

	snap := m.Snapshot()
	m.Register("front-2", &fakeDispatcher{id: 2})
	m.Unregister("front-1")

	require.Len(t, snap, 1)
	_, ok := snap["front-1"]
	require.True(t, ok)
}
