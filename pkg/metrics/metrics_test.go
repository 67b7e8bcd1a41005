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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestMustRegisterAgainstFreshRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(reg) })
}

func TestCollectorsAcceptLabelledObservations(t *testing.T) {
	AckCount.WithLabelValues("agency-a", "success").Inc()
	MessageCount.WithLabelValues("agency-a", "dispatched").Inc()
	PeerState.WithLabelValues("agency-a").Set(2)
	SendLatency.WithLabelValues("agency-a").Observe(0.01)
	HoldingQueueDepth.Set(1)
	TaskBindings.Set(1)
}
