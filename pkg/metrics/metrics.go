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

// Package metrics holds the gateway's process-wide prometheus collectors.
// Every other package imports the package-level vars below and curries them
// with its own labels rather than declaring its own collectors, so a single
// Registry call exposes everything.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AckCount counts acks sent back to peer agencies, broken down by
	// outcome (success/error/timeout).
	AckCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ppc",
		Subsystem: "gateway",
		Name:      "ack_total",
		Help:      "Total number of acks sent to peer agencies, by status.",
	}, []string{"agency", "status"})

	// MessageCount counts inbound peer frames routed by the gateway, by
	// decision (dispatched/parked/broadcast/front_missing).
	MessageCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ppc",
		Subsystem: "gateway",
		Name:      "message_total",
		Help:      "Total number of inbound peer messages, by routing decision.",
	}, []string{"agency", "decision"})

	// HoldingQueueDepth reports how many taskIDs currently have at least one
	// parked message, per the holding-queue map pkg/gateway owns.
	HoldingQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ppc",
		Subsystem: "gateway",
		Name:      "holding_queue_depth",
		Help:      "Number of taskIDs with at least one message parked awaiting registration.",
	})

	// PeerState reports each configured agency's session connectivity: 0
	// unreachable, 1 connecting, 2 connected. A gauge rather than a counter
	// since it is a point-in-time state, mirroring the teacher's
	// connection-count gauges in pkg/p2p.
	PeerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ppc",
		Subsystem: "peer",
		Name:      "session_state",
		Help:      "Connectivity state of each configured agency session (0=unreachable,1=connecting,2=connected).",
	}, []string{"agency"})

	// SendLatency observes the time from Session.send's call to its ack
	// (or timeout), the same shape as the teacher's serverMessageBytesHistogram.
	SendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ppc",
		Subsystem: "peer",
		Name:      "send_latency_seconds",
		Help:      "Latency from sending a frame to receiving its ack.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"agency"})

	// TaskBindings reports the number of live taskID -> endpoint bindings
	// held by the local task manager tier.
	TaskBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ppc",
		Subsystem: "task",
		Name:      "bindings",
		Help:      "Number of taskID -> front endpoint bindings currently registered.",
	})
)

// MustRegister registers every collector above against reg. Called once from
// cmd/ppc-gateway during startup; a nil reg registers against the default
// prometheus registry.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		AckCount,
		MessageCount,
		HoldingQueueDepth,
		PeerState,
		SendLatency,
		TaskBindings,
	)
}
