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

// Package gateway is the routing core: it decides, for every inbound peer
// message, whether to dispatch it to a local front, park it until the
// owning task registers, or fan it out as a broadcast; and, for every
// outbound front request, which peer session carries it.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
	"github.com/wedpr-lab/ppc-gateway/pkg/front"
	"github.com/wedpr-lab/ppc-gateway/pkg/metrics"
	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
	"github.com/wedpr-lab/ppc-gateway/pkg/task"
)

// Sender is the outbound half of PeerConnector the Gateway depends on. A
// narrow interface so the router can be tested without a real transport.
type Sender interface {
	Send(ctx context.Context, agency string, msg *protocol.Message, timeout time.Duration) (string, error)
	SendAck(agency string, corrID protocol.CorrelationID, status string) error
	RegisterAgency(agency string, endpoints []string) error
	AgencyList() []string
}

// Config controls the router's own knobs; task TTL and frame-size limits
// live in the packages that own them.
type Config struct {
	// SelfID stamps outbound messages' Sender field.
	SelfID string
	// HoldingInterval is how long an unmatched inbound message waits for its
	// task to register before timing out. Doubles as the ack-wait timeout
	// for egress sends (spec.md section 4.4.2).
	HoldingInterval time.Duration
}

// DefaultConfig returns the 30-minute holding interval spec.md section 6 names.
func DefaultConfig() Config {
	return Config{HoldingInterval: 30 * time.Minute}
}

type pendingMessage struct {
	agency string
	msg    *protocol.Message
}

type holdingQueue struct {
	messages []pendingMessage
	timer    *time.Timer
}

// Gateway is the router: it owns the holding-queue map and bridges
// TaskManager, front.Manager, and a peer Sender.
type Gateway struct {
	cfg    Config
	tasks  task.Manager
	fronts *front.Manager
	peers  Sender

	holdingMu sync.Mutex
	holding   map[string]*holdingQueue

	running atomic.Bool
}

// New wires a Gateway to its three collaborators. None of them are started
// here: the caller is responsible for starting the peer Sender before
// traffic can flow.
func New(cfg Config, tasks task.Manager, fronts *front.Manager, peers Sender) *Gateway {
	g := &Gateway{
		cfg:     cfg,
		tasks:   tasks,
		fronts:  fronts,
		peers:   peers,
		holding: make(map[string]*holdingQueue),
	}
	g.running.Store(true)
	return g
}

// HandleInbound implements peer.MessageHandler: every non-ack frame a peer
// session receives lands here.
func (g *Gateway) HandleInbound(agency string, msg *protocol.Message) {
	if !g.running.Load() {
		return
	}
	g.onMessageArrived(agency, msg)
}

// onMessageArrived is the decision tree from spec.md section 4.4.3.
func (g *Gateway) onMessageArrived(agency string, msg *protocol.Message) {
	if msg.IsBroadcast() {
		metrics.MessageCount.WithLabelValues(agency, "broadcast").Inc()
		g.broadcast(agency, msg)
		return
	}

	endpoint, ok := g.resolveOrPark(agency, msg)
	if !ok {
		metrics.MessageCount.WithLabelValues(agency, "parked").Inc()
		return
	}

	fr, ok := g.fronts.Lookup(endpoint)
	if !ok {
		metrics.MessageCount.WithLabelValues(agency, "front_missing").Inc()
		g.sendAck(agency, msg, protocol.AckError)
		return
	}
	metrics.MessageCount.WithLabelValues(agency, "dispatched").Inc()
	g.dispatchToFront(agency, fr, msg)
}

// resolveOrPark looks up msg.TaskID's binding and, if it is not yet
// registered, parks msg — both under holdingMu, the same mutex
// NotifyTaskInfo holds across its own register-then-drain. That makes the
// two operations mutually exclusive: a message can never be parked into a
// queue that a concurrent registration has already drained (spec.md section
// 8 scenario 1), matching Gateway.cpp's single x_holdingMessageQueue lock
// held across both getServiceEndpoint and the park.
func (g *Gateway) resolveOrPark(agency string, msg *protocol.Message) (endpoint string, ok bool) {
	g.holdingMu.Lock()
	defer g.holdingMu.Unlock()

	endpoint, ok = g.tasks.Lookup(msg.TaskID)
	if ok {
		return endpoint, true
	}
	g.parkLocked(agency, msg)
	return "", false
}

func (g *Gateway) dispatchToFront(agency string, fr front.Dispatcher, msg *protocol.Message) {
	fr.Dispatch(context.Background(), msg, func(err error) {
		status := protocol.AckSuccess
		if err != nil {
			status = protocol.AckError
		}
		g.sendAck(agency, msg, status)
	})
}

// broadcast fans msg out to every locally registered front. Ack policy is
// "success once any dispatch succeeds" (spec.md section 4.4.3); if every
// dispatch fails, an error ack is emitted once all have completed.
func (g *Gateway) broadcast(agency string, msg *protocol.Message) {
	snap := g.fronts.Snapshot()
	if len(snap) == 0 {
		g.sendAck(agency, msg, protocol.AckError)
		return
	}

	var (
		once      sync.Once
		succeeded atomic.Bool
		remaining = atomic.NewInt32(int32(len(snap)))
	)
	for endpoint, fr := range snap {
		endpoint, fr := endpoint, fr
		go fr.Dispatch(context.Background(), msg, func(err error) {
			if err != nil {
				log.Warn("broadcast dispatch failed", zap.String("endpoint", endpoint), zap.Error(err))
			} else {
				succeeded.Store(true)
				once.Do(func() { g.sendAck(agency, msg, protocol.AckSuccess) })
			}
			if remaining.Dec() == 0 && !succeeded.Load() {
				once.Do(func() { g.sendAck(agency, msg, protocol.AckError) })
			}
		})
	}
}

// parkLocked parks msg for taskID, creating the queue and its timer on first
// arrival (spec.md section 4.4.4). Caller must hold holdingMu.
func (g *Gateway) parkLocked(agency string, msg *protocol.Message) {
	q, ok := g.holding[msg.TaskID]
	if ok {
		q.messages = append(q.messages, pendingMessage{agency: agency, msg: msg})
		return
	}

	taskID := msg.TaskID
	q = &holdingQueue{messages: []pendingMessage{{agency: agency, msg: msg}}}
	q.timer = time.AfterFunc(g.cfg.HoldingInterval, func() { g.drainTimeout(taskID) })
	g.holding[taskID] = q
	metrics.HoldingQueueDepth.Set(float64(len(g.holding)))
}

func (g *Gateway) drainTimeout(taskID string) {
	if !g.running.Load() {
		return
	}
	q := g.popHolding(taskID)
	if q == nil {
		return
	}
	for _, pm := range q.messages {
		g.sendAck(pm.agency, pm.msg, protocol.AckTimeout)
	}
}

// drainHolding dispatches every message already popped from taskID's holding
// queue to endpoint's front, in arrival order. q may be nil (nothing was
// parked).
func (g *Gateway) drainHolding(q *holdingQueue, endpoint string) {
	if q == nil {
		return
	}
	q.timer.Stop()

	fr, found := g.fronts.Lookup(endpoint)
	for _, pm := range q.messages {
		if !found {
			g.sendAck(pm.agency, pm.msg, protocol.AckError)
			continue
		}
		g.dispatchToFront(pm.agency, fr, pm.msg)
	}
}

// popHoldingLocked removes and returns taskID's holding queue, if any.
// Caller must hold holdingMu.
func (g *Gateway) popHoldingLocked(taskID string) *holdingQueue {
	q, ok := g.holding[taskID]
	if !ok {
		return nil
	}
	delete(g.holding, taskID)
	metrics.HoldingQueueDepth.Set(float64(len(g.holding)))
	return q
}

func (g *Gateway) popHolding(taskID string) *holdingQueue {
	g.holdingMu.Lock()
	defer g.holdingMu.Unlock()
	return g.popHoldingLocked(taskID)
}

// sendAck answers the originating session. A message with no UUID gets no
// ack. A transport failure is logged and otherwise ignored: the reply window
// has already closed from the caller's perspective once its own timeout fires.
func (g *Gateway) sendAck(agency string, msg *protocol.Message, status string) {
	if msg.UUID == "" {
		return
	}
	metrics.AckCount.WithLabelValues(agency, status).Inc()
	if err := g.peers.SendAck(agency, protocol.CorrelationID(msg.UUID), status); err != nil {
		log.Warn("failed to deliver ack",
			zap.String("agency", agency), zap.String("taskID", msg.TaskID), zap.Error(err))
	}
}

// NotifyTaskInfo registers taskID -> localEndpoint and drains any message
// already parked for taskID. A taskID already bound is AlreadyExists.
//
// Register and the holding-queue pop happen under the same holdingMu
// acquisition that guards resolveOrPark's lookup+park, so a message that
// misses the lookup can never be parked after this registration has already
// drained the queue (spec.md section 8 scenario 1).
func (g *Gateway) NotifyTaskInfo(taskID, localEndpoint string) error {
	if !g.running.Load() {
		return cerror.ErrGatewayStopped.GenWithStackByArgs()
	}

	g.holdingMu.Lock()
	if err := g.tasks.Register(taskID, localEndpoint); err != nil {
		g.holdingMu.Unlock()
		return err
	}
	q := g.popHoldingLocked(taskID)
	g.holdingMu.Unlock()

	g.drainHolding(q, localEndpoint)
	return nil
}

// EraseTaskInfo removes taskID's binding. Idempotent.
func (g *Gateway) EraseTaskInfo(taskID string) error {
	g.tasks.Remove(taskID)
	return nil
}

// RegisterFront binds endpoint to handle, so inbound messages for tasks
// registered under that endpoint can be dispatched.
func (g *Gateway) RegisterFront(endpoint string, handle front.Dispatcher) {
	g.fronts.Register(endpoint, handle)
}

// UnregisterFront removes endpoint from the front registry.
func (g *Gateway) UnregisterFront(endpoint string) {
	g.fronts.Unregister(endpoint)
}

// RegisterGateway adds peer agencies dynamically, beyond the set loaded
// from configuration at startup (spec.md section 6, "registerGateway").
func (g *Gateway) RegisterGateway(agencies map[string][]string) error {
	for agency, endpoints := range agencies {
		if err := g.peers.RegisterAgency(agency, endpoints); err != nil {
			return err
		}
	}
	return nil
}

// AsyncGetAgencyList returns the set of configured peer agency ids.
func (g *Gateway) AsyncGetAgencyList(callback func(error, []string)) {
	callback(nil, g.peers.AgencyList())
}

// AsyncSendMessage implements the egress path from a local front (spec.md
// section 4.4.2): encode, route to agencyID's session, and translate the
// peer's ack token into callback's error.
func (g *Gateway) AsyncSendMessage(agencyID string, msg *protocol.Message, callback func(error)) {
	if !g.running.Load() {
		callback(cerror.ErrGatewayStopped.GenWithStackByArgs())
		return
	}
	if msg.UUID == "" {
		msg.UUID = string(protocol.NewCorrelationID())
	}
	if msg.Sender == "" {
		msg.Sender = g.cfg.SelfID
	}

	go func() {
		status, err := g.peers.Send(context.Background(), agencyID, msg, g.cfg.HoldingInterval)
		if err != nil {
			if status == protocol.AckTimeout {
				log.Info("send to agency timed out", zap.String("agency", agencyID), zap.Error(err))
			} else {
				log.Error("send to agency failed", zap.String("agency", agencyID), zap.Error(err))
			}
			callback(err)
			return
		}
		if status != protocol.AckSuccess {
			callback(cerror.ErrNetwork.GenWithStackByArgs("peer ack: " + status))
			return
		}
		callback(nil)
	}()
}

// Stop idempotently tears the router down: it stops accepting new ingress
// and cancels every pending holding-queue timer. In-flight dispatches are
// not awaited (spec.md section 5, "drains best-effort").
func (g *Gateway) Stop() {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	g.holdingMu.Lock()
	defer g.holdingMu.Unlock()
	for taskID, q := range g.holding {
		q.timer.Stop()
		delete(g.holding, taskID)
	}
	metrics.HoldingQueueDepth.Set(0)
}
