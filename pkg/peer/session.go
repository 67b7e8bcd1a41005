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

package peer

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
	"github.com/wedpr-lab/ppc-gateway/pkg/metrics"
	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
)

// State is a Session's connectivity state, mirroring the three states
// WebSocketService.cpp tracks per agency (m_unConnectedAgencies membership
// plus the connected/connecting split).
type State int

const (
	StateUnreachable State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unreachable"
	}
}

type ackResult struct {
	status string
	err    error
}

// Session owns the single outbound connection to one peer agency. It
// round-robins across the agency's configured endpoint list on every dial
// attempt, the same rotation buildWebSocketClient performs across an
// agency's node list.
type Session struct {
	agency    string
	endpoints []string
	nextIdx   int

	newTransport func() Transport
	limiter      *rate.Limiter

	mu        sync.Mutex
	state     State
	transport Transport

	pendingMu sync.Mutex
	pending   map[protocol.CorrelationID]chan ackResult

	cancel context.CancelFunc
	errg   *errgroup.Group

	handler    MessageHandler
	ackTimeout time.Duration
}

func newSession(agency string, endpoints []string, sendRateLimit float64, newTransport func() Transport) *Session {
	return &Session{
		agency:       agency,
		endpoints:    append([]string(nil), endpoints...),
		newTransport: newTransport,
		limiter:      rate.NewLimiter(rate.Limit(sendRateLimit), 1),
		state:        StateUnreachable,
		pending:      make(map[protocol.CorrelationID]chan ackResult),
	}
}

// State returns the session's current connectivity state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// dial attempts to connect to the next endpoint in rotation. On success it
// leaves the session StateConnected with no pump running yet; the caller is
// responsible for calling startPump.
func (s *Session) dial(ctx context.Context) error {
	s.mu.Lock()
	if len(s.endpoints) == 0 {
		s.mu.Unlock()
		return cerror.ErrInvalidEndpoint.GenWithStackByArgs(s.agency)
	}
	endpoint := s.endpoints[s.nextIdx%len(s.endpoints)]
	s.nextIdx++
	s.state = StateConnecting
	transport := s.newTransport()
	s.mu.Unlock()
	metrics.PeerState.WithLabelValues(s.agency).Set(float64(StateConnecting))

	if err := transport.Dial(ctx, endpoint); err != nil {
		s.mu.Lock()
		s.state = StateUnreachable
		s.mu.Unlock()
		metrics.PeerState.WithLabelValues(s.agency).Set(float64(StateUnreachable))
		return err
	}

	s.mu.Lock()
	s.transport = transport
	s.state = StateConnected
	s.mu.Unlock()
	metrics.PeerState.WithLabelValues(s.agency).Set(float64(StateConnected))

	log.Info("peer session connected", zap.String("agency", s.agency), zap.String("endpoint", endpoint))
	return nil
}

// startPump spawns the supervised read loop. handler receives every
// non-response frame the peer sends us; response frames are matched against
// in-flight Send calls instead.
func (s *Session) startPump(parent context.Context, handler MessageHandler, ackTimeout time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	errg, egCtx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.errg = errg
	s.handler = handler
	s.ackTimeout = ackTimeout
	transport := s.transport
	s.mu.Unlock()

	errg.Go(func() error { return s.readLoop(egCtx, transport) })
}

func (s *Session) readLoop(ctx context.Context, transport Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := transport.Recv()
		if err != nil {
			s.mu.Lock()
			s.state = StateUnreachable
			s.mu.Unlock()
			metrics.PeerState.WithLabelValues(s.agency).Set(float64(StateUnreachable))
			log.Warn("peer session read failed", zap.String("agency", s.agency), zap.Error(err))
			return err
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			log.Warn("peer: dropping malformed frame", zap.String("agency", s.agency), zap.Error(err))
			continue
		}

		if msg.Response {
			s.deliverAck(protocol.CorrelationID(msg.UUID), string(msg.Payload))
			continue
		}

		if s.handler != nil {
			s.handler.HandleInbound(s.agency, msg)
		}
	}
}

// stopPump cancels the read loop and closes the transport, returning any
// error the loop exited with besides context cancellation.
func (s *Session) stopPump() error {
	s.mu.Lock()
	cancel := s.cancel
	errg := s.errg
	transport := s.transport
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.Close()
	}
	if errg == nil {
		return nil
	}
	if err := errg.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// send encodes and writes msg, then blocks for its ack up to timeout. The
// frame size ceiling is enforced here; the floor is a config-load-time
// validation only (spec.md section 6), not a per-send check.
func (s *Session) send(ctx context.Context, msg *protocol.Message, timeout time.Duration, maxFrameSize int) (string, error) {
	encoded, err := msg.Encode()
	if err != nil {
		return "", err
	}
	if len(encoded) > maxFrameSize {
		return "", cerror.ErrMessageTooLarge.GenWithStackByArgs(len(encoded), maxFrameSize)
	}

	s.mu.Lock()
	state := s.state
	transport := s.transport
	s.mu.Unlock()
	if state != StateConnected || transport == nil {
		return "", cerror.ErrPeerUnreachable.GenWithStackByArgs(s.agency)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return "", err
	}

	start := time.Now()
	corrID := protocol.CorrelationID(msg.UUID)
	ch := make(chan ackResult, 1)
	s.pendingMu.Lock()
	s.pending[corrID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, corrID)
		s.pendingMu.Unlock()
	}()

	if err := transport.Send(encoded); err != nil {
		s.mu.Lock()
		s.state = StateUnreachable
		s.mu.Unlock()
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		metrics.SendLatency.WithLabelValues(s.agency).Observe(time.Since(start).Seconds())
		return res.status, res.err
	case <-timer.C:
		metrics.SendLatency.WithLabelValues(s.agency).Observe(time.Since(start).Seconds())
		return protocol.AckTimeout, cerror.ErrTimeout.GenWithStackByArgs(timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// sendAck writes a response frame directly, without waiting for any further
// reply. Used by the gateway's ack-correlation layer to answer an inbound
// message on the session it arrived on.
func (s *Session) sendAck(corrID protocol.CorrelationID, status string) error {
	s.mu.Lock()
	transport := s.transport
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || transport == nil {
		return cerror.ErrPeerUnreachable.GenWithStackByArgs(s.agency)
	}

	ack := &protocol.Message{Response: true, UUID: string(corrID), Payload: []byte(status)}
	encoded, err := ack.Encode()
	if err != nil {
		return err
	}
	return transport.Send(encoded)
}

func (s *Session) deliverAck(id protocol.CorrelationID, status string) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	var err error
	switch status {
	case protocol.AckError:
		err = cerror.ErrNetwork.GenWithStackByArgs("peer reported error ack")
	case protocol.AckTimeout:
		err = cerror.ErrNetwork.GenWithStackByArgs("peer reported timeout ack")
	}
	select {
	case ch <- ackResult{status: status, err: err}:
	default:
	}
}
