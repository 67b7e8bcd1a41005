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

// Package peer owns the gateway's outbound side of the peer-to-peer mesh:
// one Session per configured agency, dialed at startup and redialed on a
// fixed interval while unreachable.
package peer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
	"github.com/wedpr-lab/ppc-gateway/pkg/protocol"
)

// MessageHandler processes application frames arriving from a peer gateway,
// as opposed to ack responses, which Session.send consumes directly.
type MessageHandler interface {
	HandleInbound(agency string, msg *protocol.Message)
}

// Config controls every Connector-owned timing and sizing knob. Field names
// track spec.md section 6's gateway.* keys.
type Config struct {
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	SendRateLimit     float64
	MaxFrameSize      int
	AckTimeout        time.Duration
}

// DefaultConfig returns the defaults spec.md section 6 names: a 10s
// reconnect tick and a 100MiB frame ceiling.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 10 * time.Second,
		DialTimeout:       5 * time.Second,
		SendRateLimit:     1000,
		MaxFrameSize:      100 * 1024 * 1024,
		AckTimeout:        30 * time.Second,
	}
}

// Connector is the PeerConnector: it holds one Session per agency and keeps
// unreachable sessions redialing in the background, the Go analogue of
// WebSocketService's m_unConnectedAgencies sweep.
type Connector struct {
	cfg     Config
	handler MessageHandler

	newTransport func() Transport

	mu       sync.RWMutex
	sessions map[string]*Session

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	reconnectDone chan struct{}
}

// NewConnector constructs a Connector with no agencies registered yet. Call
// RegisterAgency before Start for every agency the gateway should reach.
func NewConnector(cfg Config, handler MessageHandler) *Connector {
	return &Connector{
		cfg:      cfg,
		handler:  handler,
		sessions: make(map[string]*Session),
		newTransport: func() Transport {
			return newWSTransport(cfg.DialTimeout)
		},
	}
}

// RegisterAgency adds the endpoint list for an agency, replacing any
// existing registration. Safe to call both before Start (the initial agency
// set) and while running (registerGateway's dynamic registration): a
// session added after Start is dialed at once in the background and, if that
// dial fails, is picked up by the next reconnect tick.
func (c *Connector) RegisterAgency(agency string, endpoints []string) error {
	for _, ep := range endpoints {
		if err := ValidateEndpoint(ep); err != nil {
			return err
		}
	}
	if len(endpoints) == 0 {
		return cerror.ErrInvalidEndpoint.GenWithStackByArgs(agency)
	}

	c.mu.Lock()
	c.sessions[agency] = newSession(agency, endpoints, c.cfg.SendRateLimit, c.newTransport)
	c.mu.Unlock()

	if c.running.Load() {
		c.mu.RLock()
		s := c.sessions[agency]
		c.mu.RUnlock()
		go c.dialAndPump(s)
	}
	return nil
}

// SendAck writes a response frame to agency's session without waiting for a
// further reply, answering an inbound message on the connection it arrived
// on.
func (c *Connector) SendAck(agency string, corrID protocol.CorrelationID, status string) error {
	c.mu.RLock()
	s, ok := c.sessions[agency]
	c.mu.RUnlock()
	if !ok {
		return cerror.ErrPeerNotFound.GenWithStackByArgs(agency)
	}
	return s.sendAck(corrID, status)
}

// AgencyList returns the configured agency ids in sorted order.
func (c *Connector) AgencyList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Start dials every registered agency once and launches the background
// reconnect loop. Dial failures at startup are logged, not fatal: an agency
// that is down when the gateway boots simply stays unreachable until the
// reconnect loop picks it up.
func (c *Connector) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)

	for _, s := range c.snapshotSessions() {
		c.dialAndPump(s)
	}

	c.reconnectDone = make(chan struct{})
	go c.reconnectLoop()
	return nil
}

func (c *Connector) snapshotSessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

func (c *Connector) dialAndPump(s *Session) {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := s.dial(dialCtx); err != nil {
		log.Warn("peer: dial failed, will retry", zap.String("agency", s.agency), zap.Error(err))
		return
	}
	s.startPump(c.ctx, c.handler, c.cfg.AckTimeout)
}

func (c *Connector) reconnectLoop() {
	defer close(c.reconnectDone)
	ticker := time.NewTicker(c.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.running.Load() {
				return
			}
			for _, s := range c.snapshotSessions() {
				if s.State() == StateUnreachable {
					c.dialAndPump(s)
				}
			}
		}
	}
}

// Send routes msg to agency's session, waiting up to timeout for an ack. A
// timeout of zero uses the connector's configured AckTimeout.
func (c *Connector) Send(ctx context.Context, agency string, msg *protocol.Message, timeout time.Duration) (string, error) {
	c.mu.RLock()
	s, ok := c.sessions[agency]
	c.mu.RUnlock()
	if !ok {
		return "", cerror.ErrPeerNotFound.GenWithStackByArgs(agency)
	}
	if timeout <= 0 {
		timeout = c.cfg.AckTimeout
	}
	return s.send(ctx, msg, timeout, c.cfg.MaxFrameSize)
}

// State reports a single agency's connectivity, for health/metrics endpoints.
func (c *Connector) State(agency string) (State, bool) {
	c.mu.RLock()
	s, ok := c.sessions[agency]
	c.mu.RUnlock()
	if !ok {
		return StateUnreachable, false
	}
	return s.State(), true
}

// Stop cancels the reconnect loop and every session's read pump, aggregating
// any errors each pump exited with. Idempotent.
func (c *Connector) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.cancel()
	<-c.reconnectDone

	var errs error
	for _, s := range c.snapshotSessions() {
		errs = multierr.Append(errs, s.stopPump())
	}
	return errs
}
