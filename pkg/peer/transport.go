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
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
)

// Transport is the minimal frame-oriented link a Session drives. wsTransport
// is the production implementation; tests substitute a fake.
type Transport interface {
	Dial(ctx context.Context, endpoint string) error
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// wsTransport is a Transport backed by a single gorilla/websocket client
// connection, matching how WebSocketService.cpp drives libhv client sockets:
// one long-lived binary duplex connection per peer agency.
type wsTransport struct {
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSTransport(handshakeTimeout time.Duration) *wsTransport {
	return &wsTransport{dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

func (t *wsTransport) Dial(ctx context.Context, endpoint string) error {
	u := url.URL{Scheme: "ws", Host: endpoint, Path: "/"}
	conn, _, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return cerror.WrapError(cerror.ErrPeerUnreachable, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// Send serializes the whole write under mu: gorilla/websocket allows only one
// concurrent writer per connection, and Session.send (egress) and
// Session.sendAck (inbound-ack reply) both call Send on the same connection
// from independent goroutines. Releasing the lock before WriteMessage would
// let those two interleave and corrupt the frame stream.
func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return cerror.ErrPeerUnreachable.GenWithStackByArgs("not connected")
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return cerror.WrapError(cerror.ErrNetwork, err)
	}
	return nil
}

func (t *wsTransport) Recv() ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, cerror.ErrPeerUnreachable.GenWithStackByArgs("not connected")
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrNetwork, err)
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
