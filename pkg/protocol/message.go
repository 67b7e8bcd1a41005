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

// Package protocol defines the routable PPC message and its wire codec.
package protocol

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
)

// Ack status tokens. These are the only three payloads ever carried by a
// response frame; internal error detail never crosses the wire.
const (
	AckSuccess = "success"
	AckError   = "error"
	AckTimeout = "timeout"
)

// TransportSeq is the link-local sequence number a transport uses to pair a
// frame with its reply. It is distinct from CorrelationID by design: the two
// "seq" concepts in the original source are easy to conflate, so the type
// system keeps them apart (design note in spec.md section 9).
type TransportSeq uint32

// CorrelationID is the end-to-end application-level ack correlator.
type CorrelationID string

// NewCorrelationID returns a fresh, globally unique correlation id.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

// Message is a routable PPC unit, the wire envelope peer gateways exchange
// and the payload fronts send to/receive from the gateway.
type Message struct {
	Version       uint8
	TaskType      uint8
	AlgorithmType uint8
	MessageType   uint8
	Seq           uint32
	TaskID        string
	Sender        string
	UUID          string
	Response      bool
	Payload       []byte
}

// IsBroadcast reports whether this message has no specific task target and
// should fan out to every locally registered front.
func (m *Message) IsBroadcast() bool {
	return m.TaskID == ""
}

const (
	maxHeaderFieldLen = math.MaxUint16
	fixedHeaderBytes  = 1 + 1 + 1 + 1 + 4 // version, taskType, algorithmType, messageType, seq
)

// Encode serializes the message to the wire layout from spec.md section 6:
//
//	version:1, taskType:1, algorithmType:1, messageType:1, seq:4,
//	senderLen:2, sender:senderLen, taskIDLen:2, taskID:taskIDLen,
//	uuidLen:2, uuid:uuidLen, responseFlag:1, payloadLen:4, payload:payloadLen
func (m *Message) Encode() ([]byte, error) {
	if len(m.Sender) > maxHeaderFieldLen || len(m.TaskID) > maxHeaderFieldLen || len(m.UUID) > maxHeaderFieldLen {
		return nil, cerror.ErrMessageDecode.GenWithStackByArgs("header field exceeds 64KiB")
	}

	size := fixedHeaderBytes +
		2 + len(m.Sender) +
		2 + len(m.TaskID) +
		2 + len(m.UUID) +
		1 + 4 + len(m.Payload)
	buf := make([]byte, size)
	off := 0

	buf[off] = m.Version
	off++
	buf[off] = m.TaskType
	off++
	buf[off] = m.AlgorithmType
	off++
	buf[off] = m.MessageType
	off++
	binary.BigEndian.PutUint32(buf[off:], m.Seq)
	off += 4

	off = putField(buf, off, m.Sender)
	off = putField(buf, off, m.TaskID)
	off = putField(buf, off, m.UUID)

	if m.Response {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++

	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.Payload)))
	off += 4
	copy(buf[off:], m.Payload)

	return buf, nil
}

func putField(buf []byte, off int, field string) int {
	binary.BigEndian.PutUint16(buf[off:], uint16(len(field)))
	off += 2
	copy(buf[off:], field)
	return off + len(field)
}

// Decode parses a wire frame into a Message. Any malformed input produces an
// ErrMessageDecode, returned as a value rather than a panic. Session.readLoop,
// the inbound caller, logs and drops such a frame; no ack is sent for it.
func Decode(data []byte) (*Message, error) {
	if len(data) < fixedHeaderBytes {
		return nil, cerror.ErrMessageDecode.GenWithStackByArgs("frame shorter than fixed header")
	}

	m := &Message{}
	off := 0

	m.Version = data[off]
	off++
	m.TaskType = data[off]
	off++
	m.AlgorithmType = data[off]
	off++
	m.MessageType = data[off]
	off++
	m.Seq = binary.BigEndian.Uint32(data[off:])
	off += 4

	var err error
	m.Sender, off, err = getField(data, off)
	if err != nil {
		return nil, err
	}
	m.TaskID, off, err = getField(data, off)
	if err != nil {
		return nil, err
	}
	m.UUID, off, err = getField(data, off)
	if err != nil {
		return nil, err
	}

	if off >= len(data) {
		return nil, cerror.ErrMessageDecode.GenWithStackByArgs("truncated before response flag")
	}
	m.Response = data[off] != 0
	off++

	if off+4 > len(data) {
		return nil, cerror.ErrMessageDecode.GenWithStackByArgs("truncated before payload length")
	}
	payloadLen := binary.BigEndian.Uint32(data[off:])
	off += 4

	if uint64(off)+uint64(payloadLen) > uint64(len(data)) {
		return nil, cerror.ErrMessageDecode.GenWithStackByArgs("truncated payload")
	}
	m.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)

	return m, nil
}

func getField(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, cerror.ErrMessageDecode.GenWithStackByArgs("truncated field length")
	}
	l := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+l > len(data) {
		return "", off, cerror.ErrMessageDecode.GenWithStackByArgs("truncated field value")
	}
	return string(data[off : off+l]), off + l, nil
}
