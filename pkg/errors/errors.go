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

// Package errors collects the normalized error values raised by the gateway.
// Every value is built with errors.Normalize so it carries a stable RFC code,
// a stack trace on first instantiation, and supports Equal() comparisons at
// call sites without string matching.
package errors

import "github.com/pingcap/errors"

// Kind classifies an error the way spec section 7 does. It is informational
// only: callers branch on the normalized error values below, not on Kind.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindProtocol      Kind = "protocol"
	KindRouting       Kind = "routing"
	KindTransport     Kind = "transport"
	KindCache         Kind = "cache"
	KindLifecycle     Kind = "lifecycle"
)

var (
	// Configuration errors: fatal at startup only.
	ErrInvalidEndpoint = errors.Normalize(
		"invalid endpoint %q",
		errors.RFCCodeText("PPC:ErrInvalidEndpoint"),
	)
	ErrInvalidMessageSize = errors.Normalize(
		"max_allow_msg_size %d out of range [%d, %d]",
		errors.RFCCodeText("PPC:ErrInvalidMessageSize"),
	)
	ErrMissingConfig = errors.Normalize(
		"missing required configuration field %q",
		errors.RFCCodeText("PPC:ErrMissingConfig"),
	)

	// Protocol errors: non-fatal; the malformed frame is logged and discarded
	// without an ack.
	ErrMessageDecode = errors.Normalize(
		"failed to decode ppc message: %s",
		errors.RFCCodeText("PPC:ErrMessageDecode"),
	)

	// Routing errors: non-fatal, parked or surfaced via callback.
	ErrFrontNotFound = errors.Normalize(
		"front not registered for endpoint %q",
		errors.RFCCodeText("PPC:ErrFrontNotFound"),
	)
	ErrTaskNotFound = errors.Normalize(
		"no binding registered for taskID %q",
		errors.RFCCodeText("PPC:ErrTaskNotFound"),
	)
	ErrPeerNotFound = errors.Normalize(
		"no session registered for agency %q",
		errors.RFCCodeText("PPC:ErrPeerNotFound"),
	)

	// Transport errors: surfaced to the caller; reconnect loop owns recovery.
	ErrNetwork = errors.Normalize(
		"network error: %s",
		errors.RFCCodeText("PPC:ErrNetwork"),
	)
	ErrTimeout = errors.Normalize(
		"timed out waiting for ack after %s",
		errors.RFCCodeText("PPC:ErrTimeout"),
	)
	ErrMessageTooLarge = errors.Normalize(
		"frame size %d exceeds max_allow_msg_size %d",
		errors.RFCCodeText("PPC:ErrMessageTooLarge"),
	)
	ErrPeerUnreachable = errors.Normalize(
		"peer %q is not connected",
		errors.RFCCodeText("PPC:ErrPeerUnreachable"),
	)

	// Lifecycle errors: surfaced to the caller as a typed condition.
	ErrTaskAlreadyExists = errors.Normalize(
		"taskID %q is already registered",
		errors.RFCCodeText("PPC:ErrTaskAlreadyExists"),
	)
	ErrGatewayStopped = errors.Normalize(
		"gateway is stopped",
		errors.RFCCodeText("PPC:ErrGatewayStopped"),
	)
)

// WrapError attaches err as the cause of an instance of rfcErr, so call
// sites can still branch with rfcErr.Equal() while the original error is
// preserved for logging. Mirrors the teacher's cerror.WrapError helper.
func WrapError(rfcErr *errors.Error, err error) error {
	if err == nil {
		return nil
	}
	return rfcErr.Wrap(err).GenWithStackByArgs()
}
