// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package lnc holds the error taxonomy shared by the Lightning Node Connect
// transport packages (pairing, gobn, noise and mailbox).
package lnc

import (
	"errors"
	"fmt"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindUnknown is any error that did not originate in the LNC stack.
	KindUnknown Kind = iota

	// KindInput is a bad pairing phrase or entropy. User fixable, never retried.
	KindInput

	// KindStreamNotFound means the mailbox has not registered the stream yet.
	KindStreamNotFound

	// KindStreamOccupied means another client currently holds the stream.
	KindStreamOccupied

	// KindHandshakeAuth is a wrong passphrase or a protocol mismatch during
	// the Noise handshake. The pairing phrase permits a single attempt so
	// this is never retried with the same credential.
	KindHandshakeAuth

	// KindFrame is malformed GoBN, MsgData or Noise framing.
	KindFrame

	// KindNonceExhaustion is a 64 bit nonce counter overflow.
	KindNonceExhaustion

	// KindTimeout is a missing response within the bound.
	KindTimeout

	// KindConnectionClosed is a FIN from the peer or a closed socket.
	KindConnectionClosed

	// KindResyncRequired is a late SYN from the server, the remote GoBN
	// session restarted underneath us.
	KindResyncRequired
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindInput:            "input error",
	KindStreamNotFound:   "stream not found",
	KindStreamOccupied:   "stream occupied",
	KindHandshakeAuth:    "handshake authentication failure",
	KindFrame:            "frame error",
	KindNonceExhaustion:  "nonce exhaustion",
	KindTimeout:          "timeout",
	KindConnectionClosed: "connection closed",
	KindResyncRequired:   "resync required",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified LNC transport error.
type Error struct {
	Kind Kind
	// Op is the package qualified operation, e.g. "lnc/gobn: recv".
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same Kind and an empty Op, which lets
// callers write errors.Is(err, &lnc.Error{Kind: lnc.KindTimeout}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// New returns a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns a classified error with a formatted cause.
func Errorf(kind Kind, op, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, a...)}
}

// KindOf returns the Kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the orchestrator may retry the connection
// attempt that produced err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindStreamNotFound, KindStreamOccupied, KindResyncRequired, KindTimeout:
		return true
	default:
		return false
	}
}
