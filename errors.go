// Copyright 2024 Pulse Technologies Inc. All rights reserved.

package pulse

import (
	"errors"
	"fmt"

	"github.com/centrifugal/protocol"
)

var (
	ErrClientClosed          = errors.New("pulse: client closed")
	ErrClientDisconnected    = errors.New("pulse: client disconnected")
	ErrTimeout               = errors.New("pulse: timeout")
	ErrBufferFull            = errors.New("pulse: outbound buffer full")
	ErrDuplicateSubscription = errors.New("pulse: duplicate subscription")
	ErrUnknownSubscription   = errors.New("pulse: unknown subscription")
	ErrEmptyChannel          = errors.New("pulse: empty channel")
	ErrBadProtocol           = errors.New("pulse: protocol error")
)

// Error represents an error returned by the server inside a reply.
// Temporary errors may be retried automatically, for example a subscribe
// attempt that failed with a temporary error is rescheduled with backoff.
type Error struct {
	Code      uint32
	Message   string
	Temporary bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("pulse: server error %d: %s", e.Code, e.Message)
}

func errorFromProto(err *protocol.Error) *Error {
	return &Error{Code: err.Code, Message: err.Message, Temporary: err.Temporary}
}

// Server error codes the client gives special treatment to.
const (
	codeTokenExpired uint32 = 109
	codeExpired      uint32 = 110
)

func isTokenExpiredError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == codeTokenExpired
}

func isTemporaryError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Temporary
}

// TransportError wraps a failure of the underlying framed transport.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pulse: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SubscriptionError attributes an asynchronous error to a channel.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("pulse: subscription %q: %v", e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
