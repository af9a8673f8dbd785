package uds

import (
	"errors"
	"fmt"
)

// ErrCancelled mirrors isotp.ErrCancelled at the UDS layer: an in-flight
// request was cancelled or the client shut down before a response arrived.
var ErrCancelled = errors.New("uds: cancelled")

// ErrTimeout reports that no response arrived within P2 (or P2_ext, once
// extended by a 0x78 pending response).
var ErrTimeout = errors.New("uds: response timeout")

// ErrProtocolViolation reports a response that is neither a positive echo
// of the request's service id nor a well-formed 0x7F negative response.
var ErrProtocolViolation = errors.New("uds: malformed response")

// ErrQueueFull reports that the bounded per-endpoint request queue
// already holds its configured maximum of pending requests.
var ErrQueueFull = errors.New("uds: request queue full")

// ErrSecurityProviderFailure surfaces a security.Engine failure at the
// UDS layer without exposing the security package's own error type.
var ErrSecurityProviderFailure = errors.New("uds: security provider failure")

// NegativeError reports a 0x7F negative response other than 0x78
// ("response pending", which the client retries transparently).
type NegativeError struct {
	ServiceID byte
	NRC       byte
}

func (e *NegativeError) Error() string {
	return fmt.Sprintf("uds: negative response for service %#x: %s", e.ServiceID, NRCName(e.NRC))
}

// IsRetryable reports whether the client should keep waiting rather than
// surface the error: true only for 0x21 (busy, repeat request) and 0x78
// (response pending), matching the original client's retry policy.
func (e *NegativeError) IsRetryable() bool {
	return e.NRC == NRCBusyRepeatRequest || e.NRC == NRCResponsePending
}
