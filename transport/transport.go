// Package transport defines the Adapter contract consumed by the
// dispatcher and ships a SocketCAN implementation plus an in-memory
// virtual adapter for tests and non-Linux hosts.
package transport

import (
	"context"
	"errors"

	"github.com/diagcore/canscope/frame"
)

// LinkState reports the coarse connection state of an Adapter.
type LinkState int

const (
	Disconnected LinkState = iota
	Connected
	BusOff
	ErrorState
)

func (s LinkState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case BusOff:
		return "BusOff"
	case ErrorState:
		return "Error"
	default:
		return "Disconnected"
	}
}

// ErrTransportDisconnected marks a hard failure: bus-off, cable pull, or a
// driver fault. The caller must Connect again before retrying.
var ErrTransportDisconnected = errors.New("transport: disconnected")

// ErrTransportTimeout marks the absence of a frame within the requested
// window. Callers normally swallow this and loop.
var ErrTransportTimeout = errors.New("transport: timeout")

// Adapter abstracts a raw CAN device. Recv is blocking (up to ctx's
// deadline/cancellation) and is intended to be called by exactly one
// goroutine — the dispatcher's receive loop. Send may be called
// concurrently with Recv and with itself; implementations serialize
// internally.
type Adapter interface {
	Recv(ctx context.Context) (frame.CanFrame, error)
	Send(f frame.CanFrame) error
	State() LinkState
	Shutdown() error
}
