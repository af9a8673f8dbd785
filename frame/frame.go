// Package frame defines the immutable CAN frame value type and the bounded
// ring buffer that the dispatcher uses to retain recent bus traffic.
package frame

import "fmt"

// Direction tags why a Frame exists: it arrived off the wire, it was
// submitted for transmission, or it is the bus's echo of our own send.
type Direction uint8

const (
	RX Direction = iota
	TX
	TXEcho
)

func (d Direction) String() string {
	switch d {
	case RX:
		return "RX"
	case TX:
		return "TX"
	case TXEcho:
		return "TX_ECHO"
	default:
		return "UNKNOWN"
	}
}

// CanFrame is an immutable snapshot of a single CAN or CAN-FD message.
// Callers must never mutate Data in place; treat it as a value.
type CanFrame struct {
	ID        uint32
	Extended  bool
	FD        bool
	DLC       uint8
	Data      []byte
	Timestamp int64 // wall-clock Unix microseconds, stamped on reception
	Direction Direction
	Error     bool
}

func (f CanFrame) String() string {
	return fmt.Sprintf("%s id=%#x ext=%v fd=%v dlc=%d data=% x", f.Direction, f.ID, f.Extended, f.FD, f.DLC, f.Data)
}

// Clone returns a copy of f with its own backing array, so a consumer can
// hold onto it past the lifetime of a shared buffer.
func (f CanFrame) Clone() CanFrame {
	c := f
	c.Data = append([]byte(nil), f.Data...)
	return c
}
