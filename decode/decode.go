// Package decode defines the thin seam between the core and an external
// message database: signal<->bytes conversion is never the core's
// concern, only routing frames through whatever Decoder a caller attaches.
//
// The split between a Decoder (frame -> signals) and an Encoder
// (signals -> frame) mirrors the pack's canopen.FrameMarshaler/
// FrameUnmarshaler pair, generalized from one typed message to an
// arbitrary named one.
package decode

import "github.com/diagcore/canscope/frame"

// Decoder turns a raw frame into named signal values, when its arbitration
// id and layout are known to whatever database backs the implementation.
type Decoder interface {
	// Decode returns the frame's signals and true if frame.ID is known to
	// the attached database, or (nil, false) otherwise.
	Decode(f frame.CanFrame) (map[string]float64, bool)
}

// Encoder turns named signal values for a named message into the frame
// that carries them.
type Encoder interface {
	Encode(messageName string, signals map[string]float64) (id uint32, extended bool, data []byte, err error)
}

// Database combines Decoder and Encoder, the full façade a workspace
// attaches when a DBC (or similar) file is loaded. The core only ever
// holds this interface; it never parses database formats itself.
type Database interface {
	Decoder
	Encoder
}

// Null is a Database that recognizes nothing and fails every encode. It is
// the core's default when no database is attached, so callers never need
// a nil check before calling Decode/Encode.
type Null struct{}

func (Null) Decode(frame.CanFrame) (map[string]float64, bool) { return nil, false }

func (Null) Encode(name string, _ map[string]float64) (uint32, bool, []byte, error) {
	return 0, false, nil, &UnknownMessageError{Name: name}
}

// UnknownMessageError reports that Encode was asked for a message name the
// attached database doesn't define.
type UnknownMessageError struct{ Name string }

func (e *UnknownMessageError) Error() string {
	return "decode: unknown message " + e.Name
}
