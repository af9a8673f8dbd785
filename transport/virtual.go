package transport

import (
	"context"
	"sync"
	"time"

	"github.com/diagcore/canscope/frame"
)

// ScriptedResponse auto-injects Response some Delay after a frame matching
// TriggerID (and, if non-empty, TriggerData) is written to a Virtual
// adapter. It exists so tests and demos can script a peer ECU's behavior
// without a real bus.
type ScriptedResponse struct {
	TriggerID   uint32
	TriggerData []byte
	Response    frame.CanFrame
	Delay       time.Duration
}

// Virtual is an in-memory loopback adapter. Frames written with Send are
// logged and checked against the scripted response table; anything
// injected via Inject (directly, or via a scripted match) becomes
// available to Recv.
type Virtual struct {
	mu        sync.Mutex
	rxChan    chan frame.CanFrame
	state     LinkState
	responses []ScriptedResponse
	writeLog  []frame.CanFrame
	closed    bool
}

// NewVirtual constructs a connected Virtual adapter with the given inbound
// buffer depth.
func NewVirtual(rxBuffer int) *Virtual {
	if rxBuffer <= 0 {
		rxBuffer = 256
	}
	return &Virtual{
		rxChan: make(chan frame.CanFrame, rxBuffer),
		state:  Connected,
	}
}

func (v *Virtual) Recv(ctx context.Context) (frame.CanFrame, error) {
	v.mu.Lock()
	state := v.state
	v.mu.Unlock()
	if state != Connected {
		return frame.CanFrame{}, ErrTransportDisconnected
	}
	select {
	case f, ok := <-v.rxChan:
		if !ok {
			return frame.CanFrame{}, ErrTransportDisconnected
		}
		return f, nil
	case <-ctx.Done():
		return frame.CanFrame{}, ErrTransportTimeout
	}
}

func (v *Virtual) Send(f frame.CanFrame) error {
	v.mu.Lock()
	if v.state != Connected {
		v.mu.Unlock()
		return ErrTransportDisconnected
	}
	v.writeLog = append(v.writeLog, f.Clone())
	matches := make([]ScriptedResponse, 0, 1)
	for _, r := range v.responses {
		if r.TriggerID != f.ID {
			continue
		}
		if len(r.TriggerData) > 0 && !bytesEqual(r.TriggerData, f.Data) {
			continue
		}
		matches = append(matches, r)
	}
	v.mu.Unlock()

	for _, r := range matches {
		resp := r.Response
		delay := r.Delay
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			v.Inject(resp)
		}()
	}
	return nil
}

// Inject delivers f to Recv as if it had arrived off the wire. It is
// non-blocking: a full rx buffer drops the frame.
func (v *Virtual) Inject(f frame.CanFrame) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return
	}
	select {
	case v.rxChan <- f:
	default:
	}
}

// SetResponses replaces the scripted response table.
func (v *Virtual) SetResponses(rs []ScriptedResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = append([]ScriptedResponse(nil), rs...)
}

// AddResponse appends a single scripted response.
func (v *Virtual) AddResponse(r ScriptedResponse) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.responses = append(v.responses, r)
}

// WriteLog returns every frame passed to Send so far.
func (v *Virtual) WriteLog() []frame.CanFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]frame.CanFrame(nil), v.writeLog...)
}

func (v *Virtual) State() LinkState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// SetDisconnected flips the adapter into a disconnected state, simulating
// bus-off or a cable pull without closing the receive channel.
func (v *Virtual) SetDisconnected() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = Disconnected
}

// Reconnect flips the adapter back to Connected.
func (v *Virtual) Reconnect() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = Connected
}

func (v *Virtual) Shutdown() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	v.state = Disconnected
	close(v.rxChan)
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
