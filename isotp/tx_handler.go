package isotp

import (
	"time"

	"github.com/diagcore/canscope/frame"
)

// txMachine holds the transmission half of one endpoint's state machine.
type txMachine struct {
	ep         *Endpoint
	state      State
	fcTimer    *time.Timer
	stminTimer *time.Timer

	buffer          []byte
	sent            int
	seqNext         byte
	remoteBlockSize byte
	remoteSTmin     time.Duration
	blockSent       byte
	wftCount        int
	pending         *sendRequest
}

func (t *txMachine) start(req sendRequest) {
	data := req.data
	if len(data) <= 7 {
		t.sendSingleFrame(data)
		req.result <- nil
		return
	}

	t.pending = &req
	t.buffer = data
	firstLen := 6
	if firstLen > len(data) {
		firstLen = len(data)
	}
	t.sent = firstLen
	t.seqNext = 1
	t.blockSent = 0
	t.wftCount = 0
	t.state = WaitingFC

	prefix := t.ep.addr.TxPayloadPrefix()
	frameData := buildFirstFrame(prefix, len(data), data[:firstLen])
	if !t.ep.cfg.FD {
		frameData = padPayload(frameData, 8, t.ep.cfg.PaddingByte)
	}
	if err := t.ep.sendCanFrame(frameData); err != nil {
		t.abort(err)
		return
	}
	t.resetFCTimer()
}

func (t *txMachine) sendSingleFrame(data []byte) {
	prefix := t.ep.addr.TxPayloadPrefix()
	frameData := buildSingleFrame(prefix, data, t.ep.cfg.FD)
	if !t.ep.cfg.FD {
		frameData = padPayload(frameData, 8, t.ep.cfg.PaddingByte)
	}
	if err := t.ep.sendCanFrame(frameData); err != nil {
		t.ep.log.Warn("isotp: failed to send single frame", "err", err)
	}
}

func (t *txMachine) onFlowControl(pf *parsedFrame) {
	if t.state != WaitingFC {
		return
	}
	switch pf.status {
	case FlowContinueToSend:
		t.remoteBlockSize = pf.blockSize
		t.remoteSTmin = time.Duration(pf.stMinDelay)
		t.blockSent = 0
		t.wftCount = 0
		t.state = Sending
		t.fcTimer.Stop()
		t.sendNextConsecutiveFrame()
	case FlowWait:
		t.wftCount++
		if t.wftCount > t.ep.cfg.WftMax {
			t.abort(newWaitLimitError())
			return
		}
		t.resetFCTimer()
	case FlowOverflow:
		t.abort(newOverflowError("isotp: peer signalled overflow"))
	}
}

func (t *txMachine) sendNextConsecutiveFrame() {
	if t.sent >= len(t.buffer) {
		t.complete(nil)
		return
	}
	end := t.sent + 7
	if end > len(t.buffer) {
		end = len(t.buffer)
	}
	fragment := t.buffer[t.sent:end]
	prefix := t.ep.addr.TxPayloadPrefix()
	frameData := buildConsecutiveFrame(prefix, t.seqNext, fragment)
	if !t.ep.cfg.FD {
		frameData = padPayload(frameData, 8, t.ep.cfg.PaddingByte)
	}
	if err := t.ep.sendCanFrame(frameData); err != nil {
		t.abort(err)
		return
	}
	t.sent = end
	t.seqNext = (t.seqNext + 1) % 16
	t.blockSent++

	if t.sent >= len(t.buffer) {
		t.complete(nil)
		return
	}
	if t.remoteBlockSize > 0 && t.blockSent >= t.remoteBlockSize {
		t.blockSent = 0
		t.state = WaitingFC
		t.resetFCTimer()
		return
	}
	if t.remoteSTmin <= 0 {
		t.sendNextConsecutiveFrame()
		return
	}
	t.stminTimer.Stop()
	select {
	case <-t.stminTimer.C:
	default:
	}
	t.stminTimer.Reset(t.remoteSTmin)
}

func (t *txMachine) onSTminElapsed() {
	if t.state != Sending {
		return
	}
	t.sendNextConsecutiveFrame()
}

func (t *txMachine) onFlowControlTimeout() {
	if t.state != WaitingFC {
		return
	}
	t.abort(newTimeoutError(TimeoutNBs))
}

func (t *txMachine) complete(err error) {
	t.fcTimer.Stop()
	t.stminTimer.Stop()
	t.state = Idle
	t.buffer = nil
	if t.pending != nil {
		t.pending.result <- err
		t.pending = nil
	}
}

func (t *txMachine) abort(err error) {
	if t.state == Idle {
		return
	}
	t.complete(err)
}

func (t *txMachine) resetFCTimer() {
	t.fcTimer.Stop()
	select {
	case <-t.fcTimer.C:
	default:
	}
	t.fcTimer.Reset(t.ep.cfg.NBs)
}

// sendCanFrame wraps the endpoint's send function with arbitration-ID and
// FD framing details shared by every outbound frame type.
func (e *Endpoint) sendCanFrame(data []byte) error {
	return e.send(frame.CanFrame{
		ID:       e.addr.GetTxArbitrationID(Physical),
		Extended: e.addr.Is29Bit(),
		FD:       e.cfg.FD,
		DLC:      uint8(len(data)),
		Data:     data,
		Direction: frame.TX,
	})
}
