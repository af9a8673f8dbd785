package isotp

import "time"

// rxMachine holds the reception half of one endpoint's state machine.
type rxMachine struct {
	ep    *Endpoint
	state State
	timer *time.Timer

	buffer       []byte
	totalLen     int
	seqExpected  byte
	blockCounter byte
}

func (r *rxMachine) onFrame(pf *parsedFrame) {
	switch pf.kind {
	case kindSingleFrame:
		r.deliverAndReset(pf.data)
	case kindFirstFrame:
		r.startReception(pf)
	case kindConsecutiveFrame:
		r.onConsecutiveFrame(pf)
	}
}

func (r *rxMachine) startReception(pf *parsedFrame) {
	if r.state == Receiving {
		r.ep.log.Warn("isotp: reception interrupted by new first frame")
	}
	r.buffer = append([]byte{}, pf.data...)
	r.totalLen = pf.totalLen
	r.seqExpected = 1
	r.blockCounter = 0
	r.state = Receiving
	r.resetTimer()
	r.sendFlowControl(FlowContinueToSend)
	r.checkComplete()
}

func (r *rxMachine) onConsecutiveFrame(pf *parsedFrame) {
	if r.state != Receiving {
		// CF arriving outside an active reception is discarded and
		// counted; the endpoint stays in whatever state it was in.
		r.ep.mu.Lock()
		r.ep.overrunCount++
		r.ep.mu.Unlock()
		return
	}
	if pf.seq != r.seqExpected {
		r.ep.log.Warn("isotp: sequence error, resetting to idle", "expected", r.seqExpected, "got", pf.seq)
		r.reset()
		return
	}
	r.buffer = append(r.buffer, pf.data...)
	r.seqExpected = (r.seqExpected + 1) % 16
	r.blockCounter++
	r.resetTimer()

	if r.checkComplete() {
		return
	}
	if r.ep.cfg.BlockSize > 0 && r.blockCounter >= r.ep.cfg.BlockSize {
		r.blockCounter = 0
		r.sendFlowControl(FlowContinueToSend)
	}
}

// checkComplete delivers the reassembled PDU and resets to Idle once the
// buffer has reached its declared length. Returns true if it did so.
func (r *rxMachine) checkComplete() bool {
	if len(r.buffer) < r.totalLen {
		return false
	}
	pdu := r.buffer[:r.totalLen]
	r.deliverAndReset(pdu)
	return true
}

func (r *rxMachine) deliverAndReset(pdu []byte) {
	r.reset()
	out := append([]byte(nil), pdu...)
	select {
	case r.ep.pduRx <- out:
	default:
		// Caller isn't draining fast enough; drop the oldest queued
		// PDU rather than block the endpoint's Run loop.
		select {
		case <-r.ep.pduRx:
		default:
		}
		r.ep.pduRx <- out
	}
}

func (r *rxMachine) onTimeout() {
	if r.state != Receiving {
		return
	}
	r.ep.log.Warn("isotp: N_Cr timeout, aborting reception")
	r.reset()
}

func (r *rxMachine) reset() {
	r.state = Idle
	r.buffer = nil
	r.totalLen = 0
	r.seqExpected = 0
	r.blockCounter = 0
	r.timer.Stop()
}

func (r *rxMachine) resetTimer() {
	r.timer.Stop()
	select {
	case <-r.timer.C:
	default:
	}
	r.timer.Reset(r.ep.cfg.NCr)
}

func (r *rxMachine) sendFlowControl(status FlowStatus) {
	prefix := r.ep.addr.TxPayloadPrefix()
	stmin := encodeSTmin(uint64(r.ep.cfg.STmin))
	data := buildFlowControl(prefix, status, r.ep.cfg.BlockSize, stmin)
	if !r.ep.cfg.FD {
		data = padPayload(data, 8, r.ep.cfg.PaddingByte)
	}
	if err := r.ep.sendCanFrame(data); err != nil {
		r.ep.log.Warn("isotp: failed to send flow control", "err", err)
	}
}
