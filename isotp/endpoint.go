// Package isotp implements the ISO 15765-2 segmentation/reassembly layer:
// per-(tx_id,rx_id) endpoints that turn CAN frames into reassembled PDUs
// and back, with flow control, padding and the standard link timers.
package isotp

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/diagcore/canscope/frame"
)

// State is the reassembly/transmission state of one Endpoint. Rx and Tx
// each track their own State independently.
type State int

const (
	Idle State = iota
	WaitingFC
	Receiving
	Sending
	Aborted
)

// ErrCancelled is returned by SendPDU/RecvPDU when their context is
// cancelled or the endpoint is closed.
var ErrCancelled = errors.New("isotp: cancelled")

type sendRequest struct {
	data   []byte
	result chan error
}

// Endpoint owns one tx_id/rx_id pair's reassembly buffer and TX sequencer.
// Deliver feeds it inbound frames (called by the dispatcher); SendPDU and
// RecvPDU are the blocking client-facing contract. Only the Endpoint's own
// Run goroutine mutates its state.
type Endpoint struct {
	addr *Address
	cfg  Config
	send func(frame.CanFrame) error
	log  *slog.Logger

	inbox   chan frame.CanFrame
	sendReq chan sendRequest
	pduRx   chan []byte

	overrunCount int
	closeErr     error      // set by Abort before the Run loop is cancelled
	mu           sync.Mutex // guards overrunCount and closeErr only

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEndpoint constructs an Endpoint bound to addr. send is called to
// emit one CAN frame; typically this is the dispatcher's transport-send
// path. The endpoint does not start processing until Run is called.
func NewEndpoint(addr *Address, cfg Config, send func(frame.CanFrame) error, log *slog.Logger) *Endpoint {
	if log == nil {
		log = slog.Default()
	}
	depth := cfg.InboxDepth
	if depth <= 0 {
		depth = 64
	}
	return &Endpoint{
		addr:    addr,
		cfg:     cfg,
		send:    send,
		log:     log,
		inbox:   make(chan frame.CanFrame, depth),
		sendReq: make(chan sendRequest),
		pduRx:   make(chan []byte, 4),
		done:    make(chan struct{}),
	}
}

// Deliver hands one inbound CAN frame to this endpoint. It is non-blocking:
// when the inbox is full the oldest pending frame is dropped and the
// overrun counter increments, per the dispatcher's back-pressure contract.
func (e *Endpoint) Deliver(f frame.CanFrame) {
	select {
	case e.inbox <- f:
		return
	default:
	}
	select {
	case <-e.inbox:
		e.mu.Lock()
		e.overrunCount++
		e.mu.Unlock()
	default:
	}
	select {
	case e.inbox <- f:
	default:
	}
}

// OverrunCount returns how many inbound frames were dropped since
// construction: frames evicted for inbox overflow, plus consecutive
// frames that arrived outside an active reception.
func (e *Endpoint) OverrunCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overrunCount
}

// Address returns this endpoint's addressing configuration.
func (e *Endpoint) Address() *Address { return e.addr }

// Run drives the endpoint's state machine until ctx is cancelled. It must
// be started exactly once, typically from the dispatcher's registration
// path, in its own goroutine.
func (e *Endpoint) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer close(e.done)

	rx := &rxMachine{ep: e}
	tx := &txMachine{ep: e}

	timerNCr := time.NewTimer(time.Hour)
	timerNBs := time.NewTimer(time.Hour)
	timerSTmin := time.NewTimer(time.Hour)
	timerNCr.Stop()
	timerNBs.Stop()
	timerSTmin.Stop()
	defer func() {
		timerNCr.Stop()
		timerNBs.Stop()
		timerSTmin.Stop()
	}()
	rx.timer = timerNCr
	tx.fcTimer = timerNBs
	tx.stminTimer = timerSTmin

	for {
		var txEnable chan sendRequest
		if tx.state == Idle {
			txEnable = e.sendReq
		}

		select {
		case <-ctx.Done():
			tx.abort(e.abortReason())
			return

		case f := <-e.inbox:
			e.processInbound(f, rx, tx)

		case req := <-txEnable:
			tx.start(req)

		case <-timerNCr.C:
			rx.onTimeout()

		case <-timerNBs.C:
			tx.onFlowControlTimeout()

		case <-timerSTmin.C:
			tx.onSTminElapsed()
		}
	}
}

// Close stops the endpoint's Run loop if it is running. Any blocked or
// subsequent SendPDU/RecvPDU call sees ErrCancelled.
func (e *Endpoint) Close() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Abort stops the endpoint's Run loop like Close, but records reason so
// any blocked or subsequent SendPDU/RecvPDU call surfaces it instead of
// the generic ErrCancelled. The dispatcher calls this instead of Close
// when the receive loop exits because the transport itself disconnected,
// so a caller blocked mid-transfer learns why rather than timing out.
func (e *Endpoint) Abort(reason error) {
	e.mu.Lock()
	e.closeErr = reason
	e.mu.Unlock()
	e.Close()
}

// abortReason returns the reason passed to Abort, or ErrCancelled if the
// endpoint was stopped with a plain Close.
func (e *Endpoint) abortReason() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeErr != nil {
		return e.closeErr
	}
	return ErrCancelled
}

func (e *Endpoint) processInbound(f frame.CanFrame, rx *rxMachine, tx *txMachine) {
	if !e.addr.IsForMe(f) {
		return
	}
	pf, err := parseFrame(f.Data, e.addr.RxPrefixSize(), e.cfg.FD)
	if err != nil {
		e.log.Warn("isotp: dropping malformed frame", "err", err)
		return
	}
	switch pf.kind {
	case kindSingleFrame, kindFirstFrame, kindConsecutiveFrame:
		rx.onFrame(pf)
	case kindFlowControl:
		tx.onFlowControl(pf)
	}
}

// SendPDU submits data for transmission and blocks until it has been
// fully sent (or acknowledged as sent, for single frames) or ctx is done.
// Only one SendPDU may be outstanding per endpoint at a time; callers are
// expected to serialize at the UDS layer.
func (e *Endpoint) SendPDU(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return newFrameError("isotp: cannot send an empty PDU")
	}
	if len(data) > MaxPDULength {
		return newOverflowError("isotp: PDU exceeds 4095 bytes")
	}
	req := sendRequest{data: data, result: make(chan error, 1)}
	select {
	case e.sendReq <- req:
	case <-ctx.Done():
		return ErrCancelled
	case <-e.done:
		return e.abortReason()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ErrCancelled
	case <-e.done:
		return e.abortReason()
	}
}

// RecvPDU blocks until one reassembled PDU is available or ctx is done.
func (e *Endpoint) RecvPDU(ctx context.Context) ([]byte, error) {
	select {
	case pdu := <-e.pduRx:
		return pdu, nil
	case <-ctx.Done():
		return nil, ErrCancelled
	case <-e.done:
		return nil, e.abortReason()
	}
}
