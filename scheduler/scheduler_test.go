package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/diagcore/canscope/frame"
	"github.com/diagcore/canscope/transport"
)

type recordingSender struct {
	mu        sync.Mutex
	sent      []frame.CanFrame
	failAfter int // 0 means never fail
}

func (r *recordingSender) Send(f frame.CanFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.sent) >= r.failAfter {
		return transport.ErrTransportDisconnected
	}
	r.sent = append(r.sent, f)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func testFrame(id uint32) frame.CanFrame {
	return frame.CanFrame{ID: id, DLC: 1, Data: []byte{0x01}}
}

func TestSendOnce(t *testing.T) {
	sender := &recordingSender{}
	s := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	s.SendOnce(testFrame(0x100))

	deadline := time.Now().Add(time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("count = %d, want 1", sender.count())
	}
}

func TestSendBurst(t *testing.T) {
	sender := &recordingSender{}
	s := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	s.SendBurst(testFrame(0x200), 5, 5*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count() != 5 {
		t.Fatalf("count = %d, want 5", sender.count())
	}
}

func TestSendBurstZeroGapSendsAllFrames(t *testing.T) {
	sender := &recordingSender{}
	s := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	s.SendBurst(testFrame(0x201), 5, 0)

	deadline := time.Now().Add(time.Second)
	for sender.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count() != 5 {
		t.Fatalf("count = %d, want 5 (a zero-gap burst must still send every frame)", sender.count())
	}
}

func TestSendPeriodicCancel(t *testing.T) {
	sender := &recordingSender{}
	s := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	id, err := s.SendPeriodic(testFrame(0x300), 5*time.Millisecond, 0)
	if err != nil {
		t.Fatalf("SendPeriodic: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for sender.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Cancel(id)
	s.Cancel(id) // idempotent
	afterCancel := sender.count()

	time.Sleep(50 * time.Millisecond)
	if sender.count() != afterCancel {
		t.Fatalf("job kept firing after cancel: %d -> %d", afterCancel, sender.count())
	}
}

func TestSendPeriodicCountExhausts(t *testing.T) {
	sender := &recordingSender{}
	s := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	if _, err := s.SendPeriodic(testFrame(0x400), 5*time.Millisecond, 3); err != nil {
		t.Fatalf("SendPeriodic: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for sender.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if sender.count() != 3 {
		t.Fatalf("count = %d, want exactly 3", sender.count())
	}
}

func TestSendPeriodicStopsOnTransportDisconnected(t *testing.T) {
	sender := &recordingSender{failAfter: 2}
	s := New(sender)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	defer s.Shutdown()

	if _, err := s.SendPeriodic(testFrame(0x600), 5*time.Millisecond, 0); err != nil {
		t.Fatalf("SendPeriodic: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for sender.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sender.count() != 2 {
		t.Fatalf("count = %d, want exactly 2 before the transport disconnects", sender.count())
	}

	time.Sleep(50 * time.Millisecond)
	if sender.count() != 2 {
		t.Fatalf("job kept retrying after ErrTransportDisconnected: count = %d, want 2", sender.count())
	}
}

func TestSendPeriodicRejectsZeroPeriod(t *testing.T) {
	s := New(&recordingSender{})
	if _, err := s.SendPeriodic(testFrame(0x500), 0, 0); !errors.Is(err, ErrInvalidPeriod) {
		t.Fatalf("err = %v, want ErrInvalidPeriod", err)
	}
}
