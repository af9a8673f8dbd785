package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diagcore/canscope/frame"
	"github.com/diagcore/canscope/isotp"
	"github.com/diagcore/canscope/transport"
)

func newRunning(t *testing.T) (*Dispatcher, *transport.Virtual, func()) {
	t.Helper()
	v := transport.NewVirtual(64)
	d := New(v, WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	// Give Run a moment to set runCtx so Register doesn't race ErrNotRunning.
	deadline := time.Now().Add(time.Second)
	for {
		d.mu.RLock()
		ready := d.runCtx != nil
		d.mu.RUnlock()
		if ready || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return d, v, func() {
		cancel()
		<-done
	}
}

func TestBroadcastDeliversInOrder(t *testing.T) {
	d, v, stop := newRunning(t)
	defer stop()

	ch, cancel := d.Subscribe(nil, 16)
	defer cancel()

	for i := uint32(0); i < 5; i++ {
		v.Inject(frame.CanFrame{ID: i, Data: []byte{byte(i)}})
	}

	for i := uint32(0); i < 5; i++ {
		select {
		case f := <-ch:
			if f.ID != i {
				t.Fatalf("frame %d: id = %#x, want %#x", i, f.ID, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

func TestSlowObserverDropsWithoutStallingDispatcher(t *testing.T) {
	d, v, stop := newRunning(t)
	defer stop()

	_, cancel := d.Subscribe(nil, 1) // never drained
	defer cancel()

	for i := uint32(0); i < 50; i++ {
		v.Inject(frame.CanFrame{ID: i})
	}

	deadline := time.Now().Add(time.Second)
	for d.Stats().FramesReceived < 50 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := d.Stats().FramesReceived; got != 50 {
		t.Fatalf("FramesReceived = %d, want 50 (dispatcher must not stall on a full subscriber)", got)
	}
	if d.Stats().ObserverDrops == 0 {
		t.Fatalf("expected ObserverDrops > 0 for a never-drained subscriber")
	}
}

func TestRegisterRoutesFramesToEndpointInbox(t *testing.T) {
	d, v, stop := newRunning(t)
	defer stop()

	handle, err := d.Register(0x7E0, 0x7E8, isotp.DefaultConfig())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	v.Inject(frame.CanFrame{ID: 0x7E8, Data: []byte{0x02, 0x50, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	pdu, err := handle.Endpoint().RecvPDU(ctx)
	if err != nil {
		t.Fatalf("RecvPDU: %v", err)
	}
	if string(pdu) != string([]byte{0x50, 0x03}) {
		t.Fatalf("pdu = % x", pdu)
	}
}

func TestRegisterDuplicateRxIDFails(t *testing.T) {
	d, _, stop := newRunning(t)
	defer stop()

	if _, err := d.Register(0x7E0, 0x7E8, isotp.DefaultConfig()); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := d.Register(0x7E1, 0x7E8, isotp.DefaultConfig()); err == nil {
		t.Fatalf("expected ErrDuplicateRxID on second Register for the same rx id")
	}
}

func TestUnregisterStopsEndpoint(t *testing.T) {
	d, v, stop := newRunning(t)
	defer stop()

	handle, err := d.Register(0x7E0, 0x7E8, isotp.DefaultConfig())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := d.Unregister(handle); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	v.Inject(frame.CanFrame{ID: 0x7E8, Data: []byte{0x02, 0x50, 0x03, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}})

	if _, err := d.Register(0x7E0, 0x7E8, isotp.DefaultConfig()); err != nil {
		t.Fatalf("re-Register after Unregister: %v", err)
	}
}

func TestTransportDisconnectAbortsEndpointsAndPublishesState(t *testing.T) {
	d, v, stop := newRunning(t)
	defer stop()

	handle, err := d.Register(0x7E0, 0x7E8, isotp.DefaultConfig())
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	stateCh, cancelState := d.SubscribeEndpointState(4)
	defer cancelState()

	v.SetDisconnected()

	rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
	defer rcancel()
	if _, err := handle.Endpoint().RecvPDU(rctx); !errors.Is(err, transport.ErrTransportDisconnected) {
		t.Fatalf("RecvPDU err = %v, want ErrTransportDisconnected", err)
	}

	select {
	case ev := <-stateCh:
		if ev.RxID != 0x7E8 || ev.State != EndpointAborted {
			t.Fatalf("event = %+v, want {RxID: 0x7E8, State: Aborted}", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EndpointAborted event")
	}
}
