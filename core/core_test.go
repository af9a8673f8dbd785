package core

import (
	"context"
	"testing"
	"time"

	"github.com/diagcore/canscope/frame"
	"github.com/diagcore/canscope/security"
	"github.com/diagcore/canscope/transport"
	"github.com/diagcore/canscope/uds"
)

func frameWithData(id uint32, data []byte) frame.CanFrame {
	return frame.CanFrame{ID: id, DLC: uint8(len(data)), Data: data}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReceivePollInterval = 10 * time.Millisecond
	cfg.TesterPresentInterval = time.Hour // keep it quiet during assertions
	return cfg
}

func connectedCore(t *testing.T, vt *transport.Virtual) (*Core, context.CancelFunc) {
	t.Helper()
	c, err := New(testConfig(), WithTransport(vt))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Connect(ctx); err != nil {
		cancel()
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() {
		c.Disconnect()
		cancel()
	})
	return c, cancel
}

func singleFrame(service byte, payload ...byte) []byte {
	return append([]byte{service}, payload...)
}

func sfFrame(id uint32, pdu []byte) []byte {
	out := make([]byte, 8)
	out[0] = byte(len(pdu))
	copy(out[1:], pdu)
	for i := 1 + len(pdu); i < 8; i++ {
		out[i] = 0xCC
	}
	return out
}

func TestRegisterIsoTpEchoesSingleFrameResponse(t *testing.T) {
	vt := transport.NewVirtual(64)
	vt.AddResponse(transport.ScriptedResponse{
		TriggerID: 0x7E0,
		Response: frameWithData(0x7E8, sfFrame(0x7E8, singleFrame(0x50, 0x01))),
	})
	c, _ := connectedCore(t, vt)

	ep, err := c.RegisterIsoTp(0x7E0, 0x7E8, false)
	if err != nil {
		t.Fatalf("RegisterIsoTp: %v", err)
	}

	subfn := byte(0x01)
	resp, err := c.UdsRequest(context.Background(), ep, &uds.Request{ServiceID: 0x10, SubFunction: &subfn})
	if err != nil {
		t.Fatalf("UdsRequest: %v", err)
	}
	if resp.ServiceID != 0x50 {
		t.Fatalf("ServiceID = %#x, want 0x50", resp.ServiceID)
	}
}

func TestSecurityAccessUnlocksOnComputedKey(t *testing.T) {
	vt := transport.NewVirtual(64)
	seed := []byte{0x12, 0x34}
	key := security.NewEngine()
	wantKey, _ := key.Compute(security.XOR, seed)

	vt.AddResponse(transport.ScriptedResponse{
		TriggerID:   0x7E0,
		TriggerData: sfFrame(0x7E0, []byte{0x27, 0x01}),
		Response:    frameWithData(0x7E8, sfFrame(0x7E8, append([]byte{0x67, 0x01}, seed...))),
	})
	vt.AddResponse(transport.ScriptedResponse{
		TriggerID:   0x7E0,
		TriggerData: sfFrame(0x7E0, append([]byte{0x27, 0x02}, wantKey...)),
		Response:    frameWithData(0x7E8, sfFrame(0x7E8, []byte{0x67, 0x02})),
	})

	c, _ := connectedCore(t, vt)
	ep, err := c.RegisterIsoTp(0x7E0, 0x7E8, false)
	if err != nil {
		t.Fatalf("RegisterIsoTp: %v", err)
	}

	resp, err := c.SecurityAccess(context.Background(), ep, 0x01, security.XOR)
	if err != nil {
		t.Fatalf("SecurityAccess: %v", err)
	}
	if resp.ServiceID != 0x67 {
		t.Fatalf("ServiceID = %#x, want 0x67", resp.ServiceID)
	}
	if ep.Client.Session().SecurityLevel() != 0x01 {
		t.Fatalf("SecurityLevel = %#x, want 0x01", ep.Client.Session().SecurityLevel())
	}
}

func TestSubscribeReceivesBroadcastTraffic(t *testing.T) {
	vt := transport.NewVirtual(64)
	c, _ := connectedCore(t, vt)

	ch, cancel := c.Subscribe(nil, 4)
	defer cancel()

	vt.Inject(frameWithData(0x123, []byte{0xAA}))

	select {
	case f := <-ch:
		if f.ID != 0x123 {
			t.Fatalf("ID = %#x, want 0x123", f.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast frame")
	}
}

func TestSubscribeEndpointStateReportsRegistration(t *testing.T) {
	vt := transport.NewVirtual(64)
	c, _ := connectedCore(t, vt)

	ch, cancel := c.SubscribeEndpointState(4)
	defer cancel()

	if _, err := c.RegisterIsoTp(0x7E0, 0x7E8, false); err != nil {
		t.Fatalf("RegisterIsoTp: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.RxID != 0x7E8 {
			t.Fatalf("RxID = %#x, want 0x7E8", ev.RxID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for endpoint registration event")
	}
}

func TestScheduleOnceEmitsThroughDispatcher(t *testing.T) {
	vt := transport.NewVirtual(64)
	c, _ := connectedCore(t, vt)

	c.SendOnce(frameWithData(0x321, []byte{0x01, 0x02}))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, f := range vt.WriteLog() {
			if f.ID == 0x321 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("scheduled frame never reached the transport")
}

func TestDisconnectStopsEndpointClients(t *testing.T) {
	vt := transport.NewVirtual(64)
	c, cancel := connectedCore(t, vt)
	defer cancel()

	if _, err := c.RegisterIsoTp(0x7E0, 0x7E8, false); err != nil {
		t.Fatalf("RegisterIsoTp: %v", err)
	}
	c.Disconnect()
	// A second Disconnect must not panic or deadlock.
	c.Disconnect()
}
