package uds

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/diagcore/canscope/security"
	"github.com/diagcore/canscope/transport"
)

// fakeTransport is a minimal Transport: Send records the PDU it was
// given and RecvPDU plays back a scripted queue of responses (or blocks
// until one is pushed).
type fakeTransport struct {
	sent chan []byte
	recv chan []byte
	disc chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan []byte, 8), recv: make(chan []byte, 8), disc: make(chan struct{})}
}

func (f *fakeTransport) SendPDU(ctx context.Context, data []byte) error {
	select {
	case f.sent <- append([]byte(nil), data...):
	default:
	}
	return nil
}

func (f *fakeTransport) RecvPDU(ctx context.Context) ([]byte, error) {
	select {
	case pdu := <-f.recv:
		return pdu, nil
	case <-f.disc:
		return nil, transport.ErrTransportDisconnected
	case <-ctx.Done():
		return nil, context.DeadlineExceeded
	}
}

// disconnect simulates the endpoint beneath this client surfacing a
// transport disconnect instead of a response.
func (f *fakeTransport) disconnect() { close(f.disc) }

func (f *fakeTransport) push(pdu []byte) { f.recv <- pdu }

func newTestClient(tp Transport) *Client {
	c := NewClient(tp, WithTesterPresentInterval(time.Hour))
	ctx := context.Background()
	c.Start(ctx)
	return c
}

func TestSessionControlPositive(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()

	tp.push([]byte{0x50, 0x03})
	resp, err := c.SessionControl(context.Background(), SessionExtended)
	if err != nil {
		t.Fatalf("SessionControl: %v", err)
	}
	if resp.ServiceID != 0x50 {
		t.Fatalf("serviceID = %#x", resp.ServiceID)
	}
	if c.Session().SessionType() != SessionExtended {
		t.Fatalf("session type = %#x, want extended", c.Session().SessionType())
	}
}

func TestDefaultSessionClearsSecurity(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()

	c.Session().SetSecurityLevel(3)
	tp.push([]byte{0x50, 0x01})
	if _, err := c.SessionControl(context.Background(), SessionDefault); err != nil {
		t.Fatal(err)
	}
	if c.Session().SecurityLevel() != 0 {
		t.Fatalf("security level = %d, want 0 after entering default session", c.Session().SecurityLevel())
	}
}

func TestNegativeResponseSurfaces(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()

	tp.push([]byte{0x7F, 0x22, NRCRequestOutOfRange})
	_, err := c.ReadDID(context.Background(), 0xF190)
	var neg *NegativeError
	if !errors.As(err, &neg) {
		t.Fatalf("err = %v, want *NegativeError", err)
	}
	if neg.NRC != NRCRequestOutOfRange {
		t.Fatalf("nrc = %#x", neg.NRC)
	}
}

func TestResponsePendingRetries(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()

	tp.push([]byte{0x7F, 0x31, NRCResponsePending})
	go func() {
		time.Sleep(100 * time.Millisecond)
		tp.push([]byte{0x71, 0x01, 0xF0, 0x00, 0x00})
	}()

	ctype := byte(0x01)
	resp, err := c.Request(context.Background(), &Request{
		ServiceID:   0x31,
		SubFunction: &ctype,
		Payload:     []byte{0xF0, 0x00},
		Timeout:     200 * time.Millisecond,
		P2Ext:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if resp.ServiceID != 0x71 {
		t.Fatalf("serviceID = %#x", resp.ServiceID)
	}
}

func TestSecurityAccessXOR(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()
	engine := security.NewEngine()

	tp.push([]byte{0x67, 0x01, 0x12, 0x34, 0x56, 0x78})
	go func() {
		sent := <-tp.sent // seed request
		_ = sent
		keyReq := <-tp.sent
		if !bytes.Equal(keyReq, []byte{0x27, 0x02, 0x26, 0x26, 0x62, 0x6A}) {
			t.Errorf("key request = % x", keyReq)
			return
		}
		tp.push([]byte{0x67, 0x02})
	}()

	_, err := c.SecurityAccess(context.Background(), engine, 0x01, security.XOR)
	if err != nil {
		t.Fatalf("SecurityAccess: %v", err)
	}
	if c.Session().SecurityLevel() != 1 {
		t.Fatalf("security level = %d, want 1", c.Session().SecurityLevel())
	}
}

func TestSecurityAccessAllZeroSeedSkipsKey(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()
	engine := security.NewEngine()

	tp.push([]byte{0x67, 0x01, 0x00, 0x00, 0x00, 0x00})
	_, err := c.SecurityAccess(context.Background(), engine, 0x01, security.XOR)
	if err != nil {
		t.Fatalf("SecurityAccess: %v", err)
	}
	if c.Session().SecurityLevel() != 1 {
		t.Fatalf("security level = %d, want 1", c.Session().SecurityLevel())
	}
	if len(tp.sent) != 1 {
		t.Fatalf("expected only the seed request to be sent, got %d sends", len(tp.sent))
	}
}

func TestTransportDisconnectSurfacesDuringRequest(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()

	go func() {
		time.Sleep(20 * time.Millisecond)
		tp.disconnect()
	}()

	_, err := c.Request(context.Background(), &Request{
		ServiceID: 0x22,
		Payload:   []byte{0xF1, 0x90},
		Timeout:   time.Second,
	})
	if !errors.Is(err, transport.ErrTransportDisconnected) {
		t.Fatalf("err = %v, want ErrTransportDisconnected", err)
	}
}

func TestTimeoutSurfacesWithoutResponse(t *testing.T) {
	tp := newFakeTransport()
	c := newTestClient(tp)
	defer c.Stop()

	_, err := c.Request(context.Background(), &Request{ServiceID: 0x22, Payload: []byte{0xF1, 0x90}, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
