// Package uds implements a UDS (ISO 14229) client over an ISO-TP PDU
// transport: request serialization, negative-response handling including
// the 0x78 "response pending" retry loop, and session/security state.
package uds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diagcore/canscope/transport"
)

// Transport is the PDU-level contract this client needs from an ISO-TP
// endpoint. isotp.Endpoint satisfies it; tests may supply a fake.
type Transport interface {
	SendPDU(ctx context.Context, data []byte) error
	RecvPDU(ctx context.Context) ([]byte, error)
}

// DefaultTimeout and DefaultP2Ext match the spec's P2/P2_ext defaults.
const (
	DefaultTimeout = 1000 * time.Millisecond
	DefaultP2Ext   = 5000 * time.Millisecond
)

// DefaultTesterPresentInterval matches the spec's tester-present cadence.
const DefaultTesterPresentInterval = 2 * time.Second

// Request describes one outbound UDS exchange.
type Request struct {
	ServiceID   byte
	SubFunction *byte
	Payload     []byte
	Timeout     time.Duration
	P2Ext       time.Duration
}

// Response is a positive UDS response. Negative responses surface as a
// *NegativeError from Request instead of a Response.
type Response struct {
	ServiceID byte
	Payload   []byte
}

type requestJob struct {
	ctx    context.Context
	req    *Request
	result chan requestResult
}

type requestResult struct {
	resp *Response
	err  error
}

// Client serializes requests on one endpoint: only one request is ever
// outstanding at a time, queued FIFO and bounded per QueueDepth.
type Client struct {
	tp      Transport
	session *Session
	log     *slog.Logger

	reqQueue chan *requestJob

	testerPresentInterval time.Duration
	tpFailures            int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

func WithQueueDepth(n int) ClientOption {
	return func(c *Client) { c.reqQueue = make(chan *requestJob, n) }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithTesterPresentInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.testerPresentInterval = d }
}

// NewClient builds a Client bound to tp. Call Start to begin serving
// requests and running the tester-present keepalive.
func NewClient(tp Transport, opts ...ClientOption) *Client {
	c := &Client{
		tp:                     tp,
		session:                NewSession(),
		log:                    slog.Default(),
		reqQueue:               make(chan *requestJob, 32),
		testerPresentInterval:  DefaultTesterPresentInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the client's session/security state tracker.
func (c *Client) Session() *Session { return c.session }

// Start launches the request-serializing loop and the tester-present
// keepalive goroutine. It returns once both are running; Stop joins them.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.serveLoop(ctx) }()
	go func() { defer c.wg.Done(); c.testerPresentLoop(ctx) }()
}

// Stop cancels the serving/keepalive loops and waits for them to exit.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Client) serveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.reqQueue:
			resp, err := c.execute(job.ctx, job.req)
			job.result <- requestResult{resp, err}
		}
	}
}

// Request submits req and blocks for its result. A full queue rejects the
// request synchronously with ErrQueueFull.
func (c *Client) Request(ctx context.Context, req *Request) (*Response, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.P2Ext <= 0 {
		req.P2Ext = DefaultP2Ext
	}
	job := &requestJob{ctx: ctx, req: req, result: make(chan requestResult, 1)}
	select {
	case c.reqQueue <- job:
	default:
		return nil, ErrQueueFull
	}
	select {
	case res := <-job.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

func (c *Client) execute(ctx context.Context, req *Request) (*Response, error) {
	frameBytes := make([]byte, 0, 2+len(req.Payload))
	frameBytes = append(frameBytes, req.ServiceID)
	if req.SubFunction != nil {
		frameBytes = append(frameBytes, *req.SubFunction)
	}
	frameBytes = append(frameBytes, req.Payload...)

	if err := c.tp.SendPDU(ctx, frameBytes); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(req.Timeout)
	for {
		rctx, cancel := context.WithDeadline(ctx, deadline)
		pdu, err := c.tp.RecvPDU(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCancelled
			}
			if errors.Is(err, transport.ErrTransportDisconnected) {
				return nil, err
			}
			return nil, ErrTimeout
		}

		resp, extend, err := classify(req, pdu)
		if err != nil {
			return nil, err
		}
		if extend {
			deadline = time.Now().Add(req.P2Ext)
			continue
		}
		c.session.Touch()
		return resp, nil
	}
}

func classify(req *Request, pdu []byte) (*Response, bool, error) {
	if len(pdu) == 0 {
		return nil, false, ErrProtocolViolation
	}
	if pdu[0] == 0x7F {
		if len(pdu) < 3 {
			return nil, false, ErrProtocolViolation
		}
		nrc := pdu[2]
		if nrc == NRCResponsePending {
			return nil, true, nil
		}
		return nil, false, &NegativeError{ServiceID: pdu[1], NRC: nrc}
	}
	if pdu[0] != req.ServiceID+0x40 {
		return nil, false, ErrProtocolViolation
	}
	payload := pdu[1:]
	if req.SubFunction != nil && len(payload) > 0 {
		payload = payload[1:]
	}
	return &Response{ServiceID: pdu[0], Payload: payload}, false, nil
}

func (c *Client) testerPresentLoop(ctx context.Context) {
	ticker := time.NewTicker(c.testerPresentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.session.TesterPresentEnabled() {
				continue
			}
			if time.Since(c.session.LastActivity()) < c.testerPresentInterval {
				continue
			}
			c.sendTesterPresent(ctx)
		}
	}
}

func (c *Client) sendTesterPresent(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()
	err := c.tp.SendPDU(sctx, []byte{0x3E, 0x80})
	if err != nil {
		c.tpFailures++
		c.log.Warn("uds: tester present send failed", "err", err, "consecutiveFailures", c.tpFailures)
		if c.tpFailures >= 3 {
			c.log.Warn("uds: demoting to default session after repeated tester-present failures")
			c.session.SetSessionType(SessionDefault)
			c.tpFailures = 0
		}
		return
	}
	c.tpFailures = 0
}

// SessionControl requests session type t (service 0x10) and, on success,
// updates Session accordingly.
func (c *Client) SessionControl(ctx context.Context, t byte) (*Response, error) {
	resp, err := c.Request(ctx, &Request{ServiceID: 0x10, SubFunction: &t})
	if err != nil {
		return nil, err
	}
	c.session.SetSessionType(t)
	return resp, nil
}

// errSecurityCompute wraps a security.Engine computation failure so
// callers can tell it apart from a negative UDS response.
func errSecurityCompute(err error) error {
	return fmt.Errorf("%w: %v", ErrSecurityProviderFailure, err)
}
