// Package core bootstraps one bus session: it builds the transport, the
// dispatcher, the scheduler and a logger from a Config, and exposes the
// control surface a UI or CLI drives (connect, register a UDS endpoint,
// issue requests, arm security access, schedule traffic, subscribe to the
// live feed).
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/diagcore/canscope/decode"
	"github.com/diagcore/canscope/dispatcher"
	"github.com/diagcore/canscope/frame"
	"github.com/diagcore/canscope/isotp"
	"github.com/diagcore/canscope/logrecorder"
	"github.com/diagcore/canscope/scheduler"
	"github.com/diagcore/canscope/security"
	"github.com/diagcore/canscope/transport"
	"github.com/diagcore/canscope/uds"
)

// Endpoint bundles one registered ISO-TP address with the UDS client
// driving it, the pairing a caller actually wants after RegisterIsoTp.
type Endpoint struct {
	handle *dispatcher.EndpointHandle
	Client *uds.Client
}

// Core owns one bus session end to end: the transport, the single
// dispatcher reading it, the frame scheduler, the security engine, an
// optional decode database, and every registered UDS endpoint.
type Core struct {
	cfg     Config
	log     *slog.Logger
	logFile *logrecorder.RotatingWriter

	tp   transport.Adapter
	disp *dispatcher.Dispatcher
	sch  *scheduler.Scheduler
	sec  *security.Engine
	db   decode.Database

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	endpoints []*Endpoint
}

// New builds a Core from cfg but does not yet open the transport; call
// Connect to start receiving and processing traffic.
func New(cfg Config, opts ...Option) (*Core, error) {
	c := &Core{cfg: cfg, sec: security.NewEngine(), db: decode.Null{}}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		log, w, err := logrecorder.NewLogger(cfg.LogDir, cfg.LogPrefix, slog.LevelInfo)
		if err != nil {
			return nil, fmt.Errorf("core: building logger: %w", err)
		}
		c.log = log
		c.logFile = w
	}
	return c, nil
}

// Option configures a Core at construction time, ahead of Connect.
type Option func(*Core)

func WithLogger(log *slog.Logger) Option {
	return func(c *Core) { c.log = log }
}

func WithSecurityEngine(eng *security.Engine) Option {
	return func(c *Core) { c.sec = eng }
}

func WithDatabase(db decode.Database) Option {
	return func(c *Core) { c.db = db }
}

// WithTransport overrides the transport Connect would otherwise build
// from cfg.TransportKind. Tests use this to hand a pre-scripted
// transport.Virtual to a Core.
func WithTransport(tp transport.Adapter) Option {
	return func(c *Core) { c.tp = tp }
}

// buildTransport constructs the Adapter named by cfg.TransportKind.
// socketcan is only buildable on linux; newSocketCAN reports that on
// other platforms instead of failing to compile the whole package.
func buildTransport(cfg Config) (transport.Adapter, error) {
	switch cfg.TransportKind {
	case "", "virtual":
		return transport.NewVirtual(cfg.BroadcastBuffer), nil
	case "socketcan":
		return newSocketCAN(cfg)
	default:
		return nil, fmt.Errorf("core: unknown transport kind %q", cfg.TransportKind)
	}
}

// Connect opens the configured transport, starts the dispatcher's
// receive loop and the frame scheduler, and returns once both are
// running. ctx governs the session's lifetime; cancelling it (or calling
// Disconnect) tears everything down.
func (c *Core) Connect(ctx context.Context) error {
	if c.tp == nil {
		tp, err := buildTransport(c.cfg)
		if err != nil {
			return err
		}
		c.tp = tp
	}

	c.disp = dispatcher.New(c.tp,
		dispatcher.WithLogger(c.log),
		dispatcher.WithRingCapacity(c.cfg.RingCapacity),
		dispatcher.WithPollInterval(c.cfg.ReceivePollInterval),
	)
	c.sch = scheduler.New(c.disp, scheduler.WithLogger(c.log))

	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.cancel = cancel

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.disp.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.sch.Run(runCtx) }()

	for !c.disp.Running() {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	c.log.Info("core: connected", "transport", c.cfg.TransportKind)
	return nil
}

// Disconnect stops the dispatcher and scheduler, closes every registered
// UDS client and endpoint, and shuts the transport down. Idempotent.
func (c *Core) Disconnect() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	endpoints := c.endpoints
	c.endpoints = nil
	c.mu.Unlock()
	for _, ep := range endpoints {
		ep.Client.Stop()
	}
	c.wg.Wait()
	if c.tp != nil {
		c.tp.Shutdown()
	}
	if c.logFile != nil {
		c.logFile.Close()
	}
}

// isoTpConfig derives a per-endpoint isotp.Config from the core's
// defaults, applying fd as the only per-endpoint override RegisterIsoTp
// takes today.
func (c *Core) isoTpConfig(fd bool) isotp.Config {
	return isotp.Config{
		PaddingByte: c.cfg.DefaultPadding,
		BlockSize:   c.cfg.DefaultBS,
		STmin:       c.cfg.DefaultSTmin,
		NCr:         c.cfg.DefaultNCr,
		NBs:         c.cfg.DefaultNBs,
		WftMax:      8,
		FD:          fd,
		InboxDepth:  c.cfg.EndpointInbox,
	}
}

// RegisterIsoTp binds a tx/rx CAN id pair to a new ISO-TP endpoint, wires
// a UDS client on top of it, and starts both. The returned Endpoint's
// Client is ready to use immediately.
func (c *Core) RegisterIsoTp(txID, rxID uint32, fd bool) (*Endpoint, error) {
	if c.disp == nil {
		return nil, fmt.Errorf("core: not connected")
	}
	handle, err := c.disp.Register(txID, rxID, c.isoTpConfig(fd))
	if err != nil {
		return nil, err
	}
	client := uds.NewClient(handle.Endpoint(),
		uds.WithLogger(c.log),
		uds.WithQueueDepth(c.cfg.RequestQueue),
		uds.WithTesterPresentInterval(c.cfg.TesterPresentInterval),
	)
	client.Start(c.runCtx)

	ep := &Endpoint{handle: handle, Client: client}
	c.mu.Lock()
	c.endpoints = append(c.endpoints, ep)
	c.mu.Unlock()
	return ep, nil
}

// UnregisterIsoTp stops ep's UDS client and ISO-TP endpoint and removes
// it from the dispatcher's rx routing table.
func (c *Core) UnregisterIsoTp(ep *Endpoint) error {
	ep.Client.Stop()
	c.mu.Lock()
	for i, e := range c.endpoints {
		if e == ep {
			c.endpoints = append(c.endpoints[:i], c.endpoints[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	return c.disp.Unregister(ep.handle)
}

// UdsRequest is a convenience pass-through to ep.Client.Request, kept so
// callers holding only a Core (not the Endpoint) can still drive one
// well-known endpoint without reaching into the endpoint slice.
func (c *Core) UdsRequest(ctx context.Context, ep *Endpoint, req *uds.Request) (*uds.Response, error) {
	return ep.Client.Request(ctx, req)
}

// SecurityAccess drives the seed/key handshake on ep using the core's
// shared security engine and a built-in algorithm.
func (c *Core) SecurityAccess(ctx context.Context, ep *Endpoint, level byte, algo security.Algorithm) (*uds.Response, error) {
	return ep.Client.SecurityAccess(ctx, c.sec, level, algo)
}

// SecurityAccessExternal drives the same handshake through an opaque
// security.Provider instead of a built-in algorithm.
func (c *Core) SecurityAccessExternal(ctx context.Context, ep *Endpoint, level byte, provider security.Provider) (*uds.Response, error) {
	return ep.Client.SecurityAccessExternal(ctx, c.sec, level, provider)
}

// SendOnce, SendBurst and SendPeriodic expose the scheduler directly;
// the core adds nothing beyond routing the send through its own
// dispatcher.
func (c *Core) SendOnce(f frame.CanFrame) scheduler.JobID { return c.sch.SendOnce(f) }

func (c *Core) SendBurst(f frame.CanFrame, count int, gap time.Duration) scheduler.JobID {
	return c.sch.SendBurst(f, count, gap)
}

func (c *Core) SendPeriodic(f frame.CanFrame, period time.Duration, count int) (scheduler.JobID, error) {
	return c.sch.SendPeriodic(f, period, count)
}

func (c *Core) CancelSend(id scheduler.JobID) { c.sch.Cancel(id) }

// Subscribe exposes the dispatcher's broadcast feed, for a table view or
// a trace log that wants every frame as it arrives.
func (c *Core) Subscribe(filter dispatcher.FrameFilter, buffer int) (<-chan frame.CanFrame, func()) {
	return c.disp.Subscribe(filter, buffer)
}

// SubscribeEndpointState exposes the dispatcher's endpoint lifecycle
// feed, for a status panel that tracks registration, transport-driven
// aborts and unregistration without polling each endpoint.
func (c *Core) SubscribeEndpointState(buffer int) (<-chan dispatcher.EndpointStateEvent, func()) {
	return c.disp.SubscribeEndpointState(buffer)
}

// Ring returns the dispatcher's retained-frame buffer.
func (c *Core) Ring() *frame.Ring { return c.disp.Ring() }

// Stats returns the dispatcher's live back-pressure counters.
func (c *Core) Stats() dispatcher.Stats { return c.disp.Stats() }

// Decode resolves f's signals through the core's attached database.
func (c *Core) Decode(f frame.CanFrame) (map[string]float64, bool) { return c.db.Decode(f) }

// Encode resolves a named message's signals into a frame through the
// core's attached database.
func (c *Core) Encode(name string, signals map[string]float64) (uint32, bool, []byte, error) {
	return c.db.Encode(name, signals)
}

// Logger returns the core's structured logger, for callers that want to
// attach their own log lines to the same sink.
func (c *Core) Logger() *slog.Logger { return c.log }
