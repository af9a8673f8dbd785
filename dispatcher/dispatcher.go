// Package dispatcher owns the single goroutine allowed to call a
// transport.Adapter's blocking Recv and fans each frame out to a ring
// buffer, any number of broadcast observers, and the inbox of whichever
// ISO-TP endpoint is registered for that frame's arbitration id.
//
// The single-reader, filtered-subscriber shape here is grounded in the
// pack's canbus.Mux: one background goroutine reads the bus and publishes
// to subscriber channels non-blockingly, so a slow observer drops frames
// instead of stalling the reader.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diagcore/canscope/frame"
	"github.com/diagcore/canscope/isotp"
	"github.com/diagcore/canscope/transport"
)

// DefaultReceivePollInterval bounds how long each Transport.Recv call
// blocks before the receive loop re-checks for shutdown. Retained from
// the source tool's fixed 100ms poll, per SPEC_FULL's open question.
const DefaultReceivePollInterval = 100 * time.Millisecond

// DefaultBroadcastBuffer is a subscriber channel's default depth.
const DefaultBroadcastBuffer = 256

// ErrAlreadyRunning/ErrNotRunning guard the Dispatcher's single Run call.
var (
	ErrAlreadyRunning  = fmt.Errorf("dispatcher: already running")
	ErrNotRunning      = fmt.Errorf("dispatcher: not running")
	ErrDuplicateRxID   = fmt.Errorf("dispatcher: rx id already registered")
	ErrUnknownEndpoint = fmt.Errorf("dispatcher: unknown endpoint handle")
)

// FrameFilter decides whether a frame should reach a given subscriber.
// A nil filter matches everything.
type FrameFilter func(frame.CanFrame) bool

type subscriber struct {
	filter FrameFilter
	ch     chan frame.CanFrame
}

// EndpointState is a registered ISO-TP endpoint's coarse lifecycle, for
// observers (a status panel, a reconnect policy) that want to track
// endpoints without polling.
type EndpointState int

const (
	EndpointRegistered EndpointState = iota
	EndpointAborted
	EndpointUnregistered
)

func (s EndpointState) String() string {
	switch s {
	case EndpointAborted:
		return "Aborted"
	case EndpointUnregistered:
		return "Unregistered"
	default:
		return "Registered"
	}
}

// EndpointStateEvent is published on every registration, transport-driven
// abort and unregistration of an ISO-TP endpoint.
type EndpointStateEvent struct {
	RxID  uint32
	State EndpointState
}

type stateSubscriber struct {
	ch chan EndpointStateEvent
}

// EndpointHandle names one registered ISO-TP endpoint for Unregister.
type EndpointHandle struct {
	rxID uint32
	ep   *isotp.Endpoint
}

// Endpoint returns the underlying isotp.Endpoint, for driving UDS traffic
// through it.
func (h *EndpointHandle) Endpoint() *isotp.Endpoint { return h.ep }

// Stats reports the dispatcher's live back-pressure counters.
type Stats struct {
	FramesReceived   int64
	ObserverDrops    int64
	EndpointOverruns int64
}

// Dispatcher is the core's C2 component: it owns the transport for
// receiving (no other caller may invoke its Recv), retains recent traffic
// in a frame.Ring, and demultiplexes into broadcast subscribers and
// per-endpoint ISO-TP inboxes.
type Dispatcher struct {
	tp   transport.Adapter // private: never handed back to callers
	ring *frame.Ring
	log  *slog.Logger

	pollInterval time.Duration

	mu             sync.RWMutex
	endpoints      map[uint32]*isotp.Endpoint
	nextSubID      uint64
	subs           map[uint64]*subscriber
	nextStateSubID uint64
	stateSubs      map[uint64]*stateSubscriber

	framesReceived atomic.Int64
	observerDrops  atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	epWG      sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	running   atomic.Bool
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

func WithRingCapacity(n int) Option {
	return func(d *Dispatcher) { d.ring = frame.NewRing(n) }
}

func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.pollInterval = d
		}
	}
}

// New takes ownership of tp. Per the spec's single-receive-source
// discipline, tp must not be used by any other caller after this point.
func New(tp transport.Adapter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tp:           tp,
		ring:         frame.NewRing(frame.DefaultRingCapacity),
		log:          slog.Default(),
		pollInterval: DefaultReceivePollInterval,
		endpoints:    make(map[uint32]*isotp.Endpoint),
		subs:         make(map[uint64]*subscriber),
		stateSubs:    make(map[uint64]*stateSubscriber),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ring exposes the retained-frame buffer for observers that want a
// snapshot in addition to the live broadcast (e.g. a table view backfill).
func (d *Dispatcher) Ring() *frame.Ring { return d.ring }

// Running reports whether Run has been called; it stays true after Run
// returns. Callers
// that start Run in a background goroutine use this to wait for the
// receive loop (and therefore RegisterAddress) to become usable.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Stats returns a snapshot of the dispatcher's counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		FramesReceived:   d.framesReceived.Load(),
		ObserverDrops:    d.observerDrops.Load(),
		EndpointOverruns: int64(d.EndpointOverrunCount()),
	}
}

// Run starts the single receive loop and blocks until ctx is cancelled,
// Shutdown is called, or the transport reports a disconnect (which Run
// then returns). It must be called exactly once; call it from its own
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.runCtx = ctx
	d.runCancel = cancel
	d.mu.Unlock()

	disconnectErr := d.receiveLoop(ctx)

	type entry struct {
		rxID uint32
		ep   *isotp.Endpoint
	}
	d.mu.RLock()
	entries := make([]entry, 0, len(d.endpoints))
	for rxID, ep := range d.endpoints {
		entries = append(entries, entry{rxID, ep})
	}
	d.mu.RUnlock()
	for _, e := range entries {
		if disconnectErr != nil {
			e.ep.Abort(disconnectErr)
			d.publishEndpointState(e.rxID, EndpointAborted)
		} else {
			e.ep.Close()
		}
	}
	d.epWG.Wait()
	d.closeSubscribers()
	return disconnectErr
}

// Shutdown cancels the receive loop and returns without waiting for Run,
// or the endpoint goroutines it started, to exit. Idempotent.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.RLock()
		cancel := d.runCancel
		d.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
	})
}

// receiveLoop runs until ctx is cancelled (returning nil) or the
// transport itself reports a disconnect (returning that error, so Run
// can abort every registered endpoint with the reason instead of a bare
// cancel).
func (d *Dispatcher) receiveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rctx, cancel := context.WithTimeout(ctx, d.pollInterval)
		f, err := d.tp.Recv(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == transport.ErrTransportTimeout || err == context.DeadlineExceeded {
				continue
			}
			d.log.Warn("dispatcher: transport disconnected, stopping receive loop", "err", err)
			return err
		}
		d.onFrame(f)
	}
}

func (d *Dispatcher) onFrame(f frame.CanFrame) {
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().UnixMicro()
	}
	d.framesReceived.Add(1)
	d.ring.Push(f)
	d.publish(f)

	d.mu.RLock()
	ep, ok := d.endpoints[f.ID]
	d.mu.RUnlock()
	if ok {
		ep.Deliver(f)
	}
}

func (d *Dispatcher) publish(f frame.CanFrame) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.subs {
		if s.filter != nil && !s.filter(f) {
			continue
		}
		select {
		case s.ch <- f:
		default:
			d.observerDrops.Add(1)
		}
	}
}

// Subscribe registers an observer that receives every frame matching
// filter (nil matches all) as it is received. The returned cancel func
// closes the channel and must be called when the observer is done;
// subscribing never blocks or slows the receive loop, and a slow reader
// simply misses frames (see Stats().ObserverDrops).
func (d *Dispatcher) Subscribe(filter FrameFilter, buffer int) (<-chan frame.CanFrame, func()) {
	if buffer <= 0 {
		buffer = DefaultBroadcastBuffer
	}
	s := &subscriber{filter: filter, ch: make(chan frame.CanFrame, buffer)}
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs[id] = s
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if cur, ok := d.subs[id]; ok && cur == s {
			delete(d.subs, id)
			close(cur.ch)
		}
		d.mu.Unlock()
	}
	return s.ch, cancel
}

func (d *Dispatcher) closeSubscribers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.subs {
		close(s.ch)
		delete(d.subs, id)
	}
	for id, s := range d.stateSubs {
		close(s.ch)
		delete(d.stateSubs, id)
	}
}

// SubscribeEndpointState registers an observer that receives an
// EndpointStateEvent whenever a registered ISO-TP endpoint is registered,
// aborted by a transport disconnect, or unregistered. Like Subscribe,
// this never blocks the receive loop; a slow reader simply misses events.
func (d *Dispatcher) SubscribeEndpointState(buffer int) (<-chan EndpointStateEvent, func()) {
	if buffer <= 0 {
		buffer = DefaultBroadcastBuffer
	}
	s := &stateSubscriber{ch: make(chan EndpointStateEvent, buffer)}
	d.mu.Lock()
	id := d.nextStateSubID
	d.nextStateSubID++
	d.stateSubs[id] = s
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		if cur, ok := d.stateSubs[id]; ok && cur == s {
			delete(d.stateSubs, id)
			close(cur.ch)
		}
		d.mu.Unlock()
	}
	return s.ch, cancel
}

func (d *Dispatcher) publishEndpointState(rxID uint32, state EndpointState) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ev := EndpointStateEvent{RxID: rxID, State: state}
	for _, s := range d.stateSubs {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Send hands f to the owned transport for transmission. It exists so
// C4/C6 can emit frames without holding their own reference to the
// transport, preserving the single-owner invariant.
func (d *Dispatcher) Send(f frame.CanFrame) error {
	return d.tp.Send(f)
}

// RegisterAddress binds addr (with the given ISO-TP config) to a new
// endpoint keyed by addr's physical rx arbitration id, and starts the
// endpoint's Run loop. The rx_id -> endpoint mapping is enforced
// injective: registering an id twice fails with ErrDuplicateRxID.
func (d *Dispatcher) RegisterAddress(addr *isotp.Address, cfg isotp.Config) (*EndpointHandle, error) {
	d.mu.RLock()
	ctx := d.runCtx
	d.mu.RUnlock()
	if ctx == nil {
		return nil, ErrNotRunning
	}

	key := addr.GetRxArbitrationID(isotp.Physical)
	d.mu.Lock()
	if _, exists := d.endpoints[key]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %#x", ErrDuplicateRxID, key)
	}
	ep := isotp.NewEndpoint(addr, cfg, d.Send, d.log)
	d.endpoints[key] = ep
	d.mu.Unlock()

	d.epWG.Add(1)
	go func() {
		defer d.epWG.Done()
		ep.Run(ctx)
	}()
	d.publishEndpointState(key, EndpointRegistered)

	return &EndpointHandle{rxID: key, ep: ep}, nil
}

// Register is the common-case helper over RegisterAddress for Normal
// 11-bit addressing, the pairing used throughout UDS-on-CAN.
func (d *Dispatcher) Register(txID, rxID uint32, cfg isotp.Config) (*EndpointHandle, error) {
	addr := isotp.NewAddress(isotp.Normal11Bit, isotp.WithTxID(txID), isotp.WithRxID(rxID))
	return d.RegisterAddress(addr, cfg)
}

// Unregister stops handle's endpoint and removes it from the rx_id map.
func (d *Dispatcher) Unregister(handle *EndpointHandle) error {
	if handle == nil {
		return ErrUnknownEndpoint
	}
	d.mu.Lock()
	cur, ok := d.endpoints[handle.rxID]
	if !ok || cur != handle.ep {
		d.mu.Unlock()
		return ErrUnknownEndpoint
	}
	delete(d.endpoints, handle.rxID)
	d.mu.Unlock()

	handle.ep.Close()
	d.publishEndpointState(handle.rxID, EndpointUnregistered)
	return nil
}

// EndpointOverrunCount sums the per-endpoint inbox overrun counters
// across every endpoint ever registered that is still live.
func (d *Dispatcher) EndpointOverrunCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, ep := range d.endpoints {
		total += ep.OverrunCount()
	}
	return total
}
