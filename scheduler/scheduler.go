// Package scheduler drives single-shot, burst, and periodic CAN frame
// transmissions against a transport.Adapter, backed by a deadline
// min-heap and a single timer goroutine.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/diagcore/canscope/frame"
	"github.com/diagcore/canscope/transport"
)

// Sender is the minimal transport contract the scheduler needs to emit
// frames. transport.Adapter satisfies it.
type Sender interface {
	Send(f frame.CanFrame) error
}

// MinResolution is the shortest period SendPeriodic accepts.
const MinResolution = time.Millisecond

// JobID identifies a scheduled job for Cancel.
type JobID uint64

type job struct {
	id        JobID
	f         frame.CanFrame
	period    time.Duration
	remain    int // remaining sends; -1 means unbounded
	deadline  time.Time
	seq       uint64 // insertion order, for heap tie-break
	cancelled bool
}

// jobHeap orders jobs by deadline, then by insertion sequence.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler owns one timer goroutine and a heap of pending jobs.
type Scheduler struct {
	sender Sender
	log    *slog.Logger

	mu      sync.Mutex
	heap    jobHeap
	jobs    map[JobID]*job
	nextID  JobID
	nextSeq uint64

	wake chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New builds a Scheduler that sends through sender. Call Run to start
// its timer loop.
func New(sender Sender, opts ...Option) *Scheduler {
	s := &Scheduler{
		sender: sender,
		log:    slog.Default(),
		jobs:   make(map[JobID]*job),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the timer loop; it returns once the loop has exited
// (ctx cancelled or Shutdown called).
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)
	s.loop(ctx)
}

// Shutdown stops the timer loop and waits for it to exit. Idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		s.mu.Lock()
		var next time.Duration
		if len(s.heap) == 0 {
			next = time.Hour
		} else {
			next = time.Until(s.heap[0].deadline)
			if next < 0 {
				next = 0
			}
		}
		s.mu.Unlock()
		timer.Reset(next)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.fireDue()
		case <-s.wake:
			// heap changed; loop re-evaluates next deadline.
		}
	}
}

func (s *Scheduler) fireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(now) {
			s.mu.Unlock()
			return
		}
		j := heap.Pop(&s.heap).(*job)
		s.mu.Unlock()

		if j.cancelled {
			continue
		}

		sendErr := s.sender.Send(j.f)
		if sendErr != nil {
			s.log.Warn("scheduler: send failed", "jobID", j.id, "err", sendErr)
		}

		s.mu.Lock()
		if j.cancelled || errors.Is(sendErr, transport.ErrTransportDisconnected) {
			// A disconnected transport never recovers on its own; per
			// the cancel-on-disconnect decision, drop the job instead
			// of retrying it forever against a dead transport.
			j.cancelled = true
			delete(s.jobs, j.id)
			s.mu.Unlock()
			continue
		}
		if j.remain > 0 {
			j.remain--
			if j.remain == 0 {
				delete(s.jobs, j.id)
				s.mu.Unlock()
				continue
			}
		}
		j.deadline = j.deadline.Add(j.period)
		heap.Push(&s.heap, j)
		s.mu.Unlock()
	}
}

func (s *Scheduler) schedule(f frame.CanFrame, delay, period time.Duration, remain int) JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.nextSeq++
	j := &job{
		id:       id,
		f:        f,
		period:   period,
		remain:   remain,
		deadline: time.Now().Add(delay),
		seq:      s.nextSeq,
	}
	s.jobs[id] = j
	heap.Push(&s.heap, j)
	s.nudge()
	return id
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SendOnce emits f as soon as the timer loop next runs.
func (s *Scheduler) SendOnce(f frame.CanFrame) JobID {
	return s.schedule(f, 0, 0, 1)
}

// SendBurst emits f count times, gap apart, starting immediately.
func (s *Scheduler) SendBurst(f frame.CanFrame, count int, gap time.Duration) JobID {
	if count < 1 {
		count = 1
	}
	return s.schedule(f, 0, gap, count)
}

// ErrInvalidPeriod reports a SendPeriodic call with a period below
// MinResolution; zero would fire immediately and forever, which is never
// what a caller wants.
var ErrInvalidPeriod = errors.New("scheduler: period must be >= 1ms")

// SendPeriodic emits f every period. count <= 0 means unbounded; stop
// with Cancel. A period below MinResolution is rejected.
func (s *Scheduler) SendPeriodic(f frame.CanFrame, period time.Duration, count int) (JobID, error) {
	if period < MinResolution {
		return 0, ErrInvalidPeriod
	}
	if count <= 0 {
		count = -1
	}
	return s.schedule(f, period, period, count), nil
}

// Cancel stops job id. Idempotent: cancelling an unknown or already
// finished job is a no-op. Takes effect before the job's next send.
func (s *Scheduler) Cancel(id JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	j.cancelled = true
	delete(s.jobs, id)
}
