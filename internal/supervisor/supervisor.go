// Package supervisor implements the resource-lifetime bookkeeping shared by
// both tunnel endpoints: a registry of closeable and destroyable resources,
// one-shot timers, and an observable connection state machine. Both
// ServerTunnel and ClientTunnel hold a Supervisor and drive its state from
// their own event handling; the Supervisor itself knows nothing about TLS,
// HTTP/2, or TCP.
package supervisor

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/h2xtunnel/h2xtunnel/internal/logging"
)

// State is the observable connection state of an endpoint.
type State int

const (
	StateStopped State = iota
	StateListening
	StateConnected
	StateStopping
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Resource is anything with a single terminal event. Done must be safe to
// call more than once and must return the same channel every time.
type Resource interface {
	Done() <-chan struct{}
}

// Closeable is released by a graceful close — listeners, HTTP/2 sessions.
type Closeable interface {
	Resource
	Close() error
}

// Destroyable is released by a forceful destroy — sockets, streams.
type Destroyable interface {
	Resource
	Destroy() error
}

// Supervisor is held by ServerTunnel and ClientTunnel. It owns the
// closeable/destroyable/timer registries and the observable state machine;
// callers serialize their own extra state (activeSession, activeStreams,
// streamCounter) by holding the Supervisor's lock via Lock/Unlock.
type Supervisor struct {
	mu   sync.Mutex
	cond *sync.Cond

	component string
	logger    *slog.Logger

	aborted bool
	state   State

	closeables   map[Closeable]struct{}
	destroyables map[Destroyable]struct{}
	timers       map[*timer]struct{}

	stopOnce sync.Once
	stopDone chan struct{}
}

// New creates a Supervisor. component is a short log prefix ("server",
// "client") and logger defaults to a discarding logger when nil.
func New(component string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Supervisor{
		component:    component,
		logger:       logger,
		state:        StateStopped,
		closeables:   make(map[Closeable]struct{}),
		destroyables: make(map[Destroyable]struct{}),
		timers:       make(map[*timer]struct{}),
		stopDone:     make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Lock/Unlock let ServerTunnel/ClientTunnel guard their own extra state
// (activeSession, activeStreams, streamCounter) with the same mutex the
// registries and state machine use, so mutation stays confined to one
// critical section per spec's single-task model.
func (s *Supervisor) Lock()   { s.mu.Lock() }
func (s *Supervisor) Unlock() { s.mu.Unlock() }

// Aborted reports the monotonic abort flag. Callers hold the lock already
// when they need a consistent read alongside their own state.
func (s *Supervisor) Aborted() bool { return s.aborted }

// SetState transitions the observable state machine and wakes any waiters.
// This is the single call site state changes flow through.
func (s *Supervisor) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == state {
		return
	}
	s.state = state
	s.logger.Info(state.String(), "component", s.component)
	s.cond.Broadcast()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitUntil blocks until the state equals target, returning immediately if
// it already does.
func (s *Supervisor) WaitUntil(target State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state != target {
		s.cond.Wait()
	}
}

// RegisterCloseable records r and arranges for its automatic removal when
// r.Done() fires. A late registration after Stop() has begun destroys r
// immediately instead of accepting it (invariant 4).
func (s *Supervisor) RegisterCloseable(r Closeable) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		_ = r.Close()
		return
	}
	s.closeables[r] = struct{}{}
	s.mu.Unlock()
	go s.awaitCloseable(r)
}

func (s *Supervisor) awaitCloseable(r Closeable) {
	<-r.Done()
	s.mu.Lock()
	delete(s.closeables, r)
	s.mu.Unlock()
}

// RegisterDestroyable records r and arranges for its automatic removal when
// r.Done() fires.
func (s *Supervisor) RegisterDestroyable(r Destroyable) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		_ = r.Destroy()
		return
	}
	s.destroyables[r] = struct{}{}
	s.mu.Unlock()
	go s.awaitDestroyable(r)
}

func (s *Supervisor) awaitDestroyable(r Destroyable) {
	<-r.Done()
	s.mu.Lock()
	delete(s.destroyables, r)
	s.mu.Unlock()
}

// Deregister removes r from whichever registry holds it without waiting for
// its terminal event, for a resource that is known to already be gone.
func (s *Supervisor) Deregister(r Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := r.(Closeable); ok {
		delete(s.closeables, c)
	}
	if d, ok := r.(Destroyable); ok {
		delete(s.destroyables, d)
	}
}

// timer wraps time.AfterFunc so Schedule can track and cancel it.
type timer struct {
	t *time.Timer
}

// Schedule enrolls a one-shot timer. The timer removes itself from the
// registry before invoking f, so f observing the registry sees a
// consistent picture. If the supervisor is already aborted, the
// scheduling request is silently dropped (invariant 4, and I7: no new
// reconnect dial while aborted).
func (s *Supervisor) Schedule(delay time.Duration, f func()) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	tm := &timer{}
	s.timers[tm] = struct{}{}
	s.mu.Unlock()

	tm.t = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, tm)
		s.mu.Unlock()
		f()
	})
}

// Stop sets aborted, cancels every pending timer, closes every closeable
// and destroys every destroyable, then awaits all of their terminal events
// before returning. It is idempotent: concurrent or subsequent calls block
// on (or instantly observe) the same underlying run.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.aborted = true
		s.mu.Unlock()
		s.SetState(StateStopping)

		s.mu.Lock()
		timers := make([]*timer, 0, len(s.timers))
		for t := range s.timers {
			timers = append(timers, t)
		}
		closeables := make([]Closeable, 0, len(s.closeables))
		for c := range s.closeables {
			closeables = append(closeables, c)
		}
		destroyables := make([]Destroyable, 0, len(s.destroyables))
		for d := range s.destroyables {
			destroyables = append(destroyables, d)
		}
		s.mu.Unlock()

		for _, t := range timers {
			t.t.Stop()
		}
		for _, c := range closeables {
			_ = c.Close()
		}
		for _, d := range destroyables {
			_ = d.Destroy()
		}
		for _, c := range closeables {
			<-c.Done()
		}
		for _, d := range destroyables {
			<-d.Done()
		}

		s.SetState(StateStopped)
		close(s.stopDone)
	})
	<-s.stopDone
}

// Reset clears aborted and stopOnce so the same Supervisor can be reused
// across a start/stop/start cycle (L1). Must only be called after Stop()
// has completed and while no goroutine still references the old cycle.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = false
	s.state = StateStopped
	s.stopOnce = sync.Once{}
	s.stopDone = make(chan struct{})
}

// ListenerResource adapts a net.Listener to Closeable so it can be
// registered directly with a Supervisor: listeners are graceful-close
// resources per the data model.
type ListenerResource struct {
	net.Listener
	closeOnce sync.Once
	done      chan struct{}
}

// WrapListener wraps ln for registration with RegisterCloseable.
func WrapListener(ln net.Listener) *ListenerResource {
	return &ListenerResource{Listener: ln, done: make(chan struct{})}
}

func (l *ListenerResource) Close() error {
	err := l.Listener.Close()
	l.closeOnce.Do(func() { close(l.done) })
	return err
}

func (l *ListenerResource) Done() <-chan struct{} { return l.done }

