package supervisor

import (
	"net"
	"sync"
	"testing"
	"time"
)

type fakeResource struct {
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func newFakeResource() *fakeResource {
	return &fakeResource{done: make(chan struct{})}
}

func (f *fakeResource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.done) })
	return nil
}

func (f *fakeResource) Destroy() error { return f.Close() }
func (f *fakeResource) Done() <-chan struct{} { return f.done }

func (f *fakeResource) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestStopClosesRegisteredResources(t *testing.T) {
	s := New("test", nil)
	c := newFakeResource()
	d := newFakeResource()
	s.RegisterCloseable(c)
	s.RegisterDestroyable(d)

	s.Stop()

	if !c.wasClosed() {
		t.Fatal("closeable was not closed by Stop")
	}
	if !d.wasClosed() {
		t.Fatal("destroyable was not destroyed by Stop")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s := New("test", nil)
	s.Stop()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop() call did not return")
	}
}

func TestLateRegistrationAfterAbortIsDestroyedImmediately(t *testing.T) {
	s := New("test", nil)
	s.Stop()

	c := newFakeResource()
	s.RegisterCloseable(c)
	if !c.wasClosed() {
		t.Fatal("resource registered after abort was not closed immediately")
	}
}

func TestResetAllowsReuse(t *testing.T) {
	s := New("test", nil)
	s.SetState(StateListening)
	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("state = %v, want Stopped", s.State())
	}

	s.Reset()
	s.SetState(StateListening)
	if s.State() != StateListening {
		t.Fatalf("state after reset+SetState = %v, want Listening", s.State())
	}
	s.Stop()
}

func TestWaitUntilReturnsImmediatelyWhenAlreadyThere(t *testing.T) {
	s := New("test", nil)
	s.SetState(StateListening)
	done := make(chan struct{})
	go func() {
		s.WaitUntil(StateListening)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitUntil blocked on an already-reached state")
	}
}

func TestScheduleDroppedAfterAbort(t *testing.T) {
	s := New("test", nil)
	s.Stop()

	fired := false
	s.Schedule(time.Millisecond, func() { fired = true })
	time.Sleep(20 * time.Millisecond)
	if fired {
		t.Fatal("scheduled callback ran after supervisor was aborted")
	}
}

func TestWrapListenerClosesUnderlyingListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := New("test", nil)
	s.RegisterCloseable(WrapListener(ln))
	s.Stop()

	if _, err := net.Dial("tcp", ln.Addr().String()); err == nil {
		t.Fatal("listener still accepting connections after Stop")
	}
}
