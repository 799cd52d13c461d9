package bridge

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeStream is an in-memory transport.Stream backed by pipes, used to
// drive StreamBridge without a real HTTP/2 connection.
type fakeStream struct {
	r io.Reader
	w io.Writer

	mu       sync.Mutex
	closedW  bool
	resetErr error
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeStreamPair() (*fakeStream, *fakeStream) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	a := &fakeStream{r: br, w: aw, done: make(chan struct{})}
	b := &fakeStream{r: ar, w: bw, done: make(chan struct{})}
	return a, b
}

func (f *fakeStream) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeStream) Write(p []byte) (int, error) { return f.w.Write(p) }

func (f *fakeStream) CloseWrite() error {
	f.mu.Lock()
	f.closedW = true
	f.mu.Unlock()
	if pw, ok := f.w.(*io.PipeWriter); ok {
		return pw.Close()
	}
	return nil
}

func (f *fakeStream) Reset(err error) error {
	f.mu.Lock()
	f.resetErr = err
	f.mu.Unlock()
	if pw, ok := f.w.(*io.PipeWriter); ok {
		_ = pw.CloseWithError(err)
	}
	if pr, ok := f.r.(*io.PipeReader); ok {
		_ = pr.CloseWithError(err)
	}
	f.finish()
	return nil
}

func (f *fakeStream) finish() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeStream) Done() <-chan struct{} { return f.done }

func TestBridgeEchoesAndClosesCleanly(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	h2Near, h2Far := newFakeStreamPair()

	b := New(1, serverConn, h2Near, nil, nil)
	done := make(chan struct{})
	go func() {
		b.Run()
		close(done)
	}()

	// Simulate the origin side: echo whatever h2Far receives, then FIN.
	originDone := make(chan struct{})
	go func() {
		defer close(originDone)
		buf := make([]byte, 1024)
		n, err := h2Far.Read(buf)
		if n > 0 {
			_, _ = h2Far.Write(buf[:n])
		}
		_ = h2Far.CloseWrite()
		_ = err
	}()

	if _, err := clientConn.Write([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 1)
	n, err := io.ReadFull(clientConn, buf)
	if err != nil || n != 1 || buf[0] != 'a' {
		t.Fatalf("echo read = %q, err = %v", buf[:n], err)
	}
	<-originDone

	_ = clientConn.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not finish")
	}
}

// resetConn is a net.Conn whose Read fails with a non-EOF error, standing
// in for a TCP RST: net.Pipe's Close only ever surfaces as io.EOF to the
// peer, which can't exercise the reset path.
type resetConn struct {
	net.Conn
	err error
}

func (c *resetConn) Read([]byte) (int, error) { return 0, c.err }

func TestBridgeForwardsRSTAcrossTransports(t *testing.T) {
	_, tcpB := net.Pipe()
	tcp := &resetConn{Conn: tcpB, err: errConnReset}
	h2Near, h2Far := newFakeStreamPair()

	b := New(2, tcp, h2Near, nil, nil)
	done := make(chan struct{})
	go func() {
		b.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not finish after TCP-side error")
	}

	h2Near.mu.Lock()
	resetErr := h2Near.resetErr
	h2Near.mu.Unlock()
	if resetErr == nil {
		t.Fatal("h2 stream was not reset after local TCP read error")
	}

	buf := make([]byte, 1)
	if _, err := h2Far.Read(buf); err == nil {
		t.Fatal("far stream did not observe the reset")
	}
}

var errConnReset = fmt.Errorf("simulated connection reset")

func TestHalfCloseWriteFallsBackToCloseWithoutCloseWriter(t *testing.T) {
	var buf bytes.Buffer
	rc := &readWriteCloser{Buffer: &buf}
	halfCloseWrite(rc)
	if !rc.closed {
		t.Fatal("expected full Close when CloseWrite is unavailable")
	}
}

type readWriteCloser struct {
	*bytes.Buffer
	closed bool
}

func (r *readWriteCloser) Close() error { r.closed = true; return nil }
func (r *readWriteCloser) LocalAddr() net.Addr { return nil }
func (r *readWriteCloser) RemoteAddr() net.Addr { return nil }
func (r *readWriteCloser) SetDeadline(time.Time) error { return nil }
func (r *readWriteCloser) SetReadDeadline(time.Time) error { return nil }
func (r *readWriteCloser) SetWriteDeadline(time.Time) error { return nil }

var _ net.Conn = (*readWriteCloser)(nil)
