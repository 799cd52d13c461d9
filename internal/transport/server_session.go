package transport

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/h2xtunnel/h2xtunnel/internal/recovery"
)

// ServerSession runs the HTTP/2 server role over an already-dialed,
// already-authenticated tunnel socket. This is the role ClientTunnel
// plays: the process that dialed the mTLS connection accepts HTTP/2
// streams as incoming requests, one per forwarded TCP connection the peer
// opens.
type ServerSession struct {
	conn *IdleConn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServerSession attaches the HTTP/2 server role to conn, invoking
// onStream for every stream the peer opens. ServeConn runs in its own
// goroutine and blocks until the session ends (cleanly or by I/O error);
// Done() reports that. logger may be nil, in which case panics inside
// onStream are still recovered but not logged.
func NewServerSession(conn *IdleConn, keepalive time.Duration, onStream func(Stream), logger *slog.Logger) *ServerSession {
	s := &ServerSession{conn: conn, closed: make(chan struct{})}
	go s.watch()

	h2s := &http2.Server{
		ReadIdleTimeout: keepalive,
		PingTimeout:     keepalive,
	}
	go func() {
		h2s.ServeConn(conn, &http2.ServeConnOpts{
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				st := newServerStream(w, r)
				runOnStream(logger, onStream, st)
				<-st.finishReady
				if st.resetErr() != nil {
					panic(http.ErrAbortHandler)
				}
			}),
		})
		s.closeOnce.Do(func() { close(s.closed) })
	}()
	return s
}

// runOnStream invokes onStream, folding a panic inside it into a stream
// reset rather than letting it propagate out of the handler and abort the
// whole ServeConn call, which would take down every other multiplexed
// stream along with it.
func runOnStream(logger *slog.Logger, onStream func(Stream), st *serverStream) {
	defer recovery.RecoverWithCallback(logger, "transport.onStream", func(recovered interface{}) {
		_ = st.Reset(fmt.Errorf("panic in stream handler: %v", recovered))
	})
	onStream(st)
}

func (s *ServerSession) watch() {
	<-s.conn.Died()
	s.closeOnce.Do(func() { close(s.closed) })
}

// Close closes the underlying socket, which makes ServeConn return and
// tears down every in-flight stream.
func (s *ServerSession) Close() error { return s.conn.Close() }

// Destroy is the same as Close: the server role has no separate graceful
// drain primitive exposed by the library beyond closing the connection.
func (s *ServerSession) Destroy() error { return s.conn.Close() }

// Done fires once ServeConn has returned or the underlying socket has died,
// whichever comes first.
func (s *ServerSession) Done() <-chan struct{} { return s.closed }

// serverStream is the HTTP/2-server-role side of a forwarded connection.
// Go's net/http handler model ties "end of response" to the handler
// function returning, so CloseWrite here only finalizes immediately when
// the read direction has already settled; otherwise it defers until Read
// also reaches its own end, at which point both directions close
// together. Every literal ordering in the wire protocol's test scenarios
// has the read direction finish first (request FIN, then reply, then
// reply FIN), so this never shows up as added latency in practice.
type serverStream struct {
	w http.ResponseWriter
	r *http.Request
	f http.Flusher

	mu          sync.Mutex
	readDone    bool
	writeClosed bool
	resetCause  error

	finishOnce  sync.Once
	finishReady chan struct{}
}

func newServerStream(w http.ResponseWriter, r *http.Request) *serverStream {
	f, _ := w.(http.Flusher)
	ss := &serverStream{
		w:           w,
		r:           r,
		f:           f,
		finishReady: make(chan struct{}),
	}
	// The request context ends when the peer resets the stream or the
	// whole session dies; without this, a handler blocked on finishReady
	// for a stream nobody locally reset or closed would never return.
	go func() {
		<-r.Context().Done()
		ss.mu.Lock()
		if ss.resetCause == nil {
			ss.resetCause = r.Context().Err()
		}
		ss.mu.Unlock()
		ss.finish()
	}()
	return ss
}

// Read receives bytes sent by the peer as the request body.
func (ss *serverStream) Read(p []byte) (int, error) {
	n, err := ss.r.Body.Read(p)
	if err != nil {
		ss.mu.Lock()
		ss.readDone = true
		settled := ss.readDone && ss.writeClosed
		ss.mu.Unlock()
		if settled {
			ss.finish()
		}
	}
	return n, err
}

// Write sends bytes toward the peer as response body data, flushing
// immediately so each chunk becomes its own DATA frame rather than
// buffering behind Go's default response buffering.
func (ss *serverStream) Write(p []byte) (int, error) {
	n, err := ss.w.Write(p)
	if err == nil && ss.f != nil {
		ss.f.Flush()
	}
	return n, err
}

// CloseWrite signals that no more response bytes are coming. See the type
// doc for why this can't always send END_STREAM immediately.
// CloseWrite only finalizes here when readDone is already true. If the
// origin FINs before the browser does, the browser side won't observe that
// FIN until its own read direction also ends — END_STREAM on the response
// is tied to the handler returning, and net/http exposes no way to emit it
// early while the handler keeps draining the request body.
func (ss *serverStream) CloseWrite() error {
	ss.mu.Lock()
	ss.writeClosed = true
	settled := ss.readDone && ss.writeClosed
	ss.mu.Unlock()
	if settled {
		ss.finish()
	}
	return nil
}

// Reset aborts the stream in both directions; the handler goroutine
// panics with http.ErrAbortHandler, which the HTTP/2 server turns into
// RST_STREAM instead of a clean END_STREAM.
func (ss *serverStream) Reset(err error) error {
	if err == nil {
		err = fmt.Errorf("stream reset")
	}
	ss.mu.Lock()
	ss.resetCause = err
	ss.mu.Unlock()
	ss.finish()
	return nil
}

func (ss *serverStream) resetCauseValue() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.resetCause
}

func (ss *serverStream) resetErr() error { return ss.resetCauseValue() }

func (ss *serverStream) finish() {
	ss.finishOnce.Do(func() { close(ss.finishReady) })
}

// Done fires once both directions have settled or the stream was reset.
func (ss *serverStream) Done() <-chan struct{} { return ss.finishReady }
