package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// ClientSession runs the HTTP/2 client role over an already-accepted,
// already-authenticated tunnel socket. This is the role ServerTunnel plays:
// the process that accepted the mTLS connection drives HTTP/2 as a client,
// opening one stream per forwarded TCP connection.
type ClientSession struct {
	conn *IdleConn
	cc   *http2.ClientConn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClientSession attaches the HTTP/2 client role to conn. keepalive, if
// positive, configures the Transport's built-in idle-ping watchdog so a
// silent peer is detected without hand-rolled timers.
func NewClientSession(conn *IdleConn, keepalive time.Duration) (*ClientSession, error) {
	t := &http2.Transport{
		AllowHTTP:          true,
		ReadIdleTimeout:    keepalive,
		PingTimeout:        keepalive,
		DisableCompression: true,
	}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		return nil, fmt.Errorf("start http2 client role: %w", err)
	}
	s := &ClientSession{conn: conn, cc: cc, closed: make(chan struct{})}
	go s.watch()
	return s, nil
}

// watch closes s.closed once the underlying socket dies, so the owner
// (ServerTunnel) can cascade the teardown without polling.
func (s *ClientSession) watch() {
	<-s.conn.Died()
	s.closeOnce.Do(func() { close(s.closed) })
}

// OpenStream opens one HTTP/2 stream carrying a single forwarded TCP
// connection: a POST request with no path semantics, streamed duplex via
// an in-process pipe so writes reach the peer without buffering the whole
// body first.
func (s *ClientSession) OpenStream(ctx context.Context) (Stream, error) {
	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://tunnel/", pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.ContentLength = -1

	cs := &clientStream{
		pw:     pw,
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	go cs.roundTrip(s.cc, req)
	return cs, nil
}

// Close gracefully shuts down the HTTP/2 session, letting in-flight
// streams finish, then releases the socket.
func (s *ClientSession) Close() error {
	err := s.cc.Shutdown(context.Background())
	_ = s.conn.Close()
	return err
}

// Destroy forcefully tears down the session and socket.
func (s *ClientSession) Destroy() error {
	err := s.cc.Close()
	_ = s.conn.Close()
	return err
}

// Done fires once the underlying socket has died.
func (s *ClientSession) Done() <-chan struct{} { return s.closed }

// clientStream is the HTTP/2-client-role side of a forwarded connection.
type clientStream struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc

	mu       sync.Mutex
	resp     *http.Response
	respErr  error
	ready    chan struct{}
	readyHit bool
	readDone bool
	writeSet bool

	doneOnce sync.Once
	done     chan struct{}
}

func (cs *clientStream) roundTrip(cc *http2.ClientConn, req *http.Request) {
	resp, err := cc.RoundTrip(req)
	cs.mu.Lock()
	cs.resp, cs.respErr = resp, err
	if !cs.readyHit {
		cs.readyHit = true
		close(cs.ready)
	}
	if err != nil {
		cs.readDone = true
	}
	settled := cs.readDone && cs.writeSet
	cs.mu.Unlock()
	if settled {
		cs.finish()
	}
}

func (cs *clientStream) awaitResponse() (*http.Response, error) {
	<-cs.ready
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.resp, cs.respErr
}

// Write sends bytes toward the HTTP/2 peer.
func (cs *clientStream) Write(p []byte) (int, error) {
	return cs.pw.Write(p)
}

// Read receives bytes from the HTTP/2 peer. A clean peer END_STREAM
// surfaces as io.EOF; a peer RST_STREAM surfaces as any other error.
func (cs *clientStream) Read(p []byte) (int, error) {
	resp, err := cs.awaitResponse()
	if err != nil {
		return 0, err
	}
	n, err := resp.Body.Read(p)
	if err != nil {
		cs.mu.Lock()
		cs.readDone = true
		settled := cs.readDone && cs.writeSet
		cs.mu.Unlock()
		if settled {
			cs.finish()
		}
	}
	return n, err
}

// CloseWrite half-closes the request body: the peer observes END_STREAM on
// this stream's request direction without the response direction being
// disturbed.
func (cs *clientStream) CloseWrite() error {
	err := cs.pw.Close()
	cs.mu.Lock()
	cs.writeSet = true
	settled := cs.readDone && cs.writeSet
	cs.mu.Unlock()
	if settled {
		cs.finish()
	}
	return err
}

// Reset cancels the stream's context, which the HTTP/2 client transport
// turns into RST_STREAM toward the peer, and settles the stream immediately
// regardless of which directions had already finished.
func (cs *clientStream) Reset(err error) error {
	if err == nil {
		err = fmt.Errorf("stream reset")
	}
	_ = cs.pw.CloseWithError(err)
	cs.cancel()
	cs.finish()
	return nil
}

func (cs *clientStream) finish() {
	cs.doneOnce.Do(func() { close(cs.done) })
}

func (cs *clientStream) Done() <-chan struct{} { return cs.done }

var _ net.Conn = (*IdleConn)(nil)
