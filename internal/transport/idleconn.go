// Package transport runs the HTTP/2 multiplexing layer directly on top of
// an already-authenticated TLS byte-stream, in both possible roles: the
// tunnel-server process plays HTTP/2 client, the tunnel-client process
// plays HTTP/2 server. Each forwarded TCP connection becomes one real
// HTTP/2 stream.
package transport

import (
	"net"
	"sync"
	"time"
)

// IdleConn wraps a net.Conn with an idle deadline: every successful Read or
// Write pushes the deadline forward by timeout. A timeout, or any other
// I/O error, is treated as the connection dying; Died() reports this so
// callers can drive a reconnect without polling the HTTP/2 layer directly.
// This is the concrete binding for spec's "a TLS socket that fires its
// idle timeout is destroyed with an error" detection mechanism.
type IdleConn struct {
	net.Conn
	timeout time.Duration

	dieOnce sync.Once
	died    chan struct{}
}

// WrapIdle wraps conn with an idle timeout. timeout <= 0 disables the
// deadline (useful in tests).
func WrapIdle(conn net.Conn, timeout time.Duration) *IdleConn {
	c := &IdleConn{
		Conn:    conn,
		timeout: timeout,
		died:    make(chan struct{}),
	}
	c.bump()
	return c
}

func (c *IdleConn) bump() {
	if c.timeout > 0 {
		_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
}

// Read implements net.Conn, resetting the idle deadline on success and
// marking the connection dead on any error.
func (c *IdleConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.markDead()
		return n, err
	}
	c.bump()
	return n, nil
}

// Write implements net.Conn, resetting the idle deadline on success and
// marking the connection dead on any error.
func (c *IdleConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil {
		c.markDead()
		return n, err
	}
	c.bump()
	return n, nil
}

// Close marks the connection dead and closes the underlying socket.
func (c *IdleConn) Close() error {
	c.markDead()
	return c.Conn.Close()
}

// Destroy is an alias for Close so IdleConn satisfies supervisor.Destroyable.
func (c *IdleConn) Destroy() error { return c.Close() }

func (c *IdleConn) markDead() {
	c.dieOnce.Do(func() { close(c.died) })
}

// Died reports when the connection stopped working, by timeout, peer
// reset, or explicit Close.
func (c *IdleConn) Died() <-chan struct{} { return c.died }

// Done implements supervisor.Resource.
func (c *IdleConn) Done() <-chan struct{} { return c.died }
