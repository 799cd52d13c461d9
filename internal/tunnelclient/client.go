// Package tunnelclient implements the NAT-side half of the tunnel: it dials
// the mutually-authenticated TLS connection to the public server, hosts the
// HTTP/2 server role over it, and for every stream the peer opens, dials the
// configured origin address and bridges the pair. It also owns the
// reconnect timer that re-dials after the tunnel drops.
package tunnelclient

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/h2xtunnel/h2xtunnel/internal/bridge"
	"github.com/h2xtunnel/h2xtunnel/internal/logging"
	"github.com/h2xtunnel/h2xtunnel/internal/recovery"
	"github.com/h2xtunnel/h2xtunnel/internal/supervisor"
	"github.com/h2xtunnel/h2xtunnel/internal/transport"
	"github.com/h2xtunnel/h2xtunnel/internal/tunnelconfig"
)

// ClientTunnel is the dialing endpoint. It owns at most one live dialed
// tunnel connection and HTTP/2 server session at a time, plus the
// reconnect timer that fires after a connection dies.
type ClientTunnel struct {
	sup *supervisor.Supervisor
	cfg *tunnelconfig.ClientConfig

	session       *transport.ServerSession
	streams       map[uint64]*bridge.Bridge
	streamCounter uint64
	attempt       uint64
}

// New builds a ClientTunnel from cfg. cfg is normalized in place.
func New(cfg *tunnelconfig.ClientConfig) (*ClientTunnel, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &ClientTunnel{
		sup:     supervisor.New("client", cfg.Logger),
		cfg:     cfg,
		streams: make(map[uint64]*bridge.Bridge),
	}, nil
}

// Start launches the first tunnel dial in the background and returns
// immediately; connection and reconnection continue in the background.
func (c *ClientTunnel) Start() error {
	c.sup.SetState(supervisor.StateDisconnected)
	go c.connect()
	return nil
}

// Stop tears down the live tunnel, all in-flight bridges, and the pending
// reconnect timer if any, then waits for all of it to settle.
func (c *ClientTunnel) Stop() {
	c.sup.Lock()
	streams := make([]*bridge.Bridge, 0, len(c.streams))
	for _, b := range c.streams {
		streams = append(streams, b)
	}
	c.sup.Unlock()

	c.sup.Stop()
	for _, b := range streams {
		<-b.Done()
	}
}

// State reports the observable connection state.
func (c *ClientTunnel) State() supervisor.State { return c.sup.State() }

// WaitUntil blocks until the observable state equals target.
func (c *ClientTunnel) WaitUntil(state supervisor.State) { c.sup.WaitUntil(state) }

// connect dials a single tunnel attempt. On failure or eventual
// disconnection it schedules a reconnect via restartTimeout, unless the
// supervisor has been aborted in the meantime (I7).
func (c *ClientTunnel) connect() {
	defer recovery.RecoverWithLog(c.cfg.Logger, "client.connect")
	if c.sup.Aborted() {
		return
	}
	c.sup.Lock()
	c.attempt++
	attempt := c.attempt
	c.sup.Unlock()
	c.cfg.Logger.Info("connecting", logging.KeyComponent, "client", logging.KeyAttempt, attempt)

	tlsConfig, err := c.cfg.TLSConfig()
	if err != nil {
		c.cfg.Logger.Info(fmt.Sprintf("client error %s", err), logging.KeyComponent, "client")
		c.scheduleReconnect()
		return
	}

	dialer := &net.Dialer{Timeout: c.cfg.HandshakeTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", c.cfg.TunnelAddr(), tlsConfig)
	if err != nil {
		c.cfg.Logger.Info(fmt.Sprintf("client error %s", err), logging.KeyComponent, "client")
		c.scheduleReconnect()
		return
	}

	idle := transport.WrapIdle(conn, c.cfg.IdleTimeout)
	c.sup.RegisterDestroyable(idle)

	session := transport.NewServerSession(idle, c.cfg.KeepaliveInterval, c.handleStream, c.cfg.Logger)
	c.sup.RegisterCloseable(session)

	c.sup.Lock()
	c.session = session
	c.sup.Unlock()

	c.cfg.Logger.Info(
		fmt.Sprintf("connected to %s from %s", conn.RemoteAddr(), conn.LocalAddr()),
		logging.KeyComponent, "client",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyLocalAddr, conn.LocalAddr().String(),
	)
	c.sup.SetState(supervisor.StateConnected)
	c.cfg.Metrics.MarkConnected()

	go c.watchSession(session)
}

// watchSession waits for the live session to die, then — unless stop() has
// begun — reverts to disconnected and schedules a reconnect.
func (c *ClientTunnel) watchSession(session *transport.ServerSession) {
	defer recovery.RecoverWithLog(c.cfg.Logger, "client.watchSession")
	<-session.Done()

	c.sup.Lock()
	isCurrent := c.session == session
	if isCurrent {
		c.session = nil
	}
	c.sup.Unlock()
	if !isCurrent {
		return
	}

	c.cfg.Metrics.MarkDisconnected()
	c.cfg.Logger.Info("disconnected", logging.KeyComponent, "client")
	if c.sup.Aborted() {
		return
	}
	c.sup.SetState(supervisor.StateDisconnected)
	c.scheduleReconnect()
}

// scheduleReconnect enrolls the one-shot restart timer. Supervisor.Schedule
// silently drops the request when aborted, which keeps the "no dial while
// aborted" invariant in one place. Schedule itself does not limit the number
// of pending timers; only one reconnect is pending at a time because each
// connect attempt reaches scheduleReconnect at most once, either from its
// own failure path or from watchSession when its session dies.
func (c *ClientTunnel) scheduleReconnect() {
	c.cfg.Logger.Info("restarting", logging.KeyComponent, "client")
	c.cfg.Metrics.MarkReconnect()
	c.sup.Schedule(c.cfg.RestartTimeout, c.connect)
}

// handleStream is invoked by the HTTP/2 server role for every stream the
// peer opens: it dials the origin address and, on success, bridges the
// pair. A dial failure resets the stream so the peer's TCP side observes
// RST rather than hanging.
func (c *ClientTunnel) handleStream(stream transport.Stream) {
	conn, err := net.Dial("tcp", c.cfg.OriginAddr())
	if err != nil {
		c.cfg.Logger.Info(fmt.Sprintf("client error %s", err), logging.KeyComponent, "client")
		_ = stream.Reset(err)
		return
	}

	c.sup.Lock()
	c.streamCounter++
	id := c.streamCounter
	b := bridge.New(id, conn, stream, c.cfg.Logger, c.cfg.Metrics)
	c.streams[id] = b
	c.sup.Unlock()

	c.cfg.Logger.Info(fmt.Sprintf("stream%d forwarding to %s", id, conn.RemoteAddr()),
		logging.KeySessionID, id, logging.KeyRemoteAddr, conn.RemoteAddr().String())

	go func() {
		defer recovery.RecoverWithLog(c.cfg.Logger, "client.bridge")
		b.Run()
		c.sup.Lock()
		delete(c.streams, id)
		c.sup.Unlock()
	}()
}
