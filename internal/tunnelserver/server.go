// Package tunnelserver implements the public-facing half of the tunnel: it
// accepts the mutually-authenticated TLS connection from a tunnel client,
// hosts the HTTP/2 client role over it, and accepts inbound TCP connections
// on the public proxy address, bridging each one to a fresh HTTP/2 stream.
package tunnelserver

import (
	"context"
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

// ServerTunnel is the accepting endpoint. It owns two listeners — the mTLS
// tunnel listener and the public proxy listener — and at most one live
// HTTP/2 client session at a time.
type ServerTunnel struct {
	sup *supervisor.Supervisor
	cfg *tunnelconfig.ServerConfig

	tunnelListener net.Listener
	proxyListener  net.Listener

	session       *transport.ClientSession
	streams       map[uint64]*bridge.Bridge
	streamCounter uint64
}

// New builds a ServerTunnel from cfg. cfg is normalized in place.
func New(cfg *tunnelconfig.ServerConfig) (*ServerTunnel, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &ServerTunnel{
		sup:     supervisor.New("server", cfg.Logger),
		cfg:     cfg,
		streams: make(map[uint64]*bridge.Bridge),
	}, nil
}

// Start binds both listeners and begins accepting. It returns once both
// listeners are bound; acceptance runs in background goroutines.
func (t *ServerTunnel) Start() error {
	tlsConfig, err := t.cfg.TLSConfig()
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}

	tunnelLn, err := tls.Listen("tcp", t.cfg.TunnelListenAddr(), tlsConfig)
	if err != nil {
		return fmt.Errorf("listen tunnel: %w", err)
	}
	proxyLn, err := net.Listen("tcp", t.cfg.ProxyListenAddr())
	if err != nil {
		_ = tunnelLn.Close()
		return fmt.Errorf("listen proxy: %w", err)
	}

	t.tunnelListener = tunnelLn
	t.proxyListener = proxyLn
	t.sup.RegisterCloseable(supervisor.WrapListener(tunnelLn))
	t.sup.RegisterCloseable(supervisor.WrapListener(proxyLn))

	t.sup.SetState(supervisor.StateListening)
	t.cfg.Logger.Info("listening", logging.KeyComponent, "server")

	go t.acceptTunnels()
	go t.acceptProxy()
	return nil
}

// Stop tears down both listeners, the live session if any, and every
// in-flight bridge, then waits for all of it to settle.
func (t *ServerTunnel) Stop() {
	t.sup.Lock()
	streams := make([]*bridge.Bridge, 0, len(t.streams))
	for _, b := range t.streams {
		streams = append(streams, b)
	}
	t.sup.Unlock()

	t.sup.Stop()
	for _, b := range streams {
		<-b.Done()
	}
}

// State reports the observable connection state.
func (t *ServerTunnel) State() supervisor.State { return t.sup.State() }

// WaitUntil blocks until the observable state equals target.
func (t *ServerTunnel) WaitUntil(state supervisor.State) { t.sup.WaitUntil(state) }

func (t *ServerTunnel) acceptTunnels() {
	defer recovery.RecoverWithLog(t.cfg.Logger, "server.acceptTunnels")
	for {
		conn, err := t.tunnelListener.Accept()
		if err != nil {
			if t.sup.Aborted() {
				return
			}
			t.cfg.Logger.Info(fmt.Sprintf("server error %s", err), logging.KeyComponent, "server")
			t.sup.Stop()
			return
		}
		t.handleTunnel(conn)
	}
}

// handleTunnel installs conn as the new active session, destroying any
// prior one first (latest-wins preemption, I6).
func (t *ServerTunnel) handleTunnel(conn net.Conn) {
	idle := transport.WrapIdle(conn, t.cfg.IdleTimeout)

	t.sup.Lock()
	prev := t.session
	t.session = nil
	t.sup.Unlock()
	if prev != nil {
		_ = prev.Destroy()
	}

	session, err := transport.NewClientSession(idle, t.cfg.KeepaliveInterval)
	if err != nil {
		t.cfg.Logger.Info(fmt.Sprintf("server error %s", err), logging.KeyComponent, "server")
		_ = idle.Close()
		return
	}

	t.sup.Lock()
	t.session = session
	t.sup.Unlock()
	t.sup.RegisterDestroyable(idle)
	t.sup.RegisterCloseable(session)

	t.cfg.Logger.Info(
		fmt.Sprintf("connected to %s from %s", conn.LocalAddr(), conn.RemoteAddr()),
		logging.KeyComponent, "server",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
	)
	t.sup.SetState(supervisor.StateConnected)
	t.cfg.Metrics.MarkConnected()

	go t.watchSession(session)
}

// watchSession reverts the server to listening once the active session
// dies, per §7: "on the server they simply revert to listening."
func (t *ServerTunnel) watchSession(session *transport.ClientSession) {
	defer recovery.RecoverWithLog(t.cfg.Logger, "server.watchSession")
	<-session.Done()

	t.sup.Lock()
	isCurrent := t.session == session
	if isCurrent {
		t.session = nil
	}
	t.sup.Unlock()
	if !isCurrent {
		return
	}

	t.cfg.Metrics.MarkDisconnected()
	t.cfg.Logger.Info("disconnected", logging.KeyComponent, "server")
	if !t.sup.Aborted() {
		t.sup.SetState(supervisor.StateListening)
	}
}

func (t *ServerTunnel) acceptProxy() {
	defer recovery.RecoverWithLog(t.cfg.Logger, "server.acceptProxy")
	for {
		conn, err := t.proxyListener.Accept()
		if err != nil {
			if t.sup.Aborted() {
				return
			}
			t.cfg.Logger.Info(fmt.Sprintf("server error %s", err), logging.KeyComponent, "server")
			t.sup.Stop()
			return
		}
		t.handleProxyConn(conn)
	}
}

// handleProxyConn opens a fresh H2 stream for conn and bridges them,
// rejecting with RST when no session is active (I2, I5's boundary case).
func (t *ServerTunnel) handleProxyConn(conn net.Conn) {
	t.sup.Lock()
	session := t.session
	t.sup.Unlock()

	if session == nil {
		t.cfg.Logger.Info(fmt.Sprintf("rejecting connection from %s", conn.RemoteAddr()), logging.KeyComponent, "server")
		bridge.ResetAndDestroy(conn)
		t.cfg.Metrics.MarkProxyRejected()
		return
	}

	stream, err := session.OpenStream(context.Background())
	if err != nil {
		t.cfg.Logger.Info(fmt.Sprintf("rejecting connection from %s", conn.RemoteAddr()), logging.KeyComponent, "server")
		bridge.ResetAndDestroy(conn)
		t.cfg.Metrics.MarkProxyRejected()
		return
	}

	t.sup.Lock()
	t.streamCounter++
	id := t.streamCounter
	b := bridge.New(id, conn, stream, t.cfg.Logger, t.cfg.Metrics)
	t.streams[id] = b
	t.sup.Unlock()

	t.cfg.Logger.Info(fmt.Sprintf("stream%d forwarded from %s", id, conn.RemoteAddr()),
		logging.KeySessionID, id, logging.KeyRemoteAddr, conn.RemoteAddr().String())

	go func() {
		defer recovery.RecoverWithLog(t.cfg.Logger, "server.bridge")
		b.Run()
		t.sup.Lock()
		delete(t.streams, id)
		t.sup.Unlock()
	}()
}
