// Package bridge copies bytes between one TCP connection and one HTTP/2
// stream, preserving the distinction between a clean end (FIN / END_STREAM)
// and a reset (RST / RST_STREAM) across the two transports, including
// half-closed duplex: https://www.rfc-editor.org/rfc/rfc7540 stream states
// mapped onto net.Conn's CloseWrite/Close pair.
package bridge

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/h2xtunnel/h2xtunnel/internal/logging"
	"github.com/h2xtunnel/h2xtunnel/internal/metrics"
	"github.com/h2xtunnel/h2xtunnel/internal/recovery"
	"github.com/h2xtunnel/h2xtunnel/internal/transport"
)

const copyBufferSize = 32 * 1024

// Bridge binds one TCP connection to one HTTP/2 stream and copies bytes in
// both directions until both ends have settled. Bytes flowing from tcp
// toward h2 are logged as "send"; bytes flowing from h2 toward tcp are
// logged as "recv" — these labels are relative to the HTTP/2 peer and are
// the same regardless of which endpoint role is running the bridge.
type Bridge struct {
	id      uint64
	tcp     net.Conn
	h2      transport.Stream
	logger  *slog.Logger
	metrics *metrics.Metrics

	localCause atomic.Bool

	wg       sync.WaitGroup
	doneOnce sync.Once
	done     chan struct{}
}

// New creates a bridge for stream id, wired to tcp and h2, but does not
// start copying — call Run for that.
func New(id uint64, tcp net.Conn, h2 transport.Stream, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Bridge{
		id:      id,
		tcp:     tcp,
		h2:      h2,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Run starts both copy directions and blocks until both have finished. Run
// itself is typically invoked from its own goroutine by the caller; it
// returns once the bridge is fully torn down.
func (b *Bridge) Run() {
	started := time.Now()
	b.metrics.StreamOpened()
	b.wg.Add(2)
	go b.pumpTCPToH2()
	go b.pumpH2ToTCP()
	b.wg.Wait()
	b.metrics.StreamClosed()
	b.logger.Info(fmt.Sprintf("stream%d closed", b.id),
		logging.KeyStreamID, b.id, logging.KeyDuration, time.Since(started).String())
	b.doneOnce.Do(func() { close(b.done) })
}

// Done fires once both directions have settled — the point at which the
// owner should remove this stream's entry from its active-streams table.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) pumpTCPToH2() {
	defer b.wg.Done()
	defer recovery.RecoverWithLog(b.logger, fmt.Sprintf("bridge.stream%d.tcpToH2", b.id))
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := b.tcp.Read(buf)
		if n > 0 {
			if _, werr := b.h2.Write(buf[:n]); werr != nil {
				return
			}
			b.metrics.AddSent(n)
			b.logger.Debug(fmt.Sprintf("stream%d send %d", b.id, n), logging.KeyStreamID, b.id, logging.KeyBytes, n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				b.logger.Info(fmt.Sprintf("stream%d send FIN", b.id), logging.KeyStreamID, b.id)
				_ = b.h2.CloseWrite()
			} else {
				b.localCause.Store(true)
				b.logger.Info(fmt.Sprintf("stream%d send RST", b.id), logging.KeyStreamID, b.id, logging.KeyError, rerr.Error())
				_ = b.h2.Reset(rerr)
			}
			return
		}
	}
}

func (b *Bridge) pumpH2ToTCP() {
	defer b.wg.Done()
	defer recovery.RecoverWithLog(b.logger, fmt.Sprintf("bridge.stream%d.h2ToTCP", b.id))
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := b.h2.Read(buf)
		if n > 0 {
			if _, werr := b.tcp.Write(buf[:n]); werr != nil {
				return
			}
			b.metrics.AddReceived(n)
			b.logger.Debug(fmt.Sprintf("stream%d recv %d", b.id, n), logging.KeyStreamID, b.id, logging.KeyBytes, n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				b.logger.Info(fmt.Sprintf("stream%d recv FIN", b.id), logging.KeyStreamID, b.id)
				halfCloseWrite(b.tcp)
			} else {
				// Suppress the log when this stream's own TCP side already
				// errored and forced the H2 side closed: that is a local
				// consequence, not a peer-sent RST_STREAM, and logging it
				// would double-count the same fault.
				if !b.localCause.Load() {
					b.logger.Info(fmt.Sprintf("stream%d recv RST", b.id), logging.KeyStreamID, b.id, logging.KeyError, rerr.Error())
				}
				b.localCause.Store(true)
				ResetAndDestroy(b.tcp)
			}
			return
		}
	}
}

// halfCloseWrite closes only the write direction of conn, if it supports
// that, leaving the read direction open so the remaining direction keeps
// copying until its own end.
func halfCloseWrite(conn net.Conn) {
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = conn.Close()
}

// ResetAndDestroy forces conn closed such that the peer observes RST
// rather than FIN. Exported so listener-side rejection (no active
// session) can reuse the same primitive described in the wire protocol.
func ResetAndDestroy(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()
}
