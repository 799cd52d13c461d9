package transport

import (
	"io"
)

// Stream is one forwarded TCP connection's HTTP/2 side, regardless of
// which role opened it. StreamBridge copies bytes between a net.Conn and a
// Stream without caring which concrete implementation it holds.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the write direction: a clean end-of-stream
	// (END_STREAM) is signalled to the peer, without otherwise disturbing
	// the read direction.
	CloseWrite() error

	// Reset forcefully terminates the stream in both directions (maps to
	// RST_STREAM on the wire).
	Reset(err error) error

	// Done fires once the stream has fully settled: closed cleanly in
	// both directions, or reset.
	Done() <-chan struct{}
}
