// Package tunnelconfig holds the two endpoint configurations named in the
// data model: one for the server role, one for the client role.
package tunnelconfig

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/h2xtunnel/h2xtunnel/internal/certutil"
	"github.com/h2xtunnel/h2xtunnel/internal/logging"
	"github.com/h2xtunnel/h2xtunnel/internal/metrics"
)

// DefaultTunnelPort is the tunnel listen/dial port when unset.
const DefaultTunnelPort = 15900

// DefaultIdleTimeout is the TLS idle timeout when unset.
const DefaultIdleTimeout = 30 * time.Second

// ServerConfig configures a ServerTunnel.
type ServerConfig struct {
	CertPEM, KeyPEM []byte
	TrustedPeerPEM  []byte

	TunnelListenIP   string
	TunnelListenPort int
	ProxyListenIP    string
	ProxyListenPort  int

	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// TunnelListenAddr is the address ServerTunnel binds its mTLS listener to.
func (c *ServerConfig) TunnelListenAddr() string {
	return net.JoinHostPort(c.TunnelListenIP, fmt.Sprint(c.TunnelListenPort))
}

// ProxyListenAddr is the address ServerTunnel binds its public listener to.
func (c *ServerConfig) ProxyListenAddr() string {
	return net.JoinHostPort(c.ProxyListenIP, fmt.Sprint(c.ProxyListenPort))
}

// TLSConfig builds the pinned mutual-TLS configuration for the tunnel
// listener from the certificate and trusted-peer material.
func (c *ServerConfig) TLSConfig() (*tls.Config, error) {
	return pinnedConfig(c.CertPEM, c.KeyPEM, c.TrustedPeerPEM)
}

// Normalize fills in defaults and validates required fields.
func (c *ServerConfig) Normalize() error {
	if c.TunnelListenIP == "" {
		c.TunnelListenIP = "::0"
	}
	if c.TunnelListenPort == 0 {
		c.TunnelListenPort = DefaultTunnelPort
	}
	if c.ProxyListenIP == "" {
		c.ProxyListenIP = "::0"
	}
	if c.ProxyListenPort == 0 {
		return fmt.Errorf("proxy-listen-port is required")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = c.IdleTimeout / 2
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if len(c.CertPEM) == 0 || len(c.KeyPEM) == 0 {
		return fmt.Errorf("certificate and key are required")
	}
	if len(c.TrustedPeerPEM) == 0 {
		return fmt.Errorf("trusted peer certificate is required")
	}
	return nil
}

// ClientConfig configures a ClientTunnel.
type ClientConfig struct {
	CertPEM, KeyPEM []byte
	TrustedPeerPEM  []byte

	TunnelHost string
	TunnelPort int
	OriginHost string
	OriginPort int

	IdleTimeout       time.Duration
	HandshakeTimeout  time.Duration
	RestartTimeout    time.Duration
	KeepaliveInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// TunnelAddr is the remote address ClientTunnel dials.
func (c *ClientConfig) TunnelAddr() string {
	return net.JoinHostPort(c.TunnelHost, fmt.Sprint(c.TunnelPort))
}

// OriginAddr is the local address ClientTunnel dials for each stream.
func (c *ClientConfig) OriginAddr() string {
	return net.JoinHostPort(c.OriginHost, fmt.Sprint(c.OriginPort))
}

// TLSConfig builds the pinned mutual-TLS configuration for the dialed
// tunnel connection.
func (c *ClientConfig) TLSConfig() (*tls.Config, error) {
	return pinnedConfig(c.CertPEM, c.KeyPEM, c.TrustedPeerPEM)
}

// Normalize fills in defaults and validates required fields.
func (c *ClientConfig) Normalize() error {
	if c.TunnelHost == "" {
		return fmt.Errorf("tunnel-host is required")
	}
	if c.TunnelPort == 0 {
		c.TunnelPort = DefaultTunnelPort
	}
	if c.OriginHost == "" {
		c.OriginHost = "localhost"
	}
	if c.OriginPort == 0 {
		return fmt.Errorf("origin-port is required")
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RestartTimeout == 0 {
		c.RestartTimeout = c.IdleTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = c.IdleTimeout / 2
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	if len(c.CertPEM) == 0 || len(c.KeyPEM) == 0 {
		return fmt.Errorf("certificate and key are required")
	}
	if len(c.TrustedPeerPEM) == 0 {
		return fmt.Errorf("trusted peer certificate is required")
	}
	return nil
}

func pinnedConfig(certPEM, keyPEM, trustedPeerPEM []byte) (*tls.Config, error) {
	pair, err := certutil.ParseCert(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("identity certificate: %w", err)
	}
	tlsCert, err := pair.TLSCertificate()
	if err != nil {
		return nil, fmt.Errorf("identity certificate: %w", err)
	}
	peer, err := certutil.ParseTrustedPeer(trustedPeerPEM)
	if err != nil {
		return nil, fmt.Errorf("trusted peer certificate: %w", err)
	}
	return certutil.PinnedTLSConfig(tlsCert, peer), nil
}
