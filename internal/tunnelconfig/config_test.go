package tunnelconfig

import (
	"testing"
	"time"

	"github.com/h2xtunnel/h2xtunnel/internal/certutil"
)

func validCertPEMs(t *testing.T) (certPEM, keyPEM, trustedPeerPEM []byte) {
	t.Helper()
	gc, err := certutil.Generate(certutil.DefaultOptions("tunnelconfig-test"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return gc.CertPEM, gc.KeyPEM, gc.CertPEM
}

func TestServerConfigNormalizeFillsDefaults(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ServerConfig{
		CertPEM:         certPEM,
		KeyPEM:          keyPEM,
		TrustedPeerPEM:  trustedPeerPEM,
		ProxyListenPort: 8080,
	}

	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if cfg.TunnelListenIP != "::0" {
		t.Errorf("TunnelListenIP = %q, want ::0", cfg.TunnelListenIP)
	}
	if cfg.TunnelListenPort != DefaultTunnelPort {
		t.Errorf("TunnelListenPort = %d, want %d", cfg.TunnelListenPort, DefaultTunnelPort)
	}
	if cfg.ProxyListenIP != "::0" {
		t.Errorf("ProxyListenIP = %q, want ::0", cfg.ProxyListenIP)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.KeepaliveInterval != DefaultIdleTimeout/2 {
		t.Errorf("KeepaliveInterval = %v, want %v", cfg.KeepaliveInterval, DefaultIdleTimeout/2)
	}
	if cfg.Logger == nil {
		t.Error("Logger was not defaulted")
	}

	if got, want := cfg.TunnelListenAddr(), "[::0]:15900"; got != want {
		t.Errorf("TunnelListenAddr() = %q, want %q", got, want)
	}
	if got, want := cfg.ProxyListenAddr(), "[::0]:8080"; got != want {
		t.Errorf("ProxyListenAddr() = %q, want %q", got, want)
	}
}

func TestServerConfigNormalizePreservesExplicitValues(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ServerConfig{
		CertPEM:           certPEM,
		KeyPEM:            keyPEM,
		TrustedPeerPEM:    trustedPeerPEM,
		TunnelListenIP:    "127.0.0.1",
		TunnelListenPort:  9000,
		ProxyListenIP:     "0.0.0.0",
		ProxyListenPort:   8080,
		IdleTimeout:       5 * time.Second,
		KeepaliveInterval: time.Second,
	}

	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.TunnelListenPort != 9000 {
		t.Errorf("TunnelListenPort overwritten, got %d", cfg.TunnelListenPort)
	}
	if cfg.KeepaliveInterval != time.Second {
		t.Errorf("KeepaliveInterval overwritten, got %v", cfg.KeepaliveInterval)
	}
}

func TestServerConfigNormalizeRequiresProxyPort(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ServerConfig{CertPEM: certPEM, KeyPEM: keyPEM, TrustedPeerPEM: trustedPeerPEM}
	if err := cfg.Normalize(); err == nil {
		t.Fatal("expected an error when proxy-listen-port is unset")
	}
}

func TestServerConfigNormalizeRequiresCertMaterial(t *testing.T) {
	cfg := &ServerConfig{ProxyListenPort: 8080}
	if err := cfg.Normalize(); err == nil {
		t.Fatal("expected an error when certificate material is missing")
	}

	certPEM, keyPEM, _ := validCertPEMs(t)
	cfg2 := &ServerConfig{CertPEM: certPEM, KeyPEM: keyPEM, ProxyListenPort: 8080}
	if err := cfg2.Normalize(); err == nil {
		t.Fatal("expected an error when the trusted peer certificate is missing")
	}
}

func TestServerConfigTLSConfigBuildsPinnedConfig(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ServerConfig{CertPEM: certPEM, KeyPEM: keyPEM, TrustedPeerPEM: trustedPeerPEM, ProxyListenPort: 8080}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}
	if tlsCfg.VerifyPeerCertificate == nil {
		t.Fatal("expected a pinned VerifyPeerCertificate callback")
	}
	if !tlsCfg.InsecureSkipVerify {
		t.Fatal("pinned config must skip name verification in favor of pinned-certificate equality")
	}
}

func TestClientConfigNormalizeFillsDefaults(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ClientConfig{
		CertPEM:        certPEM,
		KeyPEM:         keyPEM,
		TrustedPeerPEM: trustedPeerPEM,
		TunnelHost:     "tunnel.example.com",
		OriginPort:     3000,
	}

	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if cfg.TunnelPort != DefaultTunnelPort {
		t.Errorf("TunnelPort = %d, want %d", cfg.TunnelPort, DefaultTunnelPort)
	}
	if cfg.OriginHost != "localhost" {
		t.Errorf("OriginHost = %q, want localhost", cfg.OriginHost)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.HandshakeTimeout != 10*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 10s", cfg.HandshakeTimeout)
	}
	if cfg.RestartTimeout != cfg.IdleTimeout {
		t.Errorf("RestartTimeout = %v, want %v", cfg.RestartTimeout, cfg.IdleTimeout)
	}
	if cfg.KeepaliveInterval != cfg.IdleTimeout/2 {
		t.Errorf("KeepaliveInterval = %v, want %v", cfg.KeepaliveInterval, cfg.IdleTimeout/2)
	}

	if got, want := cfg.TunnelAddr(), "tunnel.example.com:15900"; got != want {
		t.Errorf("TunnelAddr() = %q, want %q", got, want)
	}
	if got, want := cfg.OriginAddr(), "localhost:3000"; got != want {
		t.Errorf("OriginAddr() = %q, want %q", got, want)
	}
}

func TestClientConfigNormalizeRequiresTunnelHost(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ClientConfig{CertPEM: certPEM, KeyPEM: keyPEM, TrustedPeerPEM: trustedPeerPEM, OriginPort: 3000}
	if err := cfg.Normalize(); err == nil {
		t.Fatal("expected an error when tunnel-host is unset")
	}
}

func TestClientConfigNormalizeRequiresOriginPort(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ClientConfig{CertPEM: certPEM, KeyPEM: keyPEM, TrustedPeerPEM: trustedPeerPEM, TunnelHost: "example.com"}
	if err := cfg.Normalize(); err == nil {
		t.Fatal("expected an error when origin-port is unset")
	}
}

func TestClientConfigNormalizeRequiresCertMaterial(t *testing.T) {
	cfg := &ClientConfig{TunnelHost: "example.com", OriginPort: 3000}
	if err := cfg.Normalize(); err == nil {
		t.Fatal("expected an error when certificate material is missing")
	}
}

func TestClientConfigTLSConfigBuildsPinnedConfig(t *testing.T) {
	certPEM, keyPEM, trustedPeerPEM := validCertPEMs(t)
	cfg := &ClientConfig{
		CertPEM:        certPEM,
		KeyPEM:         keyPEM,
		TrustedPeerPEM: trustedPeerPEM,
		TunnelHost:     "example.com",
		OriginPort:     3000,
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if _, err := cfg.TLSConfig(); err != nil {
		t.Fatalf("tls config: %v", err)
	}
}
