// Package main provides the h2xtunnel CLI entry point.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/h2xtunnel/h2xtunnel/internal/certutil"
	"github.com/h2xtunnel/h2xtunnel/internal/logging"
	"github.com/h2xtunnel/h2xtunnel/internal/metrics"
	"github.com/h2xtunnel/h2xtunnel/internal/tunnelclient"
	"github.com/h2xtunnel/h2xtunnel/internal/tunnelconfig"
	"github.com/h2xtunnel/h2xtunnel/internal/tunnelserver"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "h2xtunnel",
		Short:   "h2xtunnel - mutually-authenticated HTTP/2 port-forwarding tunnel",
		Version: Version,
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(certCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	var (
		crtPath, keyPath, peerPath string
		tunnelListenIP             string
		tunnelListenPort           int
		proxyListenIP              string
		proxyListenPort            int
		idleTimeout                time.Duration
		logLevel, logFormat        string
		metricsAddr                string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the tunnel server: accepts the tunnel and the public proxy traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, peerPEM, err := loadCertMaterial(crtPath, keyPath, peerPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(logLevel, logFormat)
			m := setupMetrics(metricsAddr, "server", logger)

			cfg := &tunnelconfig.ServerConfig{
				CertPEM:          certPEM,
				KeyPEM:           keyPEM,
				TrustedPeerPEM:   peerPEM,
				TunnelListenIP:   tunnelListenIP,
				TunnelListenPort: tunnelListenPort,
				ProxyListenIP:    proxyListenIP,
				ProxyListenPort:  proxyListenPort,
				IdleTimeout:      idleTimeout,
				Logger:           logger,
				Metrics:          m,
			}

			srv, err := tunnelserver.New(cfg)
			if err != nil {
				return fmt.Errorf("configure server: %w", err)
			}
			if err := srv.Start(); err != nil {
				return fmt.Errorf("start server: %w", err)
			}

			runUntilSignal(logger, srv.Stop, m)
			return nil
		},
	}

	cmd.Flags().StringVar(&crtPath, "crt", "", "Path to this endpoint's certificate (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Path to this endpoint's private key (required)")
	cmd.Flags().StringVar(&peerPath, "peer-crt", "", "Path to the trusted peer's certificate (defaults to --crt for a shared pair)")
	cmd.Flags().StringVar(&tunnelListenIP, "tunnel-listen-ip", "::0", "Tunnel mTLS listen address")
	cmd.Flags().IntVar(&tunnelListenPort, "tunnel-listen-port", tunnelconfig.DefaultTunnelPort, "Tunnel mTLS listen port")
	cmd.Flags().StringVar(&proxyListenIP, "proxy-listen-ip", "::0", "Public proxy listen address")
	cmd.Flags().IntVar(&proxyListenPort, "proxy-listen-port", 0, "Public proxy listen port (required)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", tunnelconfig.DefaultIdleTimeout, "Tunnel socket idle timeout")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")
	_ = cmd.MarkFlagRequired("crt")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("proxy-listen-port")

	return cmd
}

func clientCmd() *cobra.Command {
	var (
		crtPath, keyPath, peerPath string
		tunnelHost                 string
		tunnelPort                 int
		originHost                 string
		originPort                 int
		idleTimeout                time.Duration
		handshakeTimeout           time.Duration
		restartTimeout             time.Duration
		logLevel, logFormat        string
		metricsAddr                string
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the tunnel client: dials the server and forwards to a local origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, peerPEM, err := loadCertMaterial(crtPath, keyPath, peerPath)
			if err != nil {
				return err
			}

			logger := logging.NewLogger(logLevel, logFormat)
			m := setupMetrics(metricsAddr, "client", logger)

			cfg := &tunnelconfig.ClientConfig{
				CertPEM:          certPEM,
				KeyPEM:           keyPEM,
				TrustedPeerPEM:   peerPEM,
				TunnelHost:       tunnelHost,
				TunnelPort:       tunnelPort,
				OriginHost:       originHost,
				OriginPort:       originPort,
				IdleTimeout:      idleTimeout,
				HandshakeTimeout: handshakeTimeout,
				RestartTimeout:   restartTimeout,
				Logger:           logger,
				Metrics:          m,
			}

			cli, err := tunnelclient.New(cfg)
			if err != nil {
				return fmt.Errorf("configure client: %w", err)
			}
			if err := cli.Start(); err != nil {
				return fmt.Errorf("start client: %w", err)
			}

			runUntilSignal(logger, cli.Stop, m)
			return nil
		},
	}

	cmd.Flags().StringVar(&crtPath, "crt", "", "Path to this endpoint's certificate (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "Path to this endpoint's private key (required)")
	cmd.Flags().StringVar(&peerPath, "peer-crt", "", "Path to the trusted peer's certificate (defaults to --crt for a shared pair)")
	cmd.Flags().StringVar(&tunnelHost, "tunnel-host", "", "Tunnel server host (required)")
	cmd.Flags().IntVar(&tunnelPort, "tunnel-port", tunnelconfig.DefaultTunnelPort, "Tunnel server port")
	cmd.Flags().StringVar(&originHost, "origin-host", "localhost", "Local origin host to forward to")
	cmd.Flags().IntVar(&originPort, "origin-port", 0, "Local origin port to forward to (required)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", tunnelconfig.DefaultIdleTimeout, "Tunnel socket idle timeout")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 10*time.Second, "TLS dial/handshake timeout")
	cmd.Flags().DurationVar(&restartTimeout, "restart-timeout", 0, "Reconnect delay (defaults to idle-timeout)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on (disabled if empty)")
	_ = cmd.MarkFlagRequired("crt")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("tunnel-host")
	_ = cmd.MarkFlagRequired("origin-port")

	return cmd
}

// statsInterval is how often runUntilSignal logs the periodic stats summary.
const statsInterval = 30 * time.Second

// runUntilSignal blocks until SIGINT/SIGTERM, then runs stop and returns. It
// also drives the periodic stats summary log line for as long as it blocks.
func runUntilSignal(logger interface{ Info(string, ...any) }, stop func(), m *metrics.Metrics) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	statsDone := make(chan struct{})
	go statsLoop(logger, m, statsDone)

	<-sigCh
	close(statsDone)
	stop()
}

// statsLoop logs a human-readable stats summary every statsInterval. It is a
// no-op when m is nil, i.e. --metrics-addr was not given: there is nothing
// to summarize without the counters Metrics tracks.
func statsLoop(logger interface{ Info(string, ...any) }, m *metrics.Metrics, done <-chan struct{}) {
	if m == nil {
		return
	}
	start := time.Now()
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sent, received, active := m.Snapshot()
			logger.Info(statsLine(time.Since(start), active, sent, received))
		}
	}
}

// loadCertMaterial reads the endpoint's identity cert/key and the trusted
// peer certificate. When peerPath is empty, the endpoint's own certificate
// is also the pinned peer — the single-shared-pair mode described for the
// wire protocol.
func loadCertMaterial(crtPath, keyPath, peerPath string) (certPEM, keyPEM, peerPEM []byte, err error) {
	certPEM, err = os.ReadFile(crtPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err = os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read private key: %w", err)
	}
	if err := certutil.ValidateECKeyPair(certPEM, keyPEM); err != nil {
		return nil, nil, nil, err
	}
	if peerPath == "" {
		return certPEM, keyPEM, certPEM, nil
	}
	peerPEM, err = os.ReadFile(peerPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read peer certificate: %w", err)
	}
	return certPEM, keyPEM, peerPEM, nil
}

// setupMetrics wires Prometheus instrumentation and, if addr is non-empty,
// starts a background HTTP server exposing it. Returns a nil *Metrics when
// addr is empty so the tunnel runs with metrics fully disabled.
func setupMetrics(addr, role string, logger interface {
	Info(string, ...any)
}) *metrics.Metrics {
	if addr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg, role)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	logger.Info(fmt.Sprintf("metrics listening on %s", addr))
	return m
}

// statsLine renders the periodic human-readable summary: uptime, active
// streams, and cumulative bytes transferred. Additional context only, not a
// substitute for any of the raw-decimal log tokens the stream bridge emits.
func statsLine(uptime time.Duration, active int64, sent, received uint64) string {
	return fmt.Sprintf("stats: up %s, %d streams active, %s sent, %s received",
		uptime.Round(time.Second), active, humanize.Bytes(sent), humanize.Bytes(received))
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate management commands",
		Long:  "Generate and inspect the self-signed certificate pair shared by both tunnel endpoints.",
	}

	cmd.AddCommand(certGenerateCmd())
	cmd.AddCommand(certInfoCmd())

	return cmd
}

func certGenerateCmd() *cobra.Command {
	var (
		commonName string
		outDir     string
		validDays  int
		dnsNames   []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate the shared self-signed certificate pair",
		Long: `Generate a single self-signed ECDSA certificate and private key. Copy
the same cert/key pair to both the server and the client: each endpoint uses
it as its own identity and pins the peer's copy as its sole trust anchor.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := certutil.DefaultOptions(commonName)
			opts.ValidFor = time.Duration(validDays) * 24 * time.Hour
			opts.DNSNames = append(opts.DNSNames, dnsNames...)

			gc, err := certutil.Generate(opts)
			if err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}

			certPath := outDir + "/tunnel.crt"
			keyPath := outDir + "/tunnel.key"
			if err := gc.SaveToFiles(certPath, keyPath); err != nil {
				return fmt.Errorf("save certificate: %w", err)
			}

			fmt.Printf("Certificate: %s\n", certPath)
			fmt.Printf("Private key: %s\n", keyPath)
			fmt.Printf("Fingerprint: %s\n", gc.Fingerprint())
			fmt.Printf("Expires:     %s\n", gc.Certificate.NotAfter.Format(time.RFC3339))
			fmt.Println("\nCopy both files to the peer endpoint and pass the same --crt/--key on both sides.")
			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "h2xtunnel", "Common name for the certificate")
	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory for certificate files")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")
	cmd.Flags().StringSliceVar(&dnsNames, "dns", nil, "Additional DNS names")

	return cmd
}

func certInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <certificate>",
		Short: "Display certificate information",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read certificate: %w", err)
			}
			cert, err := certutil.ParseTrustedPeer(certPEM)
			if err != nil {
				return fmt.Errorf("parse certificate: %w", err)
			}
			info := certutil.GetCertInfo(cert)

			fmt.Printf("Subject:     %s\n", info.Subject)
			fmt.Printf("Serial:      %s\n", info.SerialNumber)
			fmt.Printf("Fingerprint: %s\n", info.Fingerprint)
			fmt.Printf("Not Before:  %s\n", info.NotBefore.Format(time.RFC3339))
			fmt.Printf("Not After:   %s\n", info.NotAfter.Format(time.RFC3339))
			if certutil.IsExpired(cert) {
				fmt.Println("Status:      EXPIRED")
			} else {
				fmt.Println("Status:      valid")
			}
			if len(info.DNSNames) > 0 {
				fmt.Printf("DNS Names:   %v\n", info.DNSNames)
			}
			return nil
		},
	}
	return cmd
}
