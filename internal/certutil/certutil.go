// Package certutil generates and loads the single self-signed certificate
// each tunnel endpoint uses as both its own TLS identity and the pinned
// trust anchor for its peer. There is no CA hierarchy here: the same
// generated keypair is handed to one side as "mine" and to the other side
// as "the one I trust".
package certutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Options configures generation of the shared peer certificate.
type Options struct {
	CommonName   string
	Organization string
	ValidFor     time.Duration
	DNSNames     []string
	IPAddresses  []net.IP
}

// DefaultOptions returns sane defaults for a tunnel endpoint certificate:
// valid as both server and client auth, usable over loopback and any
// hostname the operator names on the command line.
func DefaultOptions(commonName string) Options {
	return Options{
		CommonName:   commonName,
		Organization: "tunnel",
		ValidFor:     365 * 24 * time.Hour,
		DNSNames:     []string{commonName, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
}

// GeneratedCert is a generated or loaded certificate plus its private key.
type GeneratedCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (gc *GeneratedCert) Fingerprint() string {
	return Fingerprint(gc.Certificate)
}

// TLSCertificate returns a tls.Certificate suitable for tls.Config.Certificates.
func (gc *GeneratedCert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(gc.CertPEM, gc.KeyPEM)
}

// SaveToFiles writes the certificate and key to disk, key file non-world-readable.
func (gc *GeneratedCert) SaveToFiles(certPath, keyPath string) error {
	if dir := filepath.Dir(certPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create cert directory: %w", err)
		}
	}
	if dir := filepath.Dir(keyPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, gc.CertPEM, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, gc.KeyPEM, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// Generate creates a new self-signed ECDSA P-256 certificate and key.
func Generate(opts Options) (*GeneratedCert, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   opts.CommonName,
			Organization: []string{opts.Organization},
		},
		NotBefore:             now,
		NotAfter:              now.Add(opts.ValidFor),
		BasicConstraintsValid: true,
		DNSNames:              opts.DNSNames,
		IPAddresses:           opts.IPAddresses,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// LoadCert loads a certificate and key pair from files.
func LoadCert(certPath, keyPath string) (*GeneratedCert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParseCert(certPEM, keyPEM)
}

// ParseCert parses a PEM-encoded certificate and ECDSA private key.
func ParseCert(certPEM, keyPEM []byte) (*GeneratedCert, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("decode private key PEM")
	}

	var privateKey *ecdsa.PrivateKey
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		privateKey, err = x509.ParseECPrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
		}
		var ok bool
		privateKey, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not ECDSA")
		}
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", keyBlock.Type)
	}

	return &GeneratedCert{
		Certificate: cert,
		PrivateKey:  privateKey,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// ParseTrustedPeer parses the PEM certificate pinned as the sole trusted peer.
// Only the certificate is needed; the peer keeps its own private key.
func ParseTrustedPeer(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("decode trusted peer certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

// Fingerprint calculates the SHA256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// FingerprintFromFile calculates the fingerprint of a certificate file.
func FingerprintFromFile(certPath string) (string, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return "", fmt.Errorf("read certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("parse certificate: %w", err)
	}
	return Fingerprint(cert), nil
}

// ValidateECKeyPair rejects RSA/Ed25519 material; this tunnel only speaks ECDSA.
func ValidateECKeyPair(certPEM, keyPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("certificate: decode PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("certificate: %w", err)
	}
	if cert.PublicKeyAlgorithm != x509.ECDSA {
		return fmt.Errorf("certificate: unsupported algorithm %v, want ECDSA", cert.PublicKeyAlgorithm)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("private key: decode PEM")
	}
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		if _, err := x509.ParseECPrivateKey(keyBlock.Bytes); err != nil {
			return fmt.Errorf("private key: %w", err)
		}
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err != nil {
			return fmt.Errorf("private key: %w", err)
		}
		if _, ok := key.(*ecdsa.PrivateKey); !ok {
			return fmt.Errorf("private key: not ECDSA")
		}
	default:
		return fmt.Errorf("private key: unsupported type %s", keyBlock.Type)
	}
	return nil
}

// CertInfo is a display-friendly summary of a certificate, used by the
// "cert info" CLI helper.
type CertInfo struct {
	Subject      string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
	Fingerprint  string
	DNSNames     []string
	IPAddresses  []string
}

// GetCertInfo extracts a display summary from a certificate.
func GetCertInfo(cert *x509.Certificate) CertInfo {
	info := CertInfo{
		Subject:      cert.Subject.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  Fingerprint(cert),
		DNSNames:     cert.DNSNames,
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// IsExpired reports whether the certificate's validity period has passed.
func IsExpired(cert *x509.Certificate) bool {
	return time.Now().After(cert.NotAfter)
}

// PinnedTLSConfig builds a tls.Config whose only trust decision is "does the
// peer's leaf certificate equal, byte for byte, the certificate I was handed
// out of band". There is no CA, no hostname check, and no validity-window
// check beyond what the raw comparison implies: the two operators already
// exchanged the same certificate, so proving identity is exactly proving
// possession of the matching private key plus presenting that exact cert.
func PinnedTLSConfig(self tls.Certificate, trustedPeer *x509.Certificate) *tls.Config {
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{self},
		InsecureSkipVerify: true,
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS12,
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("peer presented no certificate")
		}
		if !bytes.Equal(rawCerts[0], trustedPeer.Raw) {
			return fmt.Errorf("peer certificate does not match pinned certificate")
		}
		return nil
	}
	return cfg
}
