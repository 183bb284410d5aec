// Package tlssession loads and validates the device's mutual-TLS
// credential bundle (CA certificate, client certificate, client private
// key) and exposes a ready-to-dial *tls.Config. Credentials are zeroized
// on teardown.
package tlssession

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"

	"voiceedge/internal/ferr"
)

// Config configures credential loading and handshake behavior.
type Config struct {
	CACertPEM     []byte
	ClientCertPEM []byte
	ClientKeyPEM  []byte

	HandshakeTimeout    time.Duration
	VerifyPeer          bool   // zero value is off; config.Default() turns it on
	ExpectedCommonName  string // required when VerifyPeer is true
}

// Session holds the validated credential bundle. Load keeps its own copies
// of the three PEM buffers; Close zeroizes those copies. The caller's
// buffers are left as they are.
type Session struct {
	cfg       Config
	cert      tls.Certificate
	caPool    *x509.CertPool
	pemCopies [][]byte // kept only to be zeroized on Close
}

// Load parses and validates the three PEM blobs: both certs parse as
// X.509, the key parses, and certificate+key form a matching pair. Peer
// verification is on only when cfg.VerifyPeer is set (config.Default sets
// it); ExpectedCommonName is required in that case.
func Load(cfg Config) (*Session, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(cfg.CACertPEM) {
		return nil, ferr.New(ferr.TlsFailed, "tlssession.load", fmt.Errorf("CA certificate did not parse as PEM/X.509"))
	}

	cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
	if err != nil {
		return nil, ferr.New(ferr.TlsFailed, "tlssession.load", fmt.Errorf("client cert/key did not form a matching pair: %w", err))
	}
	if _, err := x509.ParseCertificate(cert.Certificate[0]); err != nil {
		return nil, ferr.New(ferr.TlsFailed, "tlssession.load", fmt.Errorf("client certificate did not parse as X.509: %w", err))
	}

	if cfg.VerifyPeer && cfg.ExpectedCommonName == "" {
		return nil, ferr.New(ferr.TlsFailed, "tlssession.load", fmt.Errorf("verify_peer is enabled but expected_common_name is empty"))
	}

	s := &Session{
		cfg:    cfg,
		cert:   cert,
		caPool: caPool,
		pemCopies: [][]byte{
			append([]byte(nil), cfg.CACertPEM...),
			append([]byte(nil), cfg.ClientCertPEM...),
			append([]byte(nil), cfg.ClientKeyPEM...),
		},
	}
	return s, nil
}

// TLSConfig builds a *tls.Config for dialing the backend. Standard Go
// hostname/DNS-SAN verification doesn't express "verify against this exact
// CommonName," so when VerifyPeer is set the stdlib chain check is
// disabled and a manual VerifyPeerCertificate callback takes over: it
// re-verifies the chain against the CA pool, then checks the leaf's
// CommonName explicitly.
func (s *Session) TLSConfig() *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		RootCAs:      s.caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if !s.cfg.VerifyPeer {
		cfg.InsecureSkipVerify = true
		return cfg
	}

	cfg.InsecureSkipVerify = true // disable stdlib's own check; we verify manually below
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no peer certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("peer certificate did not parse: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			if c, err := x509.ParseCertificate(raw); err == nil {
				intermediates.AddCert(c)
			}
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         s.caPool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}); err != nil {
			return fmt.Errorf("peer chain verification failed: %w", err)
		}
		if leaf.Subject.CommonName != s.cfg.ExpectedCommonName {
			return fmt.Errorf("peer CommonName %q does not match expected %q", leaf.Subject.CommonName, s.cfg.ExpectedCommonName)
		}
		return nil
	}
	return cfg
}

// HandshakeTimeout returns the configured handshake deadline.
func (s *Session) HandshakeTimeout() time.Duration { return s.cfg.HandshakeTimeout }

// Close zeroizes the retained PEM copies. Safe to call more than once.
func (s *Session) Close() {
	for _, b := range s.pemCopies {
		zero(b)
	}
	s.pemCopies = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
