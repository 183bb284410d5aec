package tlssession

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"
)

// genCert creates a self-signed ECDSA certificate for test fixtures,
// mirroring the reviewed server's self-signed-cert generation style.
func genCert(t *testing.T, cn string) (certPEM, keyPEM []byte, key *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, priv
}

func TestLoadValidBundle(t *testing.T) {
	caCert, _, _ := genCert(t, "test-ca")
	clientCert, clientKey, _ := genCert(t, "device-01")

	s, err := Load(Config{
		CACertPEM:          caCert,
		ClientCertPEM:      clientCert,
		ClientKeyPEM:       clientKey,
		VerifyPeer:         true,
		ExpectedCommonName: "backend.example.com",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.TLSConfig() == nil {
		t.Fatal("TLSConfig() returned nil")
	}
}

func TestLoadRejectsMismatchedPair(t *testing.T) {
	_, clientKey, _ := genCert(t, "device-01") // key A
	clientCert, _, _ := genCert(t, "device-02") // cert B, unrelated key
	caCert, _, _ := genCert(t, "test-ca")

	_, err := Load(Config{
		CACertPEM:     caCert,
		ClientCertPEM: clientCert,
		ClientKeyPEM:  clientKey,
	})
	if err == nil {
		t.Fatal("expected Load to reject a mismatched cert/key pair")
	}
}

func TestLoadRejectsGarbagePEM(t *testing.T) {
	_, err := Load(Config{
		CACertPEM:     []byte("not pem"),
		ClientCertPEM: []byte("not pem"),
		ClientKeyPEM:  []byte("not pem"),
	})
	if err == nil {
		t.Fatal("expected Load to reject invalid PEM")
	}
}

func TestVerifyPeerRequiresExpectedCommonName(t *testing.T) {
	caCert, _, _ := genCert(t, "test-ca")
	clientCert, clientKey, _ := genCert(t, "device-01")

	_, err := Load(Config{
		CACertPEM:     caCert,
		ClientCertPEM: clientCert,
		ClientKeyPEM:  clientKey,
		VerifyPeer:    true,
	})
	if err == nil {
		t.Fatal("expected Load to reject verify_peer=true with no expected_common_name")
	}
}

func TestCloseZeroizesPEMCopies(t *testing.T) {
	caCert, _, _ := genCert(t, "test-ca")
	clientCert, clientKey, _ := genCert(t, "device-01")
	s, err := Load(Config{CACertPEM: caCert, ClientCertPEM: clientCert, ClientKeyPEM: clientKey})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.Close()
	for _, b := range s.pemCopies {
		for _, c := range b {
			if c != 0 {
				t.Fatal("Close left a nonzero byte in a retained PEM copy")
			}
		}
	}
}
