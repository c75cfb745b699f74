// Package tunnelcrypto builds the TLS material the tunnel transports need:
// a throwaway self-signed certificate for encrypting a transport, and three
// trust models built on top of it — pin-as-mutual-identity for the plain
// QUIC and HTTP/2 transports, server-only pinning for yamux, and
// accept-any-chain for hole-punched QUIC (which is encrypted but
// authenticated only by virtue of prior rendezvous, not by the
// certificate).
package tunnelcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// SelfSigned is a throwaway keypair and its self-signed certificate.
type SelfSigned struct {
	CertPEM []byte
	KeyPEM  []byte
	cert    tls.Certificate
}

// GenerateSelfSigned mints an ECDSA P-256 keypair and a self-signed cert
// valid for names (each added as a DNS SAN) for 24 hours — these
// certs exist only for the lifetime of one tunnel connection.
func GenerateSelfSigned(names []string) (*SelfSigned, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tunnelcrypto: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("tunnelcrypto: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "splitproxy-tunnel"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, name := range names {
		template.DNSNames = append(template.DNSNames, name)
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tunnelcrypto: create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("tunnelcrypto: marshal key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tunnelcrypto: load keypair: %w", err)
	}

	return &SelfSigned{CertPEM: certPEM, KeyPEM: keyPEM, cert: cert}, nil
}

// LoadSelfSigned rebuilds a SelfSigned from PEM bytes received over the
// rendezvous by the side that did not generate it: IN for the plain QUIC
// and HTTP/2 transports, OUT for http2-plug.
func LoadSelfSigned(certPEM, keyPEM []byte) (*SelfSigned, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("tunnelcrypto: load keypair: %w", err)
	}
	return &SelfSigned{CertPEM: certPEM, KeyPEM: keyPEM, cert: cert}, nil
}

func (s *SelfSigned) rootPool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(s.CertPEM) {
		return nil, fmt.Errorf("tunnelcrypto: append cert to pool")
	}
	return pool, nil
}

// MutualClientConfig builds a tls.Config for the peer dialing out: it
// trusts only s's certificate as the root and presents the same keypair as
// its own client identity, so both ends of the handshake are the one
// generated cert (OUT's, or IN's for http2-plug).
func (s *SelfSigned) MutualClientConfig(serverName string) (*tls.Config, error) {
	pool, err := s.rootPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{s.cert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// MutualServerConfig builds a tls.Config for the peer accepting
// connections: it presents s's certificate and requires the connecting
// peer to present a client certificate verified against that same cert as
// the sole trusted root.
func (s *SelfSigned) MutualServerConfig() (*tls.Config, error) {
	pool, err := s.rootPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerOnlyServerConfig builds a tls.Config that presents s's certificate
// and requires no client certificate.
func (s *SelfSigned) ServerOnlyServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS13,
	}
}

// ServerOnlyClientConfig builds a tls.Config that trusts only certPEM as its
// root and presents no client certificate of its own — the yamux
// transport's trust model, where the peer accepting connections proves its
// identity by certificate and the dialing peer instead proves itself with a
// bearer token sent over the now-encrypted channel. Unlike
// MutualClientConfig this takes raw cert bytes rather than a *SelfSigned,
// since the dialing side here never holds the matching private key.
func ServerOnlyClientConfig(certPEM []byte, serverName string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("tunnelcrypto: append cert to pool")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS13,
	}, nil
}

// InsecureQUICServerConfig returns a self-signed, client-cert-agnostic
// server config for the hole-punched QUIC transport: encrypted but
// deliberately not certificate-authenticated, since the rendezvous already
// vouches for the peer's identity.
// server config for the hole-punched QUIC transport.
func (s *SelfSigned) InsecureQUICServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{s.cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"splitproxy-punchquic"},
	}
}

// InsecureQUICClientConfig returns a client config that accepts any
// certificate chain from the peer, for the same reason.
func InsecureQUICClientConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{"splitproxy-punchquic"},
	}
}
