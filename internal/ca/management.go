package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mikekelly/gap/internal/storage"
)

// defaultManagementValidity covers a management certificate that is rotated
// rarely; it is persisted, not cached, so restarts keep serving it.
const defaultManagementValidity = 90 * 24 * time.Hour

// ErrNoManagementCert is returned by ManagementTLSConfig handshakes before
// any certificate has been rotated in.
var ErrNoManagementCert = errors.New("ca: no management certificate")

// ParseSANs splits "DNS:localhost,IP:127.0.0.1"-style entries into DNS names
// and IP addresses. Entries without a prefix are treated as DNS names unless
// they parse as IP literals.
func ParseSANs(sans []string) (dns []string, ips []net.IP, err error) {
	for _, san := range sans {
		san = strings.TrimSpace(san)
		switch {
		case san == "":
			continue
		case strings.HasPrefix(san, "DNS:"):
			dns = append(dns, strings.TrimPrefix(san, "DNS:"))
		case strings.HasPrefix(san, "IP:"):
			ip := net.ParseIP(strings.TrimPrefix(san, "IP:"))
			if ip == nil {
				return nil, nil, fmt.Errorf("ca: invalid IP SAN %q", san)
			}
			ips = append(ips, ip)
		default:
			if ip := net.ParseIP(san); ip != nil {
				ips = append(ips, ip)
			} else {
				dns = append(dns, san)
			}
		}
	}
	if len(dns) == 0 && len(ips) == 0 {
		return nil, nil, errors.New("ca: management cert needs at least one SAN")
	}
	return dns, ips, nil
}

// RotateManagementCert mints a certificate for the management endpoint with
// an explicit SAN list, persists it to the store, and swaps it in for new
// handshakes. In-flight handshakes keep the certificate they started with.
// Returns the new certificate PEM.
func (m *Manager) RotateManagementCert(sans []string, validity time.Duration) ([]byte, error) {
	dns, ips, err := ParseSANs(sans)
	if err != nil {
		return nil, err
	}
	if validity <= 0 {
		validity = defaultManagementValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate management key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	cn := "gap management"
	if len(dns) > 0 {
		cn = dns[0]
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-clockSkew),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dns,
		IPAddresses:  ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, m.caCert, &key.PublicKey, m.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign management cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal management key: %w", err)
	}

	if err := m.store.Put(mgmtKeyKey, keyDER); err != nil {
		return nil, fmt.Errorf("persist management key: %w", err)
	}
	if err := m.store.Put(mgmtCertKey, der); err != nil {
		return nil, fmt.Errorf("persist management cert: %w", err)
	}

	cert, err := buildManagementCert(der, m.caDER, key)
	if err != nil {
		return nil, err
	}
	m.mgmtCert.Store(cert)

	m.logger.Info("management certificate rotated", "dns", dns, "ips", ips,
		"not_after", template.NotAfter)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// loadManagementCert restores a previously rotated management certificate
// from the store, if any.
func (m *Manager) loadManagementCert() error {
	certDER, certErr := m.store.Get(mgmtCertKey)
	keyDER, keyErr := m.store.Get(mgmtKeyKey)
	if errors.Is(certErr, storage.ErrNotFound) || errors.Is(keyErr, storage.ErrNotFound) {
		return nil
	}
	if certErr != nil {
		return fmt.Errorf("load management cert: %w", certErr)
	}
	if keyErr != nil {
		return fmt.Errorf("load management key: %w", keyErr)
	}

	key, err := x509.ParseECPrivateKey(keyDER)
	if err != nil {
		return fmt.Errorf("parse management key: %w", errors.Join(storage.ErrCorrupt, err))
	}
	cert, err := buildManagementCert(certDER, m.caDER, key)
	if err != nil {
		return err
	}
	m.mgmtCert.Store(cert)
	return nil
}

func buildManagementCert(der, caDER []byte, key *ecdsa.PrivateKey) (*tls.Certificate, error) {
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse management cert: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, caDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// ManagementCertificate returns the current management certificate, or nil
// before the first rotation.
func (m *Manager) ManagementCertificate() *tls.Certificate {
	return m.mgmtCert.Load()
}

// ManagementTLSConfig returns a TLS config whose GetCertificate reads the
// atomic pointer on every handshake, so rotation is wait-free for readers:
// handshakes in flight finish with the old certificate, new handshakes see
// the new one.
func (m *Manager) ManagementTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert := m.mgmtCert.Load()
			if cert == nil {
				return nil, ErrNoManagementCert
			}
			return cert, nil
		},
		MinVersion: tls.VersionTLS12,
	}
}
