package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// UpstreamErrorKind classifies why an upstream connection failed, which
// drives the status returned to the agent: DNS and TLS failures map to 502,
// a connect timeout to 504.
type UpstreamErrorKind int

const (
	UpstreamDNS UpstreamErrorKind = iota
	UpstreamConnect
	UpstreamTLSVerify
	UpstreamTLSHandshake
)

func (k UpstreamErrorKind) String() string {
	switch k {
	case UpstreamDNS:
		return "dns"
	case UpstreamConnect:
		return "connect"
	case UpstreamTLSVerify:
		return "tls_verify"
	case UpstreamTLSHandshake:
		return "tls_handshake"
	default:
		return "unknown"
	}
}

// UpstreamError wraps a dial failure with its classification.
type UpstreamError struct {
	Kind    UpstreamErrorKind
	Host    string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %s: %v", e.Host, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Dialer opens one TLS connection to an origin per tunnel. There is no
// connection pooling. Certificates are verified against the system trust
// store with the target host checked against the SANs; TLSConfig overrides
// the verification roots for tests.
type Dialer struct {
	// HandshakeTimeout bounds DNS + TCP connect + TLS handshake.
	HandshakeTimeout time.Duration
	// TLSConfig, when non-nil, is cloned as the base client config.
	TLSConfig *tls.Config
	// Logger for dial events.
	Logger *slog.Logger
}

// Dial resolves host, connects, and completes a TLS handshake. Failures are
// returned as *UpstreamError.
func (d *Dialer) Dial(ctx context.Context, host, port string) (*tls.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	nd := &net.Dialer{}
	raw, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, classifyDialError(host, err)
	}

	var cfg *tls.Config
	if d.TLSConfig != nil {
		cfg = d.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	cfg.ServerName = host

	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, classifyTLSError(host, err)
	}

	if d.Logger != nil {
		d.Logger.Debug("upstream connected", "host", host, "port", port)
	}
	return conn, nil
}

func classifyDialError(host string, err error) *UpstreamError {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &UpstreamError{Kind: UpstreamDNS, Host: host, Timeout: dnsErr.IsTimeout, Err: err}
	}
	timeout := false
	var netErr net.Error
	if errors.As(err, &netErr) {
		timeout = netErr.Timeout()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		timeout = true
	}
	return &UpstreamError{Kind: UpstreamConnect, Host: host, Timeout: timeout, Err: err}
}

func classifyTLSError(host string, err error) *UpstreamError {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verifyErr        *tls.CertificateVerificationError
	)
	if errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &invalidCert) ||
		errors.As(err, &verifyErr) {
		return &UpstreamError{Kind: UpstreamTLSVerify, Host: host, Err: err}
	}
	return &UpstreamError{Kind: UpstreamTLSHandshake, Host: host, Err: err}
}
