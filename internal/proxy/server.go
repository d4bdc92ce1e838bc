// Package proxy implements the MITM data plane: the CONNECT listener, the
// agent-side TLS acceptor with CA-minted leaf certificates, the per-tunnel
// pipeline (authenticate, match, transform, forward), and the upstream
// dialer.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mikekelly/gap/internal/activity"
	"github.com/mikekelly/gap/internal/ca"
	"github.com/mikekelly/gap/internal/jsruntime"
	"github.com/mikekelly/gap/internal/registry"
)

// Config holds the proxy listener parameters.
type Config struct {
	// Addr is the listen address. Default "127.0.0.1:9443".
	Addr string
	// RequestTimeout bounds a tunnel from CONNECT through the start of the
	// first response. Default 30s. Streaming is not subject to it. It is a
	// deadline on the agent connection only: sending the first request
	// upstream and waiting for the upstream status line are not bounded by it.
	RequestTimeout time.Duration
	// MaxBodyBytes caps a first request's buffered body. Default 16 MiB.
	MaxBodyBytes int64
}

// Server is the proxy listener. One goroutine per tunnel; each tunnel is
// handled sequentially to completion.
type Server struct {
	cfg         Config
	registry    *registry.Registry
	ca          *ca.Manager
	transformer *jsruntime.Transformer
	dialer      *Dialer
	metrics     *Metrics
	recorder    *activity.Recorder
	logger      *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// New assembles a Server. metrics and recorder may be nil.
func New(cfg Config, reg *registry.Registry, caManager *ca.Manager,
	transformer *jsruntime.Transformer, dialer *Dialer,
	metrics *Metrics, recorder *activity.Recorder, logger *slog.Logger) *Server {

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:9443"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if dialer == nil {
		dialer = &Dialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		registry:    reg,
		ca:          caManager,
		transformer: transformer,
		dialer:      dialer,
		metrics:     metrics,
		recorder:    recorder,
		logger:      logger,
	}
}

// Start listens on cfg.Addr and serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("proxy listening", "addr", ln.Addr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln)
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting and waits for in-flight tunnels up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Error("accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn drives one tunnel: CONNECT, proxy auth, agent-side TLS with an
// on-demand leaf certificate, then the request pipeline.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.ActiveTunnels.Inc()
		defer s.metrics.ActiveTunnels.Dec()
	}

	// One deadline on the agent connection covers CONNECT, the agent-side
	// handshake, and reading the first request; the upstream side of the
	// first exchange is not under it.
	deadline := time.Now().Add(s.cfg.RequestTimeout)
	_ = conn.SetDeadline(deadline)

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		s.metrics.tunnelOutcome("bad_request")
		writeRawStatus(conn, http.StatusBadRequest, nil)
		return
	}
	if req.Method != http.MethodConnect {
		s.metrics.tunnelOutcome("bad_request")
		s.logger.Debug("non-CONNECT request rejected", "method", req.Method)
		writeRawStatus(conn, http.StatusBadRequest, nil)
		return
	}

	connectHost, connectPort := splitAuthority(req.Host)
	if connectHost == "" {
		s.metrics.tunnelOutcome("bad_request")
		writeRawStatus(conn, http.StatusBadRequest, nil)
		return
	}

	token := bearerToken(req.Header.Get("Proxy-Authorization"))
	if token == "" {
		s.metrics.tunnelOutcome("auth_fail")
		s.logger.Debug("CONNECT without proxy credentials", "host", connectHost)
		writeRawStatus(conn, http.StatusProxyAuthRequired, map[string]string{
			"Proxy-Authenticate": `Basic realm="gap"`,
		})
		return
	}
	tokenID, ok := s.registry.ValidateToken(token)
	if !ok {
		s.metrics.tunnelOutcome("auth_fail")
		s.logger.Debug("CONNECT with invalid token", "host", connectHost)
		writeRawStatus(conn, http.StatusProxyAuthRequired, map[string]string{
			"Proxy-Authenticate": `Basic realm="gap"`,
		})
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	// Agent-side TLS. SNI picks the leaf; absent SNI falls back to the
	// CONNECT authority.
	tlsConn := tls.Server(conn, &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
			host := chi.ServerName
			if host == "" {
				host = connectHost
			}
			return s.ca.SignLeaf(host)
		},
	})
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug("agent TLS handshake failed", "host", connectHost, "error", err)
		return
	}

	s.tunnel(tlsConn, conn, connectHost, connectPort, tokenID)
}

// bearerToken extracts the token from "Bearer <token>"; anything else is
// treated as absent.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// splitAuthority splits a CONNECT authority into host and port, defaulting
// the port to 443.
func splitAuthority(authority string) (host, port string) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		return authority, "443"
	}
	if port == "" {
		port = "443"
	}
	return host, port
}

// writeRawStatus writes a minimal HTTP/1.1 status response. Used both on
// the raw socket (pre-TLS) and inside the agent TLS stream.
func writeRawStatus(w io.Writer, code int, headers map[string]string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	for name, value := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}
	b.WriteString("Content-Length: 0\r\nConnection: close\r\n\r\n")
	_, _ = io.WriteString(w, b.String())
}
