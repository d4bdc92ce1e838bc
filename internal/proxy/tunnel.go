package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mikekelly/gap/internal/activity"
	"github.com/mikekelly/gap/internal/httpmsg"
	"github.com/mikekelly/gap/internal/jsruntime"
)

// tunnel runs the per-tunnel pipeline after the agent-side TLS handshake:
// read the first request, require its Host to equal the CONNECT authority,
// match a plugin, transform with scoped credentials, dial the origin, and
// stream the response. Every failure is terminal and fails closed: nothing
// is forwarded.
//
// Requests after the first are passed through unmodified: once the first
// response starts streaming, the tunnel degenerates to a bidirectional byte
// relay with no re-match and no re-transform.
func (s *Server) tunnel(tlsConn *tls.Conn, rawConn net.Conn, connectHost, connectPort, tokenID string) {
	record := func(status int, pluginName, method, url, detail string, logs []string) {
		if s.recorder != nil {
			s.recorder.Record(activity.Entry{
				TokenID:    tokenID,
				Host:       connectHost,
				Method:     method,
				URL:        url,
				Plugin:     pluginName,
				Status:     status,
				Detail:     detail,
				PluginLogs: logs,
			})
		}
	}

	tbr := bufio.NewReader(tlsConn)
	req, err := httpmsg.ReadRequest(tbr, s.cfg.MaxBodyBytes)
	if err != nil {
		s.metrics.tunnelOutcome("bad_request")
		s.logger.Debug("failed to read tunneled request", "host", connectHost, "error", err)
		writeRawStatus(tlsConn, http.StatusBadRequest, nil)
		return
	}

	// The in-tunnel Host must agree with the CONNECT authority; a mismatch
	// would let an agent tunnel to one allowlisted host and address another.
	reqHost, _ := splitAuthority(req.Header("Host"))
	if reqHost == "" || !strings.EqualFold(reqHost, connectHost) {
		s.metrics.tunnelOutcome("host_mismatch")
		s.logger.Warn("tunneled Host does not match CONNECT authority",
			"connect_host", connectHost, "request_host", reqHost)
		record(http.StatusMisdirectedRequest, "", req.Method, req.URL, "host mismatch", nil)
		writeRawStatus(tlsConn, http.StatusMisdirectedRequest, nil)
		return
	}

	// Allowlist gate: no plugin, no tunnel. This runs before any DNS or
	// TCP activity toward the origin.
	entry, ok := s.registry.Match(connectHost)
	if !ok {
		s.metrics.tunnelOutcome("no_match")
		s.logger.Info("no plugin for host, refusing", "host", connectHost)
		record(http.StatusForbidden, "", req.Method, req.URL, "no plugin match", nil)
		writeRawStatus(tlsConn, http.StatusForbidden, nil)
		return
	}

	creds := s.registry.Credentials(entry.Name)
	code, err := s.registry.PluginCode(entry.Name)
	if err != nil {
		s.metrics.tunnelOutcome("storage_fail")
		s.logger.Error("failed to load plugin code", "plugin", entry.Name, "error", err)
		record(http.StatusInternalServerError, entry.Name, req.Method, req.URL, "plugin code unavailable", nil)
		writeRawStatus(tlsConn, http.StatusInternalServerError, nil)
		return
	}

	req.Absolutize(connectHost, connectPort)

	transformStart := time.Now()
	transformed, pluginLogs, err := s.transformer.Transform(entry.Name, code, req, creds)
	if s.metrics != nil {
		s.metrics.TransformDuration.Observe(time.Since(transformStart).Seconds())
	}
	if err != nil {
		s.metrics.tunnelOutcome("transform_fail")
		s.logger.Error("plugin transform failed", "plugin", entry.Name,
			"host", connectHost, "kind", transformFailureKind(err), "error", err)
		record(http.StatusBadGateway, entry.Name, req.Method, req.URL,
			"transform failed: "+transformFailureKind(err), pluginLogs)
		writeRawStatus(tlsConn, http.StatusBadGateway, nil)
		return
	}

	upstream, err := s.dialer.Dial(context.Background(), connectHost, connectPort)
	if err != nil {
		status := http.StatusBadGateway
		var ue *UpstreamError
		if errors.As(err, &ue) {
			s.metrics.upstreamError(ue.Kind)
			if ue.Kind == UpstreamConnect && ue.Timeout {
				status = http.StatusGatewayTimeout
			}
		}
		s.metrics.tunnelOutcome("upstream_fail")
		s.logger.Error("upstream dial failed", "host", connectHost, "error", err)
		record(status, entry.Name, req.Method, req.URL, "upstream: "+err.Error(), pluginLogs)
		writeRawStatus(tlsConn, status, nil)
		return
	}
	defer upstream.Close()

	if err := transformed.Write(upstream); err != nil {
		s.metrics.tunnelOutcome("upstream_fail")
		s.logger.Error("failed to send request upstream", "host", connectHost, "error", err)
		writeRawStatus(tlsConn, http.StatusBadGateway, nil)
		return
	}

	// Peek only the status line for the activity log; everything else is
	// relayed verbatim.
	ubr := bufio.NewReader(upstream)
	statusLine, err := ubr.ReadString('\n')
	if err != nil {
		s.metrics.tunnelOutcome("upstream_fail")
		s.logger.Error("failed to read upstream status", "host", connectHost, "error", err)
		writeRawStatus(tlsConn, http.StatusBadGateway, nil)
		return
	}
	status := parseStatusLine(statusLine)
	record(status, entry.Name, req.Method, req.URL, "", pluginLogs)
	s.metrics.tunnelOutcome("streamed")

	// First exchange is under way; lift the request deadline so long
	// streams are not cut off.
	_ = rawConn.SetDeadline(time.Time{})

	if _, err := io.WriteString(tlsConn, statusLine); err != nil {
		return
	}
	s.relay(tlsConn, tbr, upstream, ubr)
}

// relay copies bytes in both directions until both sides are done,
// half-closing each write side as its source drains. tbr and ubr may hold
// buffered bytes (a pipelined second request, response bytes after the
// status line) and are drained through the same copies.
func (s *Server) relay(tlsConn *tls.Conn, agentReader io.Reader, upstream *tls.Conn, upstreamReader io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = io.Copy(upstream, agentReader)
		_ = upstream.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(tlsConn, upstreamReader)
		_ = tlsConn.CloseWrite()
	}()

	wg.Wait()
}

// parseStatusLine extracts the status code from "HTTP/1.1 200 OK".
func parseStatusLine(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// transformFailureKind names the failure class for logs and activity
// entries without leaking plugin internals.
func transformFailureKind(err error) string {
	switch {
	case errors.Is(err, jsruntime.ErrTimeout):
		return "timeout"
	case errors.Is(err, jsruntime.ErrMemory):
		return "memory"
	default:
		return "transform"
	}
}
