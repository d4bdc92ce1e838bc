package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadRequest_PreservesHeaderOrder(t *testing.T) {
	raw := "GET /search?q=hi HTTP/1.1\r\n" +
		"Host: api.exa.ai\r\n" +
		"X-Second: 2\r\n" +
		"x-first: 1\r\n" +
		"Accept: */*\r\n" +
		"\r\n"

	req, err := ReadRequest(reader(raw), 1<<20)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if req.Method != "GET" || req.URL != "/search?q=hi" {
		t.Errorf("parsed %s %s", req.Method, req.URL)
	}

	wantOrder := []string{"Host", "X-Second", "x-first", "Accept"}
	if len(req.Headers) != len(wantOrder) {
		t.Fatalf("headers = %v", req.Headers)
	}
	for i, name := range wantOrder {
		if req.Headers[i][0] != name {
			t.Errorf("header[%d] = %q, want %q (order and casing preserved)", i, req.Headers[i][0], name)
		}
	}
	if req.Header("X-FIRST") != "1" {
		t.Errorf("case-insensitive lookup failed: %q", req.Header("X-FIRST"))
	}
}

func TestReadRequest_ContentLengthBody(t *testing.T) {
	raw := "POST /v1/items HTTP/1.1\r\n" +
		"Host: api.example.com\r\n" +
		"Content-Length: 11\r\n" +
		"\r\n" +
		"hello world"

	req, err := ReadRequest(reader(raw), 1<<20)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if string(req.Body) != "hello world" {
		t.Errorf("body = %q", req.Body)
	}
}

func TestReadRequest_ChunkedBody(t *testing.T) {
	raw := "POST /v1/items HTTP/1.1\r\n" +
		"Host: api.example.com\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n"

	req, err := ReadRequest(reader(raw), 1<<20)
	if err != nil {
		t.Fatalf("ReadRequest: %v", err)
	}
	if string(req.Body) != "hello world" {
		t.Errorf("body = %q", req.Body)
	}
}

func TestReadRequest_BodyTooLarge(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 100\r\n\r\n" + strings.Repeat("x", 100)

	_, err := ReadRequest(reader(raw), 10)
	if !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("ReadRequest = %v, want ErrBodyTooLarge", err)
	}
}

func TestReadRequest_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"garbage line", "NOT-HTTP\r\n\r\n"},
		{"missing proto", "GET /\r\n\r\n"},
		{"bad content length", "GET / HTTP/1.1\r\nContent-Length: abc\r\n\r\n"},
		{"header without colon", "GET / HTTP/1.1\r\nbroken header\r\n\r\n"},
		{"truncated", "GET / HTTP/1.1\r\nHost: h"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ReadRequest(reader(tc.raw), 1<<20); err == nil {
				t.Error("ReadRequest accepted malformed input")
			}
		})
	}
}

func TestAbsolutize(t *testing.T) {
	cases := []struct {
		name string
		url  string
		host string
		port string
		want string
	}{
		{"origin form", "/search?q=hi", "api.exa.ai", "443", "https://api.exa.ai/search?q=hi"},
		{"non-default port", "/x", "api.exa.ai", "8443", "https://api.exa.ai:8443/x"},
		{"already absolute", "https://api.exa.ai/x", "other", "443", "https://api.exa.ai/x"},
		{"asterisk", "*", "api.exa.ai", "443", "https://api.exa.ai/"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &Request{Method: "GET", URL: tc.url}
			req.Absolutize(tc.host, tc.port)
			if req.URL != tc.want {
				t.Errorf("Absolutize = %q, want %q", req.URL, tc.want)
			}
		})
	}
}

func TestWrite_FixesFramingAndStripsProxyHeaders(t *testing.T) {
	req := &Request{
		Method: "POST",
		URL:    "https://api.exa.ai/search",
		Headers: [][2]string{
			{"Host", "api.exa.ai"},
			{"Proxy-Authorization", "Bearer gap_secret"},
			{"Transfer-Encoding", "chunked"},
			{"Content-Length", "999"},
			{"x-api-key", "SECRET"},
		},
		Body: []byte("12345"),
	}

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "POST /search HTTP/1.1\r\n") {
		t.Errorf("request line wrong: %q", out)
	}
	if strings.Contains(out, "Proxy-Authorization") {
		t.Error("proxy credentials leaked upstream")
	}
	if strings.Contains(out, "Transfer-Encoding") {
		t.Error("Transfer-Encoding not stripped")
	}
	if !strings.Contains(out, "Content-Length: 5\r\n") {
		t.Error("Content-Length not corrected to body length")
	}
	if !strings.HasSuffix(out, "\r\n\r\n12345") {
		t.Errorf("body framing wrong: %q", out)
	}

	// Kept headers stay in order.
	hostIdx := strings.Index(out, "Host:")
	keyIdx := strings.Index(out, "x-api-key:")
	if hostIdx == -1 || keyIdx == -1 || hostIdx > keyIdx {
		t.Errorf("header order not preserved: %q", out)
	}
}

func TestWrite_AddsHostAndLengthWhenMissing(t *testing.T) {
	req := &Request{
		Method:  "PUT",
		URL:     "https://api.example.com:8443/v1",
		Headers: [][2]string{{"Accept", "*/*"}},
		Body:    []byte("abc"),
	}

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Host: api.example.com:8443\r\n") {
		t.Errorf("missing Host header: %q", out)
	}
	if !strings.Contains(out, "Content-Length: 3\r\n") {
		t.Errorf("missing Content-Length: %q", out)
	}
}

func TestClone_Independent(t *testing.T) {
	req := &Request{
		Method:  "GET",
		URL:     "https://a/b",
		Headers: [][2]string{{"A", "1"}},
		Body:    []byte("x"),
	}
	clone := req.Clone()
	clone.Headers[0][1] = "2"
	clone.Body[0] = 'y'

	if req.Headers[0][1] != "1" || req.Body[0] != 'x' {
		t.Error("Clone shares memory with original")
	}
}
