package jsruntime

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func testTransformer() *Transformer {
	return New(Config{Timeout: 500 * time.Millisecond})
}

func testRequest() *Request {
	return &Request{
		Method: "GET",
		URL:    "https://api.exa.ai/search?q=hi",
		Headers: [][2]string{
			{"Host", "api.exa.ai"},
			{"Accept", "application/json"},
		},
		Body: nil,
	}
}

// wrapTransform builds a plugin whose transform body is the given JS.
func wrapTransform(body string) string {
	return fmt.Sprintf(`var plugin = {
  name: "test",
  match: ["api.exa.ai"],
  credentialSchema: ["api_key"],
  transform: function(request, credentials) {
    %s
  }
};`, body)
}

func TestTransform_InjectsCredentialHeader(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`
    request.headers.push(["x-api-key", credentials.api_key]);
    return request;`)

	out, _, err := tr.Transform("test", code, testRequest(), map[string]string{"api_key": "SECRET"})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	found := false
	for _, h := range out.Headers {
		if h[0] == "x-api-key" {
			found = true
			if h[1] != "SECRET" {
				t.Errorf("x-api-key = %q, want SECRET", h[1])
			}
		}
	}
	if !found {
		t.Error("transform did not add x-api-key header")
	}
	// Original header order is preserved ahead of the appended one.
	if out.Headers[0][0] != "Host" || out.Headers[1][0] != "Accept" {
		t.Errorf("header order not preserved: %v", out.Headers)
	}
}

func TestTransform_SeesExactlyConfiguredCredentials(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`
    var keys = [];
    for (var k in credentials) { keys.push(k + "=" + credentials[k]); }
    keys.sort();
    request.headers.push(["x-seen", keys.join(",")]);
    return request;`)

	creds := map[string]string{"api_key": "VALUE-1"}
	out, _, err := tr.Transform("test", code, testRequest(), creds)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	last := out.Headers[len(out.Headers)-1]
	if last[1] != "api_key=VALUE-1" {
		t.Errorf("plugin saw credentials %q, want exactly api_key=VALUE-1", last[1])
	}
}

func TestTransform_DeepCopiesInput(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`
    request.headers.length = 0;
    request.method = "DELETE";
    request.body[0] = 88;
    return { method: "POST", url: request.url, headers: [["a", "b"]], body: "new" };`)

	in := testRequest()
	in.Body = []byte("abc")
	out, _, err := tr.Transform("test", code, in, nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	// Caller's request is untouched regardless of what the plugin did.
	if in.Method != "GET" || len(in.Headers) != 2 || string(in.Body) != "abc" {
		t.Errorf("input mutated by plugin: %+v", in)
	}
	if out.Method != "POST" || string(out.Body) != "new" {
		t.Errorf("output = %s %q", out.Method, out.Body)
	}
}

func TestTransform_BodyRoundTrip(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`
    var body = new TextDecoder().decode(request.body);
    request.body = new TextEncoder().encode(body + "!");
    return request;`)

	in := testRequest()
	in.Body = []byte("payload")
	out, _, err := tr.Transform("test", code, in, nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if string(out.Body) != "payload!" {
		t.Errorf("body = %q, want %q", out.Body, "payload!")
	}
}

func TestTransform_ThrownExceptionFailsClosed(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`throw new Error("nope");`)

	_, _, err := tr.Transform("test", code, testRequest(), nil)
	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("Transform = %v, want TransformError", err)
	}
	if !strings.Contains(te.Msg, "nope") {
		t.Errorf("error message %q missing thrown text", te.Msg)
	}
}

func TestTransform_SandboxDenials(t *testing.T) {
	tr := testTransformer()

	cases := []struct {
		name string
		body string
	}{
		{"fetch", `fetch("https://evil.example"); return request;`},
		{"XMLHttpRequest", `new XMLHttpRequest(); return request;`},
		{"WebSocket", `new WebSocket("wss://evil.example"); return request;`},
		{"eval", `eval("1+1"); return request;`},
		{"Function constructor", `new Function("return 1")(); return request;`},
		{"setTimeout", `setTimeout(function(){}, 0); return request;`},
		{"setInterval", `setInterval(function(){}, 0); return request;`},
		{"require", `require("fs"); return request;`},
		{"WebAssembly", `new WebAssembly.Module(); return request;`},
		{"navigator", `navigator.userAgent; return request;`},
		{"process", `process.env.HOME; return request;`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := tr.Transform("test", wrapTransform(tc.body), testRequest(), nil)
			var te *TransformError
			if !errors.As(err, &te) {
				t.Errorf("Transform with %s = %v, want TransformError", tc.name, err)
			}
		})
	}
}

func TestTransform_Timeout(t *testing.T) {
	tr := New(Config{Timeout: 50 * time.Millisecond})
	code := wrapTransform(`while (true) {} return request;`)

	start := time.Now()
	_, _, err := tr.Transform("test", code, testRequest(), nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Transform = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, watchdog did not fire", elapsed)
	}
}

func TestTransform_MemoryLimit(t *testing.T) {
	tr := New(Config{Timeout: 2 * time.Second, MemoryLimit: 1 << 20})
	// Each utf8Encode round-trips through the host and is charged against
	// the budget; 4 x 512 KiB blows a 1 MiB ceiling.
	code := wrapTransform(`
    var chunk = new Array(512 * 1024 + 1).join("x");
    for (var i = 0; i < 4; i++) { GAP.util.utf8Encode(chunk); }
    return request;`)

	_, _, err := tr.Transform("test", code, testRequest(), nil)
	if !errors.Is(err, ErrMemory) {
		t.Fatalf("Transform = %v, want ErrMemory", err)
	}
}

func TestTransform_RuntimeNotSharedAcrossCalls(t *testing.T) {
	tr := testTransformer()
	first := wrapTransform(`
    leaked = "from-first-call";
    return request;`)
	second := wrapTransform(`
    var v = typeof leaked;
    request.headers.push(["x-leak", v]);
    return request;`)

	if _, _, err := tr.Transform("one", first, testRequest(), nil); err != nil {
		t.Fatalf("first Transform: %v", err)
	}
	out, _, err := tr.Transform("two", second, testRequest(), nil)
	if err != nil {
		t.Fatalf("second Transform: %v", err)
	}
	last := out.Headers[len(out.Headers)-1]
	if last[1] != "undefined" {
		t.Errorf("global leaked across runtimes: typeof leaked = %q", last[1])
	}
}

func TestTransform_LogCapture(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`
    GAP.log("first line");
    GAP.log("second line");
    return request;`)

	_, logs, err := tr.Transform("test", code, testRequest(), nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if len(logs) != 2 || logs[0] != "first line" || logs[1] != "second line" {
		t.Errorf("logs = %v", logs)
	}
}

func TestHostAPI_CryptoVectors(t *testing.T) {
	tr := testTransformer()

	cases := []struct {
		name string
		expr string
		want string
	}{
		{
			"sha256Hex",
			`GAP.crypto.sha256Hex("hello")`,
			"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		},
		{
			"hmac hex",
			`GAP.crypto.hmac("key", "message", "hex")`,
			"6e9ef29b75fffc5b7abae527d58fdadb2fe42e7219011976917343065f58ed4a",
		},
		{"base64", `GAP.util.base64Encode("hello")`, "aGVsbG8="},
		{"base64url", `GAP.util.base64UrlEncode("hello?")`, "aGVsbG8_"},
		{"hex", `GAP.util.hexEncode("hello")`, "68656c6c6f"},
		{"hex decode", `GAP.util.utf8Decode(GAP.util.hexDecode("68656c6c6f"))`, "hello"},
		{"amzDate", `GAP.util.amzDate(1704067200000)`, "20240101T000000Z"},
		{"isoDate", `GAP.util.isoDate(1704067200000)`, "2024-01-01T00:00:00.000Z"},
		{"URL parsing", `new URL("https://api.exa.ai/search?q=hi").hostname`, "api.exa.ai"},
		{"URLSearchParams", `new URLSearchParams("a=1&b=2").get("b")`, "2"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := wrapTransform(fmt.Sprintf(
				`request.headers.push(["x-result", String(%s)]); return request;`, tc.expr))
			out, _, err := tr.Transform("test", code, testRequest(), nil)
			if err != nil {
				t.Fatalf("Transform: %v", err)
			}
			last := out.Headers[len(out.Headers)-1]
			if last[1] != tc.want {
				t.Errorf("%s = %q, want %q", tc.expr, last[1], tc.want)
			}
		})
	}
}

func TestHostAPI_SignAwsV4(t *testing.T) {
	tr := testTransformer()
	code := wrapTransform(`
    var signed = GAP.crypto.signAwsV4({
      accessKeyId: "AKIDEXAMPLE",
      secretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
      region: "us-east-1",
      service: "s3",
      method: "GET",
      url: "https://bucket.s3.amazonaws.com/key?list-type=2",
      timestamp: 1704067200000
    });
    request.headers.push(["Authorization", signed["Authorization"]]);
    request.headers.push(["x-amz-date", signed["x-amz-date"]]);
    request.headers.push(["x-amz-content-sha256", signed["x-amz-content-sha256"]]);
    return request;`)

	out, _, err := tr.Transform("test", code, testRequest(), nil)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	headers := map[string]string{}
	for _, h := range out.Headers {
		headers[h[0]] = h[1]
	}
	auth := headers["Authorization"]
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240101/us-east-1/s3/aws4_request") {
		t.Errorf("Authorization = %q", auth)
	}
	if !strings.Contains(auth, "SignedHeaders=host;x-amz-content-sha256;x-amz-date") {
		t.Errorf("SignedHeaders wrong in %q", auth)
	}
	if !strings.Contains(auth, "Signature=") {
		t.Errorf("Signature missing in %q", auth)
	}
	if headers["x-amz-date"] != "20240101T000000Z" {
		t.Errorf("x-amz-date = %q", headers["x-amz-date"])
	}
	// SHA-256 of the empty payload.
	if headers["x-amz-content-sha256"] != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("x-amz-content-sha256 = %q", headers["x-amz-content-sha256"])
	}
}

func TestDescribe(t *testing.T) {
	tr := testTransformer()
	code := `var plugin = {
  name: "exa",
  match: ["api.exa.ai", "*.exa.ai"],
  credentialSchema: ["api_key"],
  transform: function(request, credentials) { return request; }
};`

	desc, err := tr.Describe(code)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc.Name != "exa" {
		t.Errorf("Name = %q", desc.Name)
	}
	if len(desc.MatchPatterns) != 2 || desc.MatchPatterns[1] != "*.exa.ai" {
		t.Errorf("MatchPatterns = %v", desc.MatchPatterns)
	}
	if len(desc.CredentialSchema) != 1 || desc.CredentialSchema[0] != "api_key" {
		t.Errorf("CredentialSchema = %v", desc.CredentialSchema)
	}
}

func TestDescribe_RejectsMissingTransform(t *testing.T) {
	tr := testTransformer()

	cases := []struct {
		name string
		code string
	}{
		{"no plugin global", `var notPlugin = 1;`},
		{"transform not a function", `var plugin = { name: "x", transform: 42 };`},
		{"syntax error", `var plugin = {`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tr.Describe(tc.code); err == nil {
				t.Error("Describe accepted invalid plugin")
			}
		})
	}
}
