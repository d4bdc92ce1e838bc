package jsruntime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// awsV4Input carries the fields of the options object accepted by
// GAP.crypto.signAwsV4.
type awsV4Input struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Service         string
	Method          string
	URL             string
	Body            []byte
	Time            time.Time
}

// jsSignAwsV4 computes an AWS Signature Version 4 over the given request and
// returns the headers the plugin should set:
//
//	{ "Authorization", "x-amz-date", "x-amz-content-sha256",
//	  "x-amz-security-token" (when a session token is provided) }
//
// Plugins merge these into the request's header list.
func (s *session) jsSignAwsV4(call goja.FunctionCall) goja.Value {
	in, err := s.awsV4InputFromJS(call.Argument(0))
	if err != nil {
		panic(s.vm.NewTypeError(err.Error()))
	}

	headers, err := signAwsV4(in)
	if err != nil {
		panic(s.vm.NewTypeError(err.Error()))
	}

	obj := s.vm.NewObject()
	for name, value := range headers {
		s.mustCharge(len(name) + len(value))
		if setErr := obj.Set(name, value); setErr != nil {
			panic(s.vm.NewTypeError("failed to build result object"))
		}
	}
	return obj
}

func (s *session) awsV4InputFromJS(v goja.Value) (*awsV4Input, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("signAwsV4 requires an options object")
	}
	obj := v.ToObject(s.vm)

	str := func(field string) string {
		fv := obj.Get(field)
		if fv == nil || goja.IsUndefined(fv) || goja.IsNull(fv) {
			return ""
		}
		return fv.String()
	}

	in := &awsV4Input{
		AccessKeyID:     str("accessKeyId"),
		SecretAccessKey: str("secretAccessKey"),
		SessionToken:    str("sessionToken"),
		Region:          str("region"),
		Service:         str("service"),
		Method:          strings.ToUpper(str("method")),
		URL:             str("url"),
		Time:            time.Now().UTC(),
	}
	if ts := obj.Get("timestamp"); ts != nil && !goja.IsUndefined(ts) && !goja.IsNull(ts) {
		in.Time = time.UnixMilli(ts.ToInteger()).UTC()
	}
	body, err := s.bytesFromJS(obj.Get("body"))
	if err != nil {
		return nil, fmt.Errorf("signAwsV4 body must be a string or byte array")
	}
	in.Body = body

	switch {
	case in.AccessKeyID == "" || in.SecretAccessKey == "":
		return nil, fmt.Errorf("signAwsV4 requires accessKeyId and secretAccessKey")
	case in.Region == "" || in.Service == "":
		return nil, fmt.Errorf("signAwsV4 requires region and service")
	case in.Method == "" || in.URL == "":
		return nil, fmt.Errorf("signAwsV4 requires method and url")
	}
	return in, nil
}

// signAwsV4 implements the SigV4 canonical request / string-to-sign / key
// derivation chain with host, x-amz-date, and x-amz-content-sha256 as the
// signed headers (plus x-amz-security-token when present).
func signAwsV4(in *awsV4Input) (map[string]string, error) {
	u, err := url.Parse(in.URL)
	if err != nil {
		return nil, fmt.Errorf("signAwsV4: invalid url: %v", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("signAwsV4: url must be absolute")
	}

	amzDate := in.Time.Format("20060102T150405Z")
	dateStamp := in.Time.Format("20060102")

	payloadSum := sha256.Sum256(in.Body)
	payloadHash := hex.EncodeToString(payloadSum[:])

	signed := []struct{ name, value string }{
		{"host", u.Host},
		{"x-amz-content-sha256", payloadHash},
		{"x-amz-date", amzDate},
	}
	if in.SessionToken != "" {
		signed = append(signed, struct{ name, value string }{"x-amz-security-token", in.SessionToken})
	}
	sort.Slice(signed, func(i, j int) bool { return signed[i].name < signed[j].name })

	var canonicalHeaders, signedHeaderNames strings.Builder
	for i, h := range signed {
		canonicalHeaders.WriteString(h.name)
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(strings.TrimSpace(h.value))
		canonicalHeaders.WriteByte('\n')
		if i > 0 {
			signedHeaderNames.WriteByte(';')
		}
		signedHeaderNames.WriteString(h.name)
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	canonicalRequest := strings.Join([]string{
		in.Method,
		path,
		canonicalQuery(u),
		canonicalHeaders.String(),
		signedHeaderNames.String(),
		payloadHash,
	}, "\n")
	requestSum := sha256.Sum256([]byte(canonicalRequest))

	scope := strings.Join([]string{dateStamp, in.Region, in.Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		hex.EncodeToString(requestSum[:]),
	}, "\n")

	signingKey := hmacSHA256(
		hmacSHA256(
			hmacSHA256(
				hmacSHA256([]byte("AWS4"+in.SecretAccessKey), dateStamp),
				in.Region),
			in.Service),
		"aws4_request")
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	headers := map[string]string{
		"Authorization": fmt.Sprintf(
			"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
			in.AccessKeyID, scope, signedHeaderNames.String(), signature),
		"x-amz-date":           amzDate,
		"x-amz-content-sha256": payloadHash,
	}
	if in.SessionToken != "" {
		headers["x-amz-security-token"] = in.SessionToken
	}
	return headers, nil
}

// canonicalQuery sorts query parameters by name then value, with SigV4's
// percent-encoding.
func canonicalQuery(u *url.URL) string {
	values, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return u.RawQuery
	}

	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, pair{awsEscape(k), awsEscape(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// awsEscape percent-encodes per RFC 3986 as SigV4 requires: unreserved
// characters pass through, space becomes %20, everything else is %XX.
func awsEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
