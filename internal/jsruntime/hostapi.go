package jsruntime

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/dop251/goja"
)

// installHostAPI assigns the GAP global: crypto helpers, byte/string codecs,
// clock formatting, and the log capture. This is the entire surface a plugin
// gets beyond the ECMAScript builtins and the web-standard classes from the
// prelude.
func (s *session) installHostAPI() error {
	vm := s.vm

	cryptoObj := vm.NewObject()
	if err := cryptoObj.Set("sha256", s.jsSHA256); err != nil {
		return err
	}
	if err := cryptoObj.Set("sha256Hex", s.jsSHA256Hex); err != nil {
		return err
	}
	if err := cryptoObj.Set("hmac", s.jsHMAC); err != nil {
		return err
	}
	if err := cryptoObj.Set("signAwsV4", s.jsSignAwsV4); err != nil {
		return err
	}

	utilObj := vm.NewObject()
	codecs := map[string]func(goja.FunctionCall) goja.Value{
		"base64Encode":    s.encodeWith(base64.StdEncoding.EncodeToString),
		"base64Decode":    s.decodeWith(base64.StdEncoding.DecodeString),
		"base64UrlEncode": s.encodeWith(base64.RawURLEncoding.EncodeToString),
		"base64UrlDecode": s.decodeWith(base64.RawURLEncoding.DecodeString),
		"hexEncode":       s.encodeWith(hex.EncodeToString),
		"hexDecode":       s.decodeWith(hex.DecodeString),
	}
	for name, fn := range codecs {
		if err := utilObj.Set(name, fn); err != nil {
			return err
		}
	}
	if err := utilObj.Set("utf8Encode", s.jsUTF8Encode); err != nil {
		return err
	}
	if err := utilObj.Set("utf8Decode", s.jsUTF8Decode); err != nil {
		return err
	}
	if err := utilObj.Set("now", s.jsNow); err != nil {
		return err
	}
	if err := utilObj.Set("isoDate", s.jsISODate); err != nil {
		return err
	}
	if err := utilObj.Set("amzDate", s.jsAmzDate); err != nil {
		return err
	}

	gapObj := vm.NewObject()
	if err := gapObj.Set("crypto", cryptoObj); err != nil {
		return err
	}
	if err := gapObj.Set("util", utilObj); err != nil {
		return err
	}
	if err := gapObj.Set("log", s.jsLog); err != nil {
		return err
	}
	return vm.Set("GAP", gapObj)
}

// argBytes converts a positional argument to bytes, accepting strings,
// Uint8Arrays, ArrayBuffers, and plain number arrays.
func (s *session) argBytes(call goja.FunctionCall, i int) []byte {
	b, err := s.bytesFromJS(call.Argument(i))
	if err != nil {
		panic(s.vm.NewTypeError("expected string or byte array argument"))
	}
	return b
}

func (s *session) mustUint8Array(b []byte) goja.Value {
	v, err := s.newUint8Array(b)
	if err != nil {
		panic(s.vm.NewTypeError("memory limit exceeded"))
	}
	return v
}

func (s *session) jsSHA256(call goja.FunctionCall) goja.Value {
	sum := sha256.Sum256(s.argBytes(call, 0))
	return s.mustUint8Array(sum[:])
}

func (s *session) jsSHA256Hex(call goja.FunctionCall) goja.Value {
	sum := sha256.Sum256(s.argBytes(call, 0))
	return s.vm.ToValue(hex.EncodeToString(sum[:]))
}

// jsHMAC computes HMAC-SHA256. The third argument selects the output
// encoding: "hex" (default), "base64", or anything else for raw bytes.
func (s *session) jsHMAC(call goja.FunctionCall) goja.Value {
	key := s.argBytes(call, 0)
	data := s.argBytes(call, 1)
	encoding := "hex"
	if arg := call.Argument(2); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		encoding = arg.String()
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	sum := mac.Sum(nil)

	switch encoding {
	case "hex":
		return s.vm.ToValue(hex.EncodeToString(sum))
	case "base64":
		return s.vm.ToValue(base64.StdEncoding.EncodeToString(sum))
	default:
		return s.mustUint8Array(sum)
	}
}

func (s *session) encodeWith(encode func([]byte) string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		out := encode(s.argBytes(call, 0))
		s.mustCharge(len(out))
		return s.vm.ToValue(out)
	}
}

func (s *session) decodeWith(decode func(string) ([]byte, error)) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			panic(s.vm.NewTypeError("expected string argument"))
		}
		out, err := decode(arg.String())
		if err != nil {
			panic(s.vm.NewTypeError("decode error: " + err.Error()))
		}
		return s.mustUint8Array(out)
	}
}

func (s *session) jsUTF8Encode(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		panic(s.vm.NewTypeError("expected string argument"))
	}
	return s.mustUint8Array([]byte(arg.String()))
}

func (s *session) jsUTF8Decode(call goja.FunctionCall) goja.Value {
	b := s.argBytes(call, 0)
	s.mustCharge(len(b))
	return s.vm.ToValue(string(b))
}

func (s *session) jsNow(goja.FunctionCall) goja.Value {
	return s.vm.ToValue(time.Now().UnixMilli())
}

func (s *session) jsISODate(call goja.FunctionCall) goja.Value {
	return s.vm.ToValue(s.argTime(call).Format("2006-01-02T15:04:05.000Z"))
}

func (s *session) jsAmzDate(call goja.FunctionCall) goja.Value {
	return s.vm.ToValue(s.argTime(call).Format("20060102T150405Z"))
}

// argTime reads an optional millisecond timestamp argument, defaulting to
// the current time.
func (s *session) argTime(call goja.FunctionCall) time.Time {
	arg := call.Argument(0)
	if goja.IsUndefined(arg) || goja.IsNull(arg) {
		return time.Now().UTC()
	}
	return time.UnixMilli(arg.ToInteger()).UTC()
}

// jsLog appends to the session's bounded log buffer, a ring that drops the
// oldest line once maxLogEntries are held. The runtime never writes these
// anywhere; the caller drains them after the transform.
func (s *session) jsLog(call goja.FunctionCall) goja.Value {
	msg := call.Argument(0).String()
	const maxLine = 4 << 10
	if len(msg) > maxLine {
		msg = msg[:maxLine]
	}
	s.mustCharge(len(msg))
	if len(s.logs) >= maxLogEntries {
		s.logs = s.logs[1:]
	}
	s.logs = append(s.logs, msg)
	return goja.Undefined()
}
