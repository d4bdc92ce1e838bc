// Package jsruntime executes plugin transforms in a sandboxed ECMAScript
// engine (goja).
//
// Each Transform call builds a fresh runtime, evaluates the plugin code in
// it, invokes the plugin's transform function, and discards the runtime: the
// JS global object is single-tenant and never shared across plugins or
// requests. Compiled programs are cached by a hash of the source so repeat
// requests skip parsing, which is safe because a *goja.Program is immutable.
//
// The sandbox exposes exactly the GAP host API plus TextEncoder/TextDecoder
// and URL/URLSearchParams. Everything else an agent-authored plugin could
// use for I/O or dynamic code is absent or shadowed with a throwing stub
// before plugin code runs.
package jsruntime

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	urlmod "github.com/dop251/goja_nodejs/url"

	"github.com/mikekelly/gap/internal/httpmsg"
)

// Defaults for per-transform resource limits.
const (
	DefaultTimeout     = 100 * time.Millisecond
	DefaultMemoryLimit = 16 << 20 // 16 MiB
	maxLogEntries      = 256
	maxCallStackDepth  = 2048
)

// Sentinel errors. A transform that hits either limit fails closed: the
// request is never forwarded.
var (
	// ErrTimeout is returned when a transform exceeds its wall-clock budget.
	ErrTimeout = errors.New("jsruntime: transform timed out")
	// ErrMemory is returned when a transform exceeds its byte budget.
	ErrMemory = errors.New("jsruntime: transform exceeded memory limit")
)

// TransformError wraps a JavaScript exception thrown by plugin code,
// including any thrown by the sandbox's denial stubs.
type TransformError struct {
	Plugin string
	Msg    string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("jsruntime: plugin %q transform failed: %s", e.Plugin, e.Msg)
}

// Request is the plain data shape passed into and returned from transform:
// {method, url, headers: [[name, value], ...], body}. Headers keep their
// declared order. The runtime deep-copies on the way in and on the way out,
// so a plugin can never hold a reference into proxy-owned memory.
type Request = httpmsg.Request

// Descriptor is the metadata a plugin declares about itself by assigning the
// `plugin` global.
type Descriptor struct {
	Name             string
	MatchPatterns    []string
	CredentialSchema []string
}

// Config holds per-transform limits.
type Config struct {
	// Timeout is the wall-clock budget per transform call.
	Timeout time.Duration
	// MemoryLimit bounds the bytes the host allocates on the sandbox's
	// behalf per call: input copy, host API buffers, output copy.
	MemoryLimit int64
	// Logger for runtime events. GAP.log output is returned to the
	// caller, never logged here.
	Logger *slog.Logger
}

// Transformer runs plugin transforms. Safe for concurrent use; every call
// gets its own runtime.
type Transformer struct {
	cfg      Config
	programs *programCache
	logger   *slog.Logger
}

// New creates a Transformer with defaults filled in.
func New(cfg Config) *Transformer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transformer{
		cfg:      cfg,
		programs: newProgramCache(),
		logger:   cfg.Logger,
	}
}

// interrupt sentinels distinguish why the VM was stopped.
type interruptReason int

const (
	interruptTimeout interruptReason = iota
	interruptMemory
)

// session is one single-use runtime instance.
type session struct {
	vm        *goja.Runtime
	budget    int64
	logs      []string
	memBlown  bool
	mkUint8   goja.Callable
	pluginNam string
}

// Transform runs the plugin's transform over req with creds in scope. It
// returns the transformed request and any GAP.log lines the plugin emitted.
// All failure modes are terminal for the request: ErrTimeout, ErrMemory, or
// a *TransformError.
func (t *Transformer) Transform(pluginName, code string, req *Request, creds map[string]string) (*Request, []string, error) {
	program, err := t.programs.get(pluginName, code)
	if err != nil {
		return nil, nil, &TransformError{Plugin: pluginName, Msg: err.Error()}
	}

	s, err := t.newSession(pluginName)
	if err != nil {
		return nil, nil, err
	}

	timer := time.AfterFunc(t.cfg.Timeout, func() {
		s.vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()

	out, runErr := s.runGuarded(program, req, creds)
	if runErr != nil {
		return nil, s.logs, t.mapError(pluginName, s, runErr)
	}
	return out, s.logs, nil
}

// runGuarded converts any panic escaping the engine into an error so a
// hostile plugin can fail its own request but never crash the proxy.
func (s *session) runGuarded(program *goja.Program, req *Request, creds map[string]string) (out *Request, err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.memBlown {
				err = ErrMemory
				return
			}
			err = &TransformError{Plugin: s.pluginNam, Msg: fmt.Sprintf("runtime panic: %v", r)}
		}
	}()
	return s.run(program, req, creds)
}

// Describe evaluates code in a fresh sandbox and returns the declared plugin
// metadata. Used at install time so malformed plugins are rejected before
// they can match traffic.
func (t *Transformer) Describe(code string) (*Descriptor, error) {
	program, err := t.programs.get("describe", code)
	if err != nil {
		return nil, &TransformError{Plugin: "describe", Msg: err.Error()}
	}
	s, err := t.newSession("describe")
	if err != nil {
		return nil, err
	}

	timer := time.AfterFunc(t.cfg.Timeout, func() {
		s.vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()

	if _, err := s.vm.RunProgram(program); err != nil {
		return nil, t.mapError("describe", s, err)
	}
	return s.describePlugin()
}

func (t *Transformer) mapError(pluginName string, s *session, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(interruptReason); ok && reason == interruptMemory {
			return ErrMemory
		}
		return ErrTimeout
	}
	if s.memBlown {
		return ErrMemory
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return &TransformError{Plugin: pluginName, Msg: exc.Value().String()}
	}
	var te *TransformError
	if errors.As(err, &te) {
		return te
	}
	return &TransformError{Plugin: pluginName, Msg: err.Error()}
}

// run evaluates the plugin program, locates plugin.transform, and applies it.
func (s *session) run(program *goja.Program, req *Request, creds map[string]string) (*Request, error) {
	if _, err := s.vm.RunProgram(program); err != nil {
		return nil, err
	}

	transform, err := s.transformFunc()
	if err != nil {
		return nil, err
	}

	reqVal, err := s.requestToJS(req)
	if err != nil {
		return nil, err
	}
	credsObj := s.vm.NewObject()
	for field, value := range creds {
		if err := credsObj.Set(field, value); err != nil {
			return nil, err
		}
	}

	result, err := transform(goja.Undefined(), reqVal, s.vm.ToValue(credsObj))
	if err != nil {
		return nil, err
	}
	return s.requestFromJS(result)
}

func (s *session) transformFunc() (goja.Callable, error) {
	pluginVal := s.vm.Get("plugin")
	if pluginVal == nil || goja.IsUndefined(pluginVal) || goja.IsNull(pluginVal) {
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "code does not define a plugin global"}
	}
	obj := pluginVal.ToObject(s.vm)
	fn, ok := goja.AssertFunction(obj.Get("transform"))
	if !ok {
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "plugin.transform is not a function"}
	}
	return fn, nil
}

func (s *session) describePlugin() (*Descriptor, error) {
	pluginVal := s.vm.Get("plugin")
	if pluginVal == nil || goja.IsUndefined(pluginVal) || goja.IsNull(pluginVal) {
		return nil, &TransformError{Plugin: "describe", Msg: "code does not define a plugin global"}
	}
	obj := pluginVal.ToObject(s.vm)
	if _, ok := goja.AssertFunction(obj.Get("transform")); !ok {
		return nil, &TransformError{Plugin: "describe", Msg: "plugin.transform is not a function"}
	}

	desc := &Descriptor{}
	if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
		desc.Name = v.String()
	}
	desc.MatchPatterns = stringSlice(obj.Get("match"))
	if len(desc.MatchPatterns) == 0 {
		desc.MatchPatterns = stringSlice(obj.Get("matchPatterns"))
	}
	desc.CredentialSchema = stringSlice(obj.Get("credentialSchema"))
	return desc, nil
}

func stringSlice(v goja.Value) []string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	exported, ok := v.Export().([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(exported))
	for _, item := range exported {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// newSession builds a single-use runtime: require registry (needed by the
// url module), the GAP host API, the encoding prelude, and finally the
// sandbox denial stubs. Order matters: the stubs run last so nothing can
// reintroduce a banned global.
func (t *Transformer) newSession(pluginName string) (*session, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackDepth)

	s := &session{
		vm:        vm,
		budget:    t.cfg.MemoryLimit,
		pluginNam: pluginName,
	}

	registry := new(require.Registry)
	registry.Enable(vm)
	urlmod.Enable(vm)

	if err := s.installHostAPI(); err != nil {
		return nil, fmt.Errorf("jsruntime: install host API: %w", err)
	}
	if _, err := vm.RunProgram(preludeProgram); err != nil {
		return nil, fmt.Errorf("jsruntime: prelude: %w", err)
	}
	if _, err := vm.RunProgram(sandboxProgram); err != nil {
		return nil, fmt.Errorf("jsruntime: sandbox: %w", err)
	}

	mkU8, ok := goja.AssertFunction(vm.Get("__gap_mkU8"))
	if !ok {
		return nil, errors.New("jsruntime: prelude helper missing")
	}
	s.mkUint8 = mkU8
	return s, nil
}

// charge debits the session's byte budget. On exhaustion it marks the
// session blown and interrupts the VM so the current transform cannot make
// further progress.
func (s *session) charge(n int) error {
	s.budget -= int64(n)
	if s.budget < 0 {
		s.memBlown = true
		s.vm.Interrupt(interruptMemory)
		return ErrMemory
	}
	return nil
}

// mustCharge is charge for host functions running inside the VM, where a
// thrown exception is the only way to stop the caller.
func (s *session) mustCharge(n int) {
	if err := s.charge(n); err != nil {
		panic(s.vm.NewTypeError("memory limit exceeded"))
	}
}

// newUint8Array copies b into the sandbox as a Uint8Array.
func (s *session) newUint8Array(b []byte) (goja.Value, error) {
	if err := s.charge(len(b)); err != nil {
		return nil, err
	}
	buf := s.vm.NewArrayBuffer(append([]byte(nil), b...))
	v, err := s.mkUint8(goja.Undefined(), s.vm.ToValue(buf))
	if err != nil {
		return nil, fmt.Errorf("jsruntime: allocate Uint8Array: %w", err)
	}
	return v, nil
}

// requestToJS builds a fresh JS object for the request. Everything is copied;
// the plugin never sees proxy-owned memory.
func (s *session) requestToJS(req *Request) (goja.Value, error) {
	obj := s.vm.NewObject()
	if err := obj.Set("method", req.Method); err != nil {
		return nil, err
	}
	if err := obj.Set("url", req.URL); err != nil {
		return nil, err
	}

	headers := make([]interface{}, len(req.Headers))
	for i, h := range req.Headers {
		headers[i] = []interface{}{h[0], h[1]}
	}
	if err := obj.Set("headers", s.vm.ToValue(headers)); err != nil {
		return nil, err
	}
	body, err := s.newUint8Array(req.Body)
	if err != nil {
		return nil, err
	}
	if err := obj.Set("body", body); err != nil {
		return nil, err
	}
	return obj, nil
}

// requestFromJS converts the transform's return value back to a Request,
// copying everything out of the sandbox. The body may come back as a
// Uint8Array, an ArrayBuffer, a plain number array, or a string.
func (s *session) requestFromJS(v goja.Value) (*Request, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "transform returned no request"}
	}
	obj := v.ToObject(s.vm)

	out := &Request{}
	if m := obj.Get("method"); m != nil && !goja.IsUndefined(m) {
		out.Method = m.String()
	}
	if u := obj.Get("url"); u != nil && !goja.IsUndefined(u) {
		out.URL = u.String()
	}
	if out.Method == "" || out.URL == "" {
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "transform result missing method or url"}
	}

	headersVal := obj.Get("headers")
	if headersVal == nil || goja.IsUndefined(headersVal) || goja.IsNull(headersVal) {
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "transform result missing headers"}
	}
	rows, ok := headersVal.Export().([]interface{})
	if !ok {
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "transform result headers must be an array of [name, value] pairs"}
	}
	out.Headers = make([][2]string, 0, len(rows))
	for _, row := range rows {
		pair, ok := row.([]interface{})
		if !ok || len(pair) != 2 {
			return nil, &TransformError{Plugin: s.pluginNam, Msg: "transform result headers must be an array of [name, value] pairs"}
		}
		name, nameOK := pair[0].(string)
		value, valueOK := pair[1].(string)
		if !nameOK || !valueOK {
			return nil, &TransformError{Plugin: s.pluginNam, Msg: "header names and values must be strings"}
		}
		if err := s.charge(len(name) + len(value)); err != nil {
			return nil, err
		}
		out.Headers = append(out.Headers, [2]string{name, value})
	}

	body, err := s.bytesFromJS(obj.Get("body"))
	if err != nil {
		return nil, err
	}
	out.Body = body
	return out, nil
}

// bytesFromJS copies a JS value into a fresh byte slice.
func (s *session) bytesFromJS(v goja.Value) ([]byte, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	switch exported := v.Export().(type) {
	case []byte:
		if err := s.charge(len(exported)); err != nil {
			return nil, err
		}
		return append([]byte(nil), exported...), nil
	case goja.ArrayBuffer:
		b := exported.Bytes()
		if err := s.charge(len(b)); err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case string:
		if err := s.charge(len(exported)); err != nil {
			return nil, err
		}
		return []byte(exported), nil
	case []interface{}:
		if err := s.charge(len(exported)); err != nil {
			return nil, err
		}
		out := make([]byte, len(exported))
		for i, item := range exported {
			n, ok := item.(int64)
			if ok {
				out[i] = byte(n)
				continue
			}
			f, ok := item.(float64)
			if !ok {
				return nil, &TransformError{Plugin: s.pluginNam, Msg: "byte array elements must be numbers"}
			}
			out[i] = byte(int64(f))
		}
		return out, nil
	default:
		return nil, &TransformError{Plugin: s.pluginNam, Msg: "body must be a Uint8Array or string"}
	}
}
