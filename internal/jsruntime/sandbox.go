package jsruntime

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dop251/goja"
)

// prelude defines the helper used to hand Uint8Arrays across the boundary
// and the TextEncoder/TextDecoder classes on top of the utf8 host codecs.
const prelude = `
function __gap_mkU8(ab) { return new Uint8Array(ab); }

function TextEncoder() {}
TextEncoder.prototype.encode = function(str) {
	return GAP.util.utf8Encode(str);
};

function TextDecoder() {}
TextDecoder.prototype.decode = function(bytes) {
	return GAP.util.utf8Decode(bytes);
};
`

// sandbox shadows every banned global with a throwing stub before any plugin
// code runs. goja has no ambient I/O, timers, or module loading, but eval and
// the Function constructor are real and the url module installs require; the
// stubs also pin names the engine could grow in a future version.
const sandbox = `
function __gap_denied(name) {
	return function() {
		throw new TypeError(name + " is not allowed in the plugin sandbox");
	};
}

eval = __gap_denied("eval");

(function() {
	var NativeFunction = Function;
	Function = __gap_denied("the Function constructor");
	Function.prototype = NativeFunction.prototype;
})();

var fetch = __gap_denied("fetch");
var XMLHttpRequest = __gap_denied("XMLHttpRequest");
var WebSocket = __gap_denied("WebSocket");
var setTimeout = __gap_denied("setTimeout");
var setInterval = __gap_denied("setInterval");
var clearTimeout = __gap_denied("clearTimeout");
var clearInterval = __gap_denied("clearInterval");
var require = __gap_denied("require");
var importScripts = __gap_denied("importScripts");
var navigator = undefined;
var process = undefined;
var WebAssembly = undefined;

__gap_denied = undefined;
`

var (
	preludeProgram = goja.MustCompile("gap:prelude", prelude, false)
	sandboxProgram = goja.MustCompile("gap:sandbox", sandbox, false)
)

// programCache memoizes compiled plugin programs keyed by a hash of the
// source. A *goja.Program is immutable and safe to share between runtimes,
// so compiling once per code revision is free isolation-wise. Editing a
// plugin changes the hash and naturally invalidates the old entry.
type programCache struct {
	mu       sync.Mutex
	programs map[uint64]*goja.Program
}

// programCacheCap bounds the cache; installations are few, so overflow just
// resets it.
const programCacheCap = 128

func newProgramCache() *programCache {
	return &programCache{programs: make(map[uint64]*goja.Program)}
}

func (c *programCache) get(name, code string) (*goja.Program, error) {
	key := xxhash.Sum64String(code)

	c.mu.Lock()
	if p, ok := c.programs[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	program, err := goja.Compile(name, code, false)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.programs) >= programCacheCap {
		c.programs = make(map[uint64]*goja.Program)
	}
	c.programs[key] = program
	c.mu.Unlock()
	return program, nil
}
