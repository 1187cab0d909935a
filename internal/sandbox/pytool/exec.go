package pytool

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/mcpbox/mcpbox/internal/sandbox/egress"
	"github.com/mcpbox/mcpbox/internal/sandbox/ssrf"
)

const (
	// DefaultMaxStdoutBytes caps captured print output.
	DefaultMaxStdoutBytes = 1 << 20
	// defaultMaxSteps is the interpreter step budget per call, the in-process
	// backstop for CPU-bound loops that never hit a suspension point.
	defaultMaxSteps = 200_000_000
)

// Request describes one tool execution.
type Request struct {
	Code           string
	HelperCode     string
	Arguments      map[string]any
	AllowedModules []string
	Secrets        map[string]string
	Timeout        time.Duration
	HTTP           *egress.Client
	MaxStdoutBytes int64
	MaxSteps       uint64
}

// Result is the outcome of one tool execution. Failures still carry whatever
// stdout was captured and the elapsed duration.
type Result struct {
	Success    bool      `json:"success"`
	Result     any       `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Stdout     string    `json:"stdout"`
	DurationMS int64     `json:"duration_ms"`
}

// Execute validates, transforms, and runs one tool call. It never panics and
// never returns a Go error: every failure mode is folded into the Result so
// the control server can relay it uniformly.
func Execute(ctx context.Context, req Request) *Result {
	start := time.Now()
	stdout := newCappedBuffer(req.MaxStdoutBytes)

	finish := func(res *Result) *Result {
		res.Stdout = stdout.String()
		res.DurationMS = time.Since(start).Milliseconds()
		if res.DurationMS == 0 {
			res.DurationMS = 1
		}
		return res
	}

	if err := ValidateSource(req.Code, true); err != nil {
		return finish(failure(err))
	}
	if req.HelperCode != "" {
		if err := ValidateSource(req.HelperCode, false); err != nil {
			return finish(failure(err))
		}
	}

	program := req.Code
	if req.HelperCode != "" {
		program = req.HelperCode + "\n\n" + req.Code
	}
	pre, err := Preprocess(program)
	if err != nil {
		return finish(failure(&Error{Kind: KindStaticRejection, Message: err.Error()}))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	thread := &starlark.Thread{
		Name: "tool",
		Print: func(_ *starlark.Thread, msg string) {
			stdout.WriteString(msg)
			stdout.WriteString("\n")
		},
	}
	maxSteps := req.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	thread.SetMaxExecutionSteps(maxSteps)

	timer := time.AfterFunc(timeout, func() { thread.Cancel("timeout") })
	defer timer.Stop()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		if ctx.Err() != nil {
			thread.Cancel("timeout")
		}
	}()

	httpMod := httpModule(&egressDoer{ctx: ctx, client: req.HTTP})
	predeclared := starlark.StringDict{
		"use_module": useModuleBuiltin(req.AllowedModules, req.Secrets),
	}

	globals, err := starlark.ExecFileOptions(fileOptions(), thread, "tool.py", pre.Source, predeclared)
	if err != nil {
		return finish(failure(classify(err)))
	}

	mainVal, ok := globals["main"]
	if !ok {
		return finish(failure(&Error{Kind: KindStaticRejection, Message: "tool code must define `async def main(...)`"}))
	}
	mainFn, ok := mainVal.(*starlark.Function)
	if !ok {
		return finish(failure(&Error{Kind: KindStaticRejection, Message: "`main` is not a function"}))
	}

	kwargs, err := buildKwargs(mainFn, req.Arguments, httpMod)
	if err != nil {
		return finish(failure(classify(err)))
	}

	value, err := starlark.Call(thread, mainFn, nil, kwargs)
	if err != nil {
		return finish(failure(classify(err)))
	}

	return finish(&Result{Success: true, Result: fromStarlark(value)})
}

// buildKwargs maps request arguments onto main()'s declared parameters and
// injects the http collaborator where the signature asks for it. Extra
// arguments not named by the signature are dropped rather than failing the
// call, matching how the derived schema is the caller-facing contract.
func buildKwargs(fn *starlark.Function, args map[string]any, httpMod starlark.Value) ([]starlark.Tuple, error) {
	var kwargs []starlark.Tuple
	for i := 0; i < fn.NumParams(); i++ {
		name, _ := fn.Param(i)
		if name == "http" {
			kwargs = append(kwargs, starlark.Tuple{starlark.String(name), httpMod})
			continue
		}
		v, ok := args[name]
		if !ok {
			continue
		}
		sv, err := toStarlark(v)
		if err != nil {
			return nil, &Error{Kind: KindToolException, Message: err.Error()}
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), sv})
	}
	return kwargs, nil
}

// useModuleBuiltin gates module access against the per-server allowlist.
// "os" always resolves to the isolated replacement; everything else must be
// both allowlisted and present in the curated module table.
func useModuleBuiltin(allowed []string, secrets map[string]string) *starlark.Builtin {
	allowedSet := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		allowedSet[m] = true
	}
	osMod := osModule(secrets)

	return starlark.NewBuiltin("use_module", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name); err != nil {
			return nil, err
		}
		if name == "os" {
			return osMod, nil
		}
		if !allowedSet[name] {
			return nil, &Error{Kind: KindImportDenied, Message: "module \"" + name + "\" is not in the allowed modules for this server"}
		}
		mod, ok := staticModules[name]
		if !ok {
			return nil, &Error{Kind: KindImportDenied, Message: "module \"" + name + "\" is not available in the sandbox"}
		}
		return mod, nil
	})
}

// classify maps an execution error onto the failure taxonomy.
func classify(err error) *Error {
	var kindErr *Error
	if errors.As(err, &kindErr) {
		return kindErr
	}
	var ssrfErr *ssrf.Error
	if errors.As(err, &ssrfErr) {
		return &Error{Kind: KindHTTPSSRF, Message: ssrfErr.Error()}
	}

	msg := err.Error()
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		msg = evalErr.Msg
	}
	switch {
	case strings.Contains(msg, "cancelled: timeout"):
		return &Error{Kind: KindTimeout, Message: "execution timed out"}
	case strings.Contains(msg, "too many steps"):
		return &Error{Kind: KindResourceExhaustion, Message: "execution exceeded its step budget"}
	case strings.Contains(msg, " has no .") && (strings.Contains(msg, " attribute") || strings.Contains(msg, "field or method")):
		return &Error{Kind: KindAttributeDenied, Message: msg}
	default:
		return &Error{Kind: KindToolException, Message: msg}
	}
}

func failure(err error) *Result {
	e := classify(err)
	return &Result{Success: false, Error: e.Message, ErrorKind: e.Kind}
}

// egressDoer adapts egress.Client to the httpDoer surface, carrying the
// execution context into each request.
type egressDoer struct {
	ctx    context.Context
	client *egress.Client
}

func (d *egressDoer) DoRaw(method, rawURL string, headers map[string]string, body []byte) (int, map[string]string, []byte, error) {
	client := d.client
	if client == nil {
		client = &egress.Client{}
	}
	resp, err := client.Do(d.ctx, method, rawURL, headers, body)
	if err != nil {
		return 0, nil, nil, err
	}
	flat := make(map[string]string, len(resp.Headers))
	for k := range resp.Headers {
		flat[k] = resp.Headers.Get(k)
	}
	return resp.StatusCode, flat, resp.Body, nil
}

// cappedBuffer collects stdout up to a byte limit, discarding the excess.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	if max <= 0 {
		max = DefaultMaxStdoutBytes
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) WriteString(s string) {
	remaining := b.max - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return
	}
	if int64(len(s)) > remaining {
		s = s[:remaining]
		b.truncated = true
	}
	b.buf.WriteString(s)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n…[stdout truncated]"
	}
	return b.buf.String()
}
