package pytool

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	starlarktime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// jsonModule re-exports the Starlark json codec under the Python spelling.
// Only the listed members exist; the tool sees nothing else of the host.
var jsonModule = &starlarkstruct.Module{
	Name: "json",
	Members: starlark.StringDict{
		"dumps":  starlarkjson.Module.Members["encode"],
		"loads":  starlarkjson.Module.Members["decode"],
		"encode": starlarkjson.Module.Members["encode"],
		"decode": starlarkjson.Module.Members["decode"],
		"indent": starlarkjson.Module.Members["indent"],
	},
}

// datetimeModule is a thin Python-flavoured surface over the Starlark time
// module: now(), timedelta(...), and parsing helpers.
var datetimeModule = &starlarkstruct.Module{
	Name: "datetime",
	Members: starlark.StringDict{
		"now":        starlarktime.Module.Members["now"],
		"parse_time": starlarktime.Module.Members["parse_time"],
		"timedelta":  starlark.NewBuiltin("timedelta", timedeltaFn),
	},
}

func timedeltaFn(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var days, hours, minutes, seconds, milliseconds int
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"days?", &days, "hours?", &hours, "minutes?", &minutes,
		"seconds?", &seconds, "milliseconds?", &milliseconds,
	); err != nil {
		return nil, err
	}
	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds)*time.Second +
		time.Duration(milliseconds)*time.Millisecond
	return starlarktime.Duration(d), nil
}

// staticModules are the importable modules that carry no per-execution
// state. os and http are built per execution in exec.go.
var staticModules = map[string]starlark.Value{
	"json":     jsonModule,
	"math":     starlarkmath.Module,
	"time":     starlarktime.Module,
	"datetime": datetimeModule,
}

// osModule builds the isolated os replacement: environ and getenv backed by
// the server's injected secrets, nothing else.
func osModule(secrets map[string]string) *starlarkstruct.Module {
	environ := starlark.NewDict(len(secrets))
	keys := make([]string, 0, len(secrets))
	for k := range secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_ = environ.SetKey(starlark.String(k), starlark.String(secrets[k]))
	}
	environ.Freeze()

	getenv := starlark.NewBuiltin("getenv", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var fallback starlark.Value = starlark.None
		if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &fallback); err != nil {
			return nil, err
		}
		if v, ok := secrets[name]; ok {
			return starlark.String(v), nil
		}
		return fallback, nil
	})

	return &starlarkstruct.Module{
		Name: "os",
		Members: starlark.StringDict{
			"environ": environ,
			"getenv":  getenv,
		},
	}
}

// httpDoer is the outbound request surface injected into tool code. The
// production implementation is *egress.Client.
type httpDoer interface {
	DoRaw(method, rawURL string, headers map[string]string, body []byte) (status int, respHeaders map[string]string, respBody []byte, err error)
}

// httpModule builds the injected http collaborator. Every request runs
// through the SSRF validator inside the egress client; tool code has no
// other path to a socket.
func httpModule(doer httpDoer) *starlarkstruct.Module {
	request := func(method string) *starlark.Builtin {
		return starlark.NewBuiltin(method, func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var rawURL string
			var headers, params *starlark.Dict
			var body starlark.Value = starlark.None
			var jsonBody starlark.Value = starlark.None
			if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
				"url", &rawURL, "headers?", &headers, "params?", &params,
				"body?", &body, "json?", &jsonBody,
			); err != nil {
				return nil, err
			}

			hdrs, err := dictToStringMap(headers)
			if err != nil {
				return nil, err
			}

			if params != nil && params.Len() > 0 {
				q := url.Values{}
				for _, kv := range params.Items() {
					q.Set(plainString(kv[0]), plainString(kv[1]))
				}
				sep := "?"
				if u, perr := url.Parse(rawURL); perr == nil && u.RawQuery != "" {
					sep = "&"
				}
				rawURL += sep + q.Encode()
			}

			var payload []byte
			switch {
			case jsonBody != starlark.None:
				encoded, err := starlark.Call(thread, starlarkjson.Module.Members["encode"], starlark.Tuple{jsonBody}, nil)
				if err != nil {
					return nil, err
				}
				payload = []byte(plainString(encoded))
				if hdrs == nil {
					hdrs = map[string]string{}
				}
				if _, set := hdrs["Content-Type"]; !set {
					hdrs["Content-Type"] = "application/json"
				}
			case body != starlark.None:
				payload = []byte(plainString(body))
			}

			status, respHeaders, respBody, err := doer.DoRaw(method, rawURL, hdrs, payload)
			if err != nil {
				return nil, err
			}
			return responseValue(status, respHeaders, respBody), nil
		})
	}

	return &starlarkstruct.Module{
		Name: "http",
		Members: starlark.StringDict{
			"get":     request("GET"),
			"post":    request("POST"),
			"put":     request("PUT"),
			"patch":   request("PATCH"),
			"delete":  request("DELETE"),
			"request": starlark.NewBuiltin("request", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				if len(args) < 1 {
					return nil, fmt.Errorf("request: method argument is required")
				}
				method, ok := args[0].(starlark.String)
				if !ok {
					return nil, fmt.Errorf("request: method must be a string")
				}
				return starlark.Call(thread, request(string(method)), args[1:], kwargs)
			}),
		},
	}
}

// responseValue builds the struct returned from http calls: status_code,
// body, headers, and a json() decoder bound to the body.
func responseValue(status int, headers map[string]string, body []byte) starlark.Value {
	hd := starlark.NewDict(len(headers))
	for k, v := range headers {
		_ = hd.SetKey(starlark.String(k), starlark.String(v))
	}
	hd.Freeze()

	bodyStr := starlark.String(body)
	jsonFn := starlark.NewBuiltin("json", func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return starlark.Call(thread, starlarkjson.Module.Members["decode"], starlark.Tuple{bodyStr}, nil)
	})

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"status_code": starlark.MakeInt(status),
		"body":        bodyStr,
		"headers":     hd,
		"json":        jsonFn,
	})
}

func dictToStringMap(d *starlark.Dict) (map[string]string, error) {
	if d == nil || d.Len() == 0 {
		return nil, nil
	}
	out := make(map[string]string, d.Len())
	for _, kv := range d.Items() {
		out[plainString(kv[0])] = plainString(kv[1])
	}
	return out, nil
}

// plainString renders a Starlark value as its unquoted string form.
func plainString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
