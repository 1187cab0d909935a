// Package pytool validates, analyses, and executes Python-style tool code.
//
// Tool code is written against a deliberately small dialect: an async
// `main()` entry function, a curated set of importable modules, an injected
// `http` client, and secrets exposed through `os.environ`. Execution happens
// in an embedded Starlark interpreter after a mechanical source transform
// (see preprocess.go), so none of the host runtime is ever reachable from
// tool code. The textual validator below runs first and is the contract's
// front line: any source that so much as mentions a dunder escape path is
// rejected before the interpreter sees it.
package pytool

import (
	"fmt"
	"regexp"
	"strings"

	"go.starlark.net/syntax"
)

// ErrorKind tags every executor failure with its row in the failure taxonomy.
type ErrorKind string

const (
	KindStaticRejection    ErrorKind = "static_rejection"
	KindInvalidArguments   ErrorKind = "invalid_arguments"
	KindImportDenied       ErrorKind = "import_denied"
	KindAttributeDenied    ErrorKind = "attribute_denied"
	KindTimeout            ErrorKind = "timeout"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindHTTPSSRF           ErrorKind = "http_ssrf"
	KindToolException      ErrorKind = "tool_exception"
	KindTruncation         ErrorKind = "truncation"
)

// Error is a classified executor failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// forbiddenPatterns are textual discriminators for sandbox-escape attempts.
// A match anywhere in the source (including comments and strings) rejects
// the code: false positives are acceptable, false negatives are not.
var forbiddenPatterns = []string{
	"__class__",
	"__mro__",
	"__bases__",
	"__subclasses__",
	"__globals__",
	"__code__",
	"__loader__",
	"__spec__",
	"__builtins__",
	".sys",
	`["os"]`,
	`["sys"]`,
	`["subprocess"]`,
	`["builtins"]`,
	".modules[",
}

// getattrDunder catches getattr(x, "__anything") including concatenation
// tricks that still spell the dunder prefix in a string literal.
var getattrDunder = regexp.MustCompile(`getattr\s*\([^)]*["']__`)

// ValidateSource statically checks tool source code. It returns a *Error of
// kind static_rejection naming the matched pattern, or nil. requireMain
// additionally demands an `async def main(...)` entry function (helper code
// shared across a server's tools carries no entry point).
func ValidateSource(code string, requireMain bool) error {
	for _, p := range forbiddenPatterns {
		if strings.Contains(code, p) {
			return &Error{Kind: KindStaticRejection, Message: fmt.Sprintf("forbidden pattern %q", p)}
		}
	}
	if m := getattrDunder.FindString(code); m != "" {
		return &Error{Kind: KindStaticRejection, Message: `forbidden pattern "getattr(..., \"__...\")"`}
	}

	pre, err := Preprocess(code)
	if err != nil {
		return &Error{Kind: KindStaticRejection, Message: err.Error()}
	}

	opts := fileOptions()
	if _, err := opts.Parse("tool.py", pre.Source, 0); err != nil {
		return &Error{Kind: KindStaticRejection, Message: fmt.Sprintf("syntax error: %v", err)}
	}

	if requireMain && !pre.HasMain {
		return &Error{Kind: KindStaticRejection, Message: "tool code must define `async def main(...)`"}
	}
	return nil
}

func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}
