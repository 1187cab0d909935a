package pytool

import (
	"fmt"
	"regexp"
	"strings"
)

// Preprocessed is the result of the mechanical Python → Starlark transform.
type Preprocessed struct {
	// Source is the rewritten program text.
	Source string
	// HasMain reports whether a main() entry function was defined.
	HasMain bool
	// Imports lists the module names the code asked for, in order of first
	// appearance. The allowlist decision happens at execution time so a
	// denied module surfaces as an import_denied failure, not a parse error.
	Imports []string
}

var (
	importRe     = regexp.MustCompile(`^(\s*)import\s+([A-Za-z_][A-Za-z0-9_]*)(?:\s+as\s+([A-Za-z_][A-Za-z0-9_]*))?\s*$`)
	fromImportRe = regexp.MustCompile(`^(\s*)from\s+([A-Za-z_][A-Za-z0-9_]*)\s+import\s+(.+?)\s*$`)
	defStartRe   = regexp.MustCompile(`^(\s*)(async\s+)?def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
)

// Preprocess rewrites Python-style tool source into the Starlark dialect the
// interpreter accepts:
//
//   - `async def` becomes `def`; `await expr` becomes `expr`
//   - parameter and return type annotations are stripped
//   - `import m` / `from m import a, b` become assignments through the
//     `use_module` gate so the module allowlist is enforced at run time
//
// The transform is line-oriented and deliberately dumb; anything it cannot
// rewrite is left for the Starlark parser to reject.
func Preprocess(code string) (*Preprocessed, error) {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))
	pre := &Preprocessed{}
	seen := map[string]bool{}

	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if m := importRe.FindStringSubmatch(line); m != nil {
			indent, module, alias := m[1], m[2], m[3]
			if alias == "" {
				alias = module
			}
			if !seen[module] {
				seen[module] = true
				pre.Imports = append(pre.Imports, module)
			}
			out = append(out, fmt.Sprintf("%s%s = use_module(%q)", indent, alias, module))
			continue
		}

		if m := fromImportRe.FindStringSubmatch(line); m != nil {
			indent, module, names := m[1], m[2], m[3]
			if !seen[module] {
				seen[module] = true
				pre.Imports = append(pre.Imports, module)
			}
			var assigns []string
			for _, n := range strings.Split(names, ",") {
				n = strings.TrimSpace(n)
				name, alias := n, n
				if parts := strings.SplitN(n, " as ", 2); len(parts) == 2 {
					name = strings.TrimSpace(parts[0])
					alias = strings.TrimSpace(parts[1])
				}
				if name == "" {
					return nil, fmt.Errorf("line %d: malformed from-import", i+1)
				}
				assigns = append(assigns, fmt.Sprintf("%s = use_module(%q).%s", alias, module, name))
			}
			for _, a := range assigns {
				out = append(out, indent+a)
			}
			continue
		}

		if m := defStartRe.FindStringSubmatch(line); m != nil {
			// Collect the full signature, which may span several lines.
			sig := line
			j := i
			for !signatureComplete(sig) && j+1 < len(lines) {
				j++
				sig += "\n" + lines[j]
			}
			if !signatureComplete(sig) {
				return nil, fmt.Errorf("line %d: unterminated function signature", i+1)
			}
			i = j

			rewritten, name, err := rewriteSignature(sig)
			if err != nil {
				return nil, fmt.Errorf("line %d: %v", i+1, err)
			}
			if name == "main" {
				pre.HasMain = true
			}
			out = append(out, rewritten)
			continue
		}

		out = append(out, strings.ReplaceAll(line, "await ", ""))
	}

	pre.Source = strings.Join(out, "\n")
	return pre, nil
}

// signatureComplete reports whether the collected def text reaches the
// trailing colon after a balanced parameter list.
func signatureComplete(sig string) bool {
	depth := 0
	for _, r := range sig {
		switch r {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

// param is one entry in a function signature.
type param struct {
	Name       string
	Annotation string
	Default    string
}

// rewriteSignature strips annotations from a complete def signature and
// returns the single-line Starlark form plus the function name.
func rewriteSignature(sig string) (string, string, error) {
	m := defStartRe.FindStringSubmatch(sig)
	if m == nil {
		return "", "", fmt.Errorf("not a function signature")
	}
	indent, name := m[1], m[3]

	open := strings.Index(sig, "(")
	closing := matchingParen(sig, open)
	if closing < 0 {
		return "", "", fmt.Errorf("unbalanced parentheses in signature of %s", name)
	}

	params, err := parseParams(sig[open+1 : closing])
	if err != nil {
		return "", "", fmt.Errorf("signature of %s: %w", name, err)
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		if p.Default != "" {
			parts = append(parts, p.Name+"="+p.Default)
		} else {
			parts = append(parts, p.Name)
		}
	}
	return fmt.Sprintf("%sdef %s(%s):", indent, name, strings.Join(parts, ", ")), name, nil
}

// matchingParen returns the index of the parenthesis closing the one at open.
func matchingParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseParams splits a parameter list on top-level commas and separates each
// entry into name, annotation, and default expression.
func parseParams(raw string) ([]param, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var params []param
	for _, piece := range splitTopLevel(raw, ',') {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}

		p := param{}

		// Default value: name[: ann] = expr, split at the top-level '='.
		if eq := indexTopLevel(piece, '='); eq >= 0 {
			p.Default = strings.TrimSpace(piece[eq+1:])
			piece = strings.TrimSpace(piece[:eq])
		}

		// Annotation: name : ann.
		if colon := indexTopLevel(piece, ':'); colon >= 0 {
			p.Annotation = strings.TrimSpace(piece[colon+1:])
			piece = strings.TrimSpace(piece[:colon])
		}

		p.Name = strings.TrimPrefix(strings.TrimPrefix(piece, "**"), "*")
		if p.Name == "" {
			return nil, fmt.Errorf("empty parameter name in %q", raw)
		}
		// Keep the star prefix on the emitted name so *args/**kwargs survive.
		p.Name = piece[:len(piece)-len(p.Name)] + p.Name
		params = append(params, p)
	}
	return params, nil
}

// splitTopLevel splits s on sep, ignoring separators nested inside brackets
// or string literals.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// indexTopLevel returns the index of the first unnested, unquoted occurrence
// of c in s, or -1.
func indexTopLevel(s string, c byte) int {
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if ch == c && depth == 0 {
				return i
			}
		}
	}
	return -1
}
