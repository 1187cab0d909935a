package pytool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// injectedParams never appear in the derived input schema: self/cls are
// method plumbing, http is the injected collaborator.
var injectedParams = map[string]bool{
	"self": true,
	"cls":  true,
	"http": true,
}

// ExtractSchema derives a JSON Schema object from the parameters of the
// tool's main() function. The mapping is purely syntactic:
//
//	str→string  int→integer  float→number  bool→boolean
//	list/List[…]→array  dict/Dict[…]→object  anything else→string
//
// Optional[T] and `T | None` parameters are non-required; all others are
// required. The derivation is deterministic, so re-deriving from the same
// source yields an identical schema.
func ExtractSchema(code string) (map[string]any, error) {
	params, found, err := mainParams(code)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no main() function found")
	}

	properties := map[string]any{}
	var required []string

	for _, p := range params {
		if injectedParams[p.Name] || strings.HasPrefix(p.Name, "*") {
			continue
		}

		jsType, optional := mapAnnotation(p.Annotation)
		properties[p.Name] = map[string]any{"type": jsType}
		if !optional {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	// A schema the validator cannot compile would poison every later
	// tools/call, so refuse it at derivation time.
	if _, err := CompileSchema(schema); err != nil {
		return nil, fmt.Errorf("derived schema does not compile: %w", err)
	}
	return schema, nil
}

// CompileSchema compiles a JSON-Schema object for argument validation.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiled, err := jsonschema.CompileString("input_schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// ValidateArgs checks tool-call arguments against a compiled input schema.
// Schema violations are the one error class surfaced verbatim to callers.
func ValidateArgs(schema *jsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	normalized := map[string]any{}
	for k, v := range args {
		normalized[k] = v
	}
	return schema.Validate(any(normalized))
}

// mainParams returns the parsed parameter list of main().
func mainParams(code string) ([]param, bool, error) {
	lines := strings.Split(code, "\n")
	for i := 0; i < len(lines); i++ {
		m := defStartRe.FindStringSubmatch(lines[i])
		if m == nil || m[3] != "main" {
			continue
		}
		sig := lines[i]
		for j := i; !signatureComplete(sig) && j+1 < len(lines); j++ {
			sig += "\n" + lines[j+1]
		}
		open := strings.Index(sig, "(")
		closing := matchingParen(sig, open)
		if closing < 0 {
			return nil, false, fmt.Errorf("unbalanced parentheses in main() signature")
		}
		params, err := parseParams(sig[open+1 : closing])
		if err != nil {
			return nil, false, err
		}
		return params, true, nil
	}
	return nil, false, nil
}

// mapAnnotation maps a Python type annotation to a JSON-Schema type and
// reports whether the annotation marks the parameter optional.
func mapAnnotation(ann string) (jsType string, optional bool) {
	ann = strings.TrimSpace(ann)

	if inner, ok := strings.CutPrefix(ann, "Optional["); ok && strings.HasSuffix(inner, "]") {
		return mapBase(strings.TrimSuffix(inner, "]")), true
	}

	if strings.Contains(ann, "|") {
		var nonNone []string
		hasNone := false
		for _, part := range strings.Split(ann, "|") {
			switch part = strings.TrimSpace(part); part {
			case "None":
				hasNone = true
			case "":
			default:
				nonNone = append(nonNone, part)
			}
		}
		// Only a None member makes the parameter optional; `int | str`
		// stays required.
		if len(nonNone) == 1 {
			return mapBase(nonNone[0]), hasNone
		}
		return "string", hasNone
	}

	return mapBase(ann), false
}

func mapBase(ann string) string {
	// Strip generic parameters: List[str] → List, Dict[str, int] → Dict.
	if i := strings.Index(ann, "["); i >= 0 {
		ann = ann[:i]
	}
	switch strings.TrimSpace(ann) {
	case "str":
		return "string"
	case "int":
		return "integer"
	case "float":
		return "number"
	case "bool":
		return "boolean"
	case "list", "List":
		return "array"
	case "dict", "Dict":
		return "object"
	default:
		return "string"
	}
}
