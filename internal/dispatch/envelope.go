package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// resultSchema constrains what a worker runtime may print as its result.
const resultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ok"],
  "properties": {
    "ok":    {"type": "boolean"},
    "text":  {"type": "string"},
    "error": {"type": "string"},
    "ui":    {"type": "object"},
    "data":  {"type": "object"}
  }
}`

// EnvelopeError describes runtime output that claims to be a result
// envelope but does not validate.
type EnvelopeError struct {
	Message string
	Raw     string
}

func (e *EnvelopeError) Error() string { return e.Message }

type envelopeValidator struct {
	schema *jsonschema.Schema
}

func newEnvelopeValidator() (*envelopeValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal result schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("result.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("result.json")
	if err != nil {
		return nil, fmt.Errorf("compile result schema: %w", err)
	}
	return &envelopeValidator{schema: schema}, nil
}

// parse extracts the result envelope from stdout. found is false when the
// output carries no envelope, in which case the caller treats the text as a
// plain reply.
func (v *envelopeValidator) parse(stdout string) (res Result, found bool, err error) {
	candidate := extractJSON(stdout)
	if candidate == "" {
		return Result{}, false, nil
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(candidate))
	if err != nil {
		return Result{}, true, &EnvelopeError{Message: fmt.Sprintf("invalid JSON: %s", err), Raw: stdout}
	}
	if _, isObject := inst.(map[string]any); !isObject {
		return Result{}, false, nil
	}
	if err := v.schema.Validate(inst); err != nil {
		return Result{}, true, &EnvelopeError{Message: fmt.Sprintf("result envelope invalid: %s", err), Raw: stdout}
	}
	if err := json.Unmarshal([]byte(candidate), &res); err != nil {
		return Result{}, true, &EnvelopeError{Message: fmt.Sprintf("decode result: %s", err), Raw: stdout}
	}
	return res, true, nil
}

// extractJSON finds the result envelope in runtime output: a fenced ```json
// block first, then the last balanced top-level object that carries an "ok"
// key (runtimes tend to log before they print their result). Objects without
// "ok" are part of a plain-text reply and are left alone.
func extractJSON(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); candidate != "" {
				return candidate
			}
		}
	}
	last := ""
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		candidate := extractBalanced(text[i:])
		if candidate == "" || !json.Valid([]byte(candidate)) {
			continue
		}
		if hasOKKey(candidate) {
			last = candidate
		}
		i += len(candidate) - 1
	}
	return last
}

func hasOKKey(object string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(object), &fields); err != nil {
		return false
	}
	_, ok := fields["ok"]
	return ok
}

// extractBalanced returns the balanced object at the start of s.
func extractBalanced(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
