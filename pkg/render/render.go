// Package render implements the minimal sandboxed template evaluator §4.2
// and §9 call for: dotted-path substitution inside {{ }} tokens with a
// fixed, closed filter set. Unlike the teacher's template_renderer.go
// (which embeds github.com/flosch/pongo2/v6, a Jinja2-compatible engine
// with arithmetic, control flow and user-definable tags), this package
// evaluates nothing but path lookups and the filters named in §4.2 — there
// is no code path by which a template string can run arbitrary logic.
package render

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Context is the template context §4.2/GLOSSARY define: {variables, steps,
// env, now}.
type Context struct {
	Variables map[string]interface{}
	Steps     map[string]interface{}
	Env       map[string]string
}

// toMap assembles the full lookup root, stamping "now" at render time. Each
// call gets a fresh timestamp — now advances monotonically across
// renders, matching §8's stated exception to render purity.
func (c Context) toMap(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"variables": c.Variables,
		"steps":     c.Steps,
		"env":       c.Env,
		"now":       now.UTC().Format(time.RFC3339),
	}
}

var tokenPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// Render substitutes every {{ expr }} occurrence in tmpl. A path that
// resolves to nothing is left as the literal token unless the expression
// uses | default(v), per §4.2.
func Render(tmpl string, ctx Context) string {
	return RenderAt(tmpl, ctx, time.Now())
}

// RenderAt is Render with an explicit "now", used by tests that need
// deterministic output.
func RenderAt(tmpl string, ctx Context, now time.Time) string {
	root := ctx.toMap(now)
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := tokenPattern.FindStringSubmatch(match)
		expr := sub[1]
		value, ok := evalExpr(expr, root)
		if !ok {
			return match
		}
		return stringify(value)
	})
}

// evalExpr evaluates a single "dotted.path | filter(args) | filter2" pipe
// chain against root.
func evalExpr(expr string, root map[string]interface{}) (interface{}, bool) {
	parts := splitPipes(expr)
	if len(parts) == 0 {
		return nil, false
	}

	path := strings.TrimSpace(parts[0])
	value, found := resolvePath(path, root)

	for _, stage := range parts[1:] {
		name, arg := parseFilter(stage)
		var err error
		value, found, err = applyFilter(name, arg, value, found)
		if err != nil {
			return nil, false
		}
	}

	return value, found
}

// splitPipes splits on top-level '|' characters, respecting quoted filter
// arguments so a literal '|' inside "a|b" doesn't split.
func splitPipes(expr string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	var quoteChar byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inQuote:
			cur.WriteByte(c)
			if c == quoteChar {
				inQuote = false
			}
		case c == '\'' || c == '"':
			inQuote = true
			quoteChar = c
			cur.WriteByte(c)
		case c == '|':
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	return parts
}

var filterCallPattern = regexp.MustCompile(`^(\w+)\s*(?:\((.*)\))?$`)

func parseFilter(stage string) (name string, arg string) {
	m := filterCallPattern.FindStringSubmatch(strings.TrimSpace(stage))
	if m == nil {
		return strings.TrimSpace(stage), ""
	}
	return m[1], m[2]
}

// resolvePath walks a dotted path (with optional numeric array indices,
// e.g. "output.0") against root.
func resolvePath(path string, root map[string]interface{}) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current interface{} = root
	for _, seg := range segments {
		next, ok := index(current, seg)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

func index(current interface{}, seg string) (interface{}, bool) {
	switch v := current.(type) {
	case map[string]interface{}:
		val, ok := v[seg]
		return val, ok
	case []interface{}:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(v) {
			return nil, false
		}
		return v[i], true
	default:
		return nil, false
	}
}

func applyFilter(name, arg string, value interface{}, found bool) (interface{}, bool, error) {
	switch name {
	case "default":
		if found && !isEmpty(value) {
			return value, true, nil
		}
		return unquote(arg), true, nil
	case "tojson":
		if !found {
			return nil, false, nil
		}
		b, err := json.Marshal(value)
		if err != nil {
			return nil, false, err
		}
		return string(b), true, nil
	case "from_json":
		if !found {
			return nil, false, nil
		}
		s, ok := value.(string)
		if !ok {
			return nil, false, fmt.Errorf("from_json: not a string")
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, false, err
		}
		return decoded, true, nil
	case "length":
		if !found {
			return nil, false, nil
		}
		switch v := value.(type) {
		case string:
			return len(v), true, nil
		case []interface{}:
			return len(v), true, nil
		case map[string]interface{}:
			return len(v), true, nil
		default:
			return nil, false, fmt.Errorf("length: unsupported type")
		}
	case "trim":
		if !found {
			return nil, false, nil
		}
		return strings.TrimSpace(fmt.Sprint(value)), true, nil
	case "replace":
		if !found {
			return nil, false, nil
		}
		a, b, ok := splitTwoArgs(arg)
		if !ok {
			return nil, false, fmt.Errorf("replace: expected two arguments")
		}
		return strings.ReplaceAll(fmt.Sprint(value), a, b), true, nil
	case "regex_replace":
		if !found {
			return nil, false, nil
		}
		pattern, repl, ok := splitTwoArgs(arg)
		if !ok {
			return nil, false, fmt.Errorf("regex_replace: expected two arguments")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, false, err
		}
		return re.ReplaceAllString(fmt.Sprint(value), repl), true, nil
	default:
		return nil, false, fmt.Errorf("render: unknown filter %q", name)
	}
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

func unquote(arg string) string {
	s := strings.TrimSpace(arg)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func splitTwoArgs(arg string) (string, string, bool) {
	var parts []string
	var cur strings.Builder
	inQuote := false
	var quoteChar byte
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch {
		case inQuote:
			if c == quoteChar {
				inQuote = false
			} else {
				cur.WriteByte(c)
			}
		case c == '\'' || c == '"':
			inQuote = true
			quoteChar = c
		case c == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	if len(parts) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// RenderJSON renders tmpl and parses the result as JSON. Callers use this
// for payload_template and response_transform, which §4.2 requires to
// produce valid JSON.
func RenderJSON(tmpl string, ctx Context) (json.RawMessage, error) {
	return RenderJSONAt(tmpl, ctx, time.Now())
}

// RenderJSONAt is RenderJSON with an explicit "now".
func RenderJSONAt(tmpl string, ctx Context, now time.Time) (json.RawMessage, error) {
	rendered := RenderAt(tmpl, ctx, now)
	var v interface{}
	if err := json.Unmarshal([]byte(rendered), &v); err != nil {
		return nil, fmt.Errorf("render: rendered template is not valid JSON: %w", err)
	}
	return json.RawMessage(rendered), nil
}
