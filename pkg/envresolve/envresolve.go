// Package envresolve implements C11: replacing ${NAME} tokens in
// configuration strings with values from an injected environment source,
// per §4.11. Grounded on config/loader.go's pattern of binding named
// configuration values from the process environment — generalized here to
// an injected EnvSource rather than os.Getenv directly, since §6 requires
// the engine never read the process environment itself.
package envresolve

import (
	"fmt"
	"regexp"

	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// EnvSource is the narrow interface the engine is given to look up
// environment values; it is never assumed to be the OS environment (§6).
type EnvSource interface {
	Lookup(name string) (value string, present bool)
}

// MapSource is an EnvSource backed by a plain map, useful for tests and for
// callers that have already collected the variables they want exposed.
type MapSource map[string]string

func (m MapSource) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// All returns a copy of the full map, satisfying Snapshotter.
func (m MapSource) All() map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Snapshotter is an optional capability an EnvSource may implement when it
// can cheaply enumerate everything it holds (e.g. a map-backed source). The
// engine uses it to populate the template context's "env" branch (§4.2)
// without needing to know every name a template might reference in
// advance; an EnvSource that can't enumerate (e.g. a single remote secret
// lookup) simply leaves "env" empty for templates, which only affects
// {{ env.X }} references and never the ${NAME} substitution in §4.11.
type Snapshotter interface {
	All() map[string]string
}

// SnapshotAll returns everything an EnvSource can enumerate, or an empty
// map if it doesn't implement Snapshotter.
func SnapshotAll(src EnvSource) map[string]string {
	if s, ok := src.(Snapshotter); ok {
		return s.All()
	}
	return map[string]string{}
}

// Policy controls what happens when a ${NAME} token has no value in the
// EnvSource.
type Policy int

const (
	// Strict raises ConfigError on a missing name — the default (§4.11:
	// "because authentication tokens must not silently evaluate to empty").
	Strict Policy = iota
	// Lenient leaves the token unresolved in place.
	Lenient
)

var tokenPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ResolveString replaces every ${NAME} token in s using src, per policy.
func ResolveString(s string, src EnvSource, policy Policy) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		name := tokenPattern.FindStringSubmatch(match)[1]
		value, present := src.Lookup(name)
		if present {
			return value
		}
		if policy == Lenient {
			return match
		}
		firstErr = wfstate.NewEngineError(wfstate.KindConfigError, "unresolved environment reference ${%s}", name)
		return match
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveAuth resolves every string field of a copy of cfg against src,
// returning that copy as a new *AuthConfig (cfg itself is left untouched since
// WorkflowConfig is meant to stay immutable once validated).
func ResolveAuth(cfg *wfconfig.AuthConfig, src EnvSource, policy Policy) (*wfconfig.AuthConfig, error) {
	if cfg == nil {
		return nil, nil
	}
	resolved := *cfg

	fields := []*string{&resolved.Token, &resolved.HeaderName, &resolved.Key, &resolved.User, &resolved.Pass}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		v, err := ResolveString(*f, src, policy)
		if err != nil {
			return nil, err
		}
		*f = v
	}

	if len(resolved.Headers) > 0 {
		headers := make(map[string]string, len(resolved.Headers))
		for k, v := range resolved.Headers {
			resolvedValue, err := ResolveString(v, src, policy)
			if err != nil {
				return nil, err
			}
			headers[k] = resolvedValue
		}
		resolved.Headers = headers
	}

	return &resolved, nil
}

// ResolveVariables resolves every string value (recursively through nested
// maps/slices) in the workflow's seed variable bag.
func ResolveVariables(vars map[string]interface{}, src EnvSource, policy Policy) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		resolved, err := resolveValue(v, src, policy)
		if err != nil {
			return nil, fmt.Errorf("variables.%s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v interface{}, src EnvSource, policy Policy) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return ResolveString(t, src, policy)
	case map[string]interface{}:
		return ResolveVariables(t, src, policy)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			resolved, err := resolveValue(item, src, policy)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
