// Package auth implements C3: producing outbound request headers for the
// workflow engine's closed set of authentication schemes. Grounded on
// webhook/auth.go's Authenticator shape, inverted from verifying inbound
// requests to signing outbound ones.
package auth

import (
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/yourorg/workflow-core/pkg/wfconfig"
	"github.com/yourorg/workflow-core/pkg/wfstate"
)

// Headers returns the headers to merge into a request for the given,
// already ${NAME}-resolved auth config. An unknown variant is a
// programming error by this point (wfconfig.Validate rejects it earlier),
// but is still classified defensively as ConfigError rather than panicking.
func Headers(cfg *wfconfig.AuthConfig) (map[string]string, error) {
	if cfg == nil {
		return nil, nil
	}

	switch cfg.Kind {
	case wfconfig.AuthNone, "":
		return nil, nil

	case wfconfig.AuthBearer:
		if cfg.Token == "" {
			return nil, wfstate.NewEngineError(wfstate.KindAuthError, "bearer auth: token is empty after variable resolution")
		}
		if err := checkJWTExpiry(cfg.Token); err != nil {
			return nil, err
		}
		return map[string]string{"Authorization": "Bearer " + cfg.Token}, nil

	case wfconfig.AuthAPIKey:
		if cfg.HeaderName == "" || cfg.Key == "" {
			return nil, wfstate.NewEngineError(wfstate.KindAuthError, "api_key auth: header_name/key empty after variable resolution")
		}
		return map[string]string{cfg.HeaderName: cfg.Key}, nil

	case wfconfig.AuthBasic:
		if cfg.User == "" {
			return nil, wfstate.NewEngineError(wfstate.KindAuthError, "basic auth: user empty after variable resolution")
		}
		raw := cfg.User + ":" + cfg.Pass
		encoded := base64.StdEncoding.EncodeToString([]byte(raw))
		return map[string]string{"Authorization": "Basic " + encoded}, nil

	case wfconfig.AuthCustom:
		if len(cfg.Headers) == 0 {
			return nil, wfstate.NewEngineError(wfstate.KindAuthError, "custom auth: no headers configured")
		}
		out := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			out[k] = v
		}
		return out, nil

	default:
		return nil, wfstate.NewEngineError(wfstate.KindConfigError, "unknown auth kind %q", cfg.Kind)
	}
}

// checkJWTExpiry gives a bearer token that parses as a JWT a pre-flight
// expiry check, surfacing AuthError before a network call instead of
// discovering a 401 on the wire. Tokens that don't parse as JWTs (opaque
// bearer tokens, which are the common case) are passed through unchecked.
func checkJWTExpiry(token string) error {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	parsed, _, err := parser.ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Not a JWT-shaped token at all; nothing to check.
		return nil
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if exp.Before(time.Now()) {
		return wfstate.NewEngineError(wfstate.KindAuthError, "bearer token expired at %s", exp.Format(time.RFC3339))
	}
	return nil
}

// Merge layers auth headers over rendered headers, with auth winning on
// name collision per §4.8 step 3.
func Merge(rendered, authHeaders map[string]string) map[string]string {
	out := make(map[string]string, len(rendered)+len(authHeaders))
	for k, v := range rendered {
		out[k] = v
	}
	for k, v := range authHeaders {
		out[k] = v
	}
	return out
}
