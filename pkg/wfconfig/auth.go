package wfconfig

import "fmt"

// AuthKind is the closed tagged union of authentication schemes (§3, §9).
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
)

// AuthConfig is a tagged variant: exactly one of the per-kind field groups
// is meaningful, selected by Kind. All string fields may carry ${NAME}
// references, resolved by pkg/envresolve before first use (§3).
type AuthConfig struct {
	Kind AuthKind `yaml:"kind" json:"kind"`

	// bearer
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// api_key
	HeaderName string `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	Key        string `yaml:"key,omitempty" json:"key,omitempty"`

	// basic
	User string `yaml:"user,omitempty" json:"user,omitempty"`
	Pass string `yaml:"pass,omitempty" json:"pass,omitempty"`

	// custom
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// UnmarshalYAML decodes an AuthConfig, defaulting an absent or empty kind to
// "none" so a workflow with no auth block behaves identically to one that
// explicitly declares {kind: none}.
func (a *AuthConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain AuthConfig
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	if p.Kind == "" {
		p.Kind = AuthNone
	}
	*a = AuthConfig(p)
	return a.validate()
}

func (a *AuthConfig) validate() error {
	switch a.Kind {
	case AuthNone:
		return nil
	case AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("bearer auth requires token")
		}
	case AuthAPIKey:
		if a.HeaderName == "" || a.Key == "" {
			return fmt.Errorf("api_key auth requires header_name and key")
		}
	case AuthBasic:
		if a.User == "" {
			return fmt.Errorf("basic auth requires user")
		}
	case AuthCustom:
		if len(a.Headers) == 0 {
			return fmt.Errorf("custom auth requires at least one header")
		}
	default:
		return fmt.Errorf("unknown auth kind %q", a.Kind)
	}
	return nil
}
