// Package wfconfig defines the declarative, external configuration surface
// the workflow engine accepts (§3, §6): WorkflowConfig and everything it is
// built from. Values are immutable once validated — nothing in this package
// mutates a config after Validate succeeds.
package wfconfig

import (
	"fmt"
	"net/url"

	"github.com/yourorg/workflow-core/pkg/durationfmt"
)

// WorkflowConfig is the top-level, language-neutral workflow document (§3,
// §6).
type WorkflowConfig struct {
	Name       string                 `yaml:"name" json:"name"`
	APIBase    string                 `yaml:"api_base" json:"api_base"`
	Auth       *AuthConfig            `yaml:"auth,omitempty" json:"auth,omitempty"`
	Variables  map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`
	Steps      []StepConfig           `yaml:"steps" json:"steps"`
	Monitoring *MonitoringConfig      `yaml:"monitoring,omitempty" json:"monitoring,omitempty"`
}

// MonitoringConfig configures the best-effort webhook report (§6).
type MonitoringConfig struct {
	WebhookURL       string              `yaml:"webhook_url,omitempty" json:"webhook_url,omitempty"`
	FailureAlert     bool                `yaml:"failure_alert,omitempty" json:"failure_alert,omitempty"`
	LongDuration     durationfmt.Duration `yaml:"long_duration_threshold,omitempty" json:"long_duration_threshold,omitempty"`
}

// Method is an HTTP method restricted to the five the spec allows.
type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
	MethodPatch  Method = "PATCH"
)

func (m Method) valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch:
		return true
	default:
		return false
	}
}

// StepConfig is one node of the dependency graph (§3).
type StepConfig struct {
	Name             string                 `yaml:"name" json:"name"`
	Endpoint         string                 `yaml:"endpoint" json:"endpoint"`
	Method           Method                 `yaml:"method,omitempty" json:"method,omitempty"`
	APIBase          string                 `yaml:"api_base,omitempty" json:"api_base,omitempty"`
	DependsOn        []string               `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	ParallelGroup    string                 `yaml:"parallel_group,omitempty" json:"parallel_group,omitempty"`
	MaxParallel      int                    `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	Headers          map[string]string      `yaml:"headers,omitempty" json:"headers,omitempty"`
	Payload          interface{}            `yaml:"payload,omitempty" json:"payload,omitempty"`
	PayloadTemplate  string                 `yaml:"payload_template,omitempty" json:"payload_template,omitempty"`
	Auth             *AuthConfig            `yaml:"auth,omitempty" json:"auth,omitempty"`
	Retry            RetryConfig            `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout          durationfmt.Duration   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	ContinueOnError  bool                   `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
	ExtractFields    map[string]string      `yaml:"extract_fields,omitempty" json:"extract_fields,omitempty"`
	ResponseTransform string                `yaml:"response_transform,omitempty" json:"response_transform,omitempty"`
	OutputKey        string                 `yaml:"output_key,omitempty" json:"output_key,omitempty"`
	Poll             *PollConfig            `yaml:"poll,omitempty" json:"poll,omitempty"`
}

// PollConfig converts a step from fire-and-forget into submit-then-wait
// (§4.6).
type PollConfig struct {
	Endpoint         string               `yaml:"endpoint" json:"endpoint"`
	Interval         durationfmt.Duration `yaml:"interval" json:"interval"`
	MaxAttempts      int                  `yaml:"max_attempts" json:"max_attempts"`
	CompletionField  string               `yaml:"completion_field" json:"completion_field"`
	CompletionValues []string             `yaml:"completion_values" json:"completion_values"`
	FailureValues    []string             `yaml:"failure_values,omitempty" json:"failure_values,omitempty"`
	ResultField      string               `yaml:"result_field,omitempty" json:"result_field,omitempty"`
}

// BackoffKind is the closed tagged union of retry backoff strategies (§9 —
// never an open string interpreted ad hoc at request time beyond this one
// validated switch).
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryConfig configures C5 (§3 "RetryConfig invariants").
type RetryConfig struct {
	Limit   int                  `yaml:"limit,omitempty" json:"limit,omitempty"`
	Delay   durationfmt.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Backoff BackoffKind          `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	Timeout durationfmt.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// DefaultStepTimeout is the §4.8 default of 30s for one attempt.
const DefaultStepTimeout = 30_000_000_000 // 30 * time.Second, avoids importing time just for this constant

// applyDefaults fills in the defaults §3/§4 name explicitly (method
// defaults to POST, timeout defaults to 30s, backoff defaults to
// constant).
func (s *StepConfig) applyDefaults() {
	if s.Method == "" {
		s.Method = MethodPost
	}
	if s.Timeout == 0 {
		s.Timeout = durationfmt.Duration(DefaultStepTimeout)
	}
	if s.Retry.Backoff == "" {
		s.Retry.Backoff = BackoffConstant
	}
}

// Validate checks the structural invariants §3 names (uniqueness, valid
// references, valid variants). Cycle detection is the dependency planner's
// job (C7) since it requires group expansion first.
func (c *WorkflowConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("wfconfig: workflow name is required")
	}
	if c.APIBase != "" {
		if _, err := url.Parse(c.APIBase); err != nil {
			return fmt.Errorf("wfconfig: invalid api_base: %w", err)
		}
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("wfconfig: workflow must have at least one step")
	}

	names := make(map[string]bool, len(c.Steps))
	groups := make(map[string]bool)
	for i := range c.Steps {
		c.Steps[i].applyDefaults()
	}
	for i, step := range c.Steps {
		if step.Name == "" {
			return fmt.Errorf("wfconfig: step %d: name is required", i)
		}
		if names[step.Name] {
			return fmt.Errorf("wfconfig: duplicate step name %q", step.Name)
		}
		names[step.Name] = true
		if step.ParallelGroup != "" {
			groups[step.ParallelGroup] = true
		}
	}

	// A step name and a group name sharing an identity is rejected, per
	// §9's design note.
	for g := range groups {
		if names[g] {
			return fmt.Errorf("wfconfig: %q is used as both a step name and a parallel_group name", g)
		}
	}

	for i, step := range c.Steps {
		if err := step.validate(names, groups); err != nil {
			return fmt.Errorf("wfconfig: step %q: %w", step.Name, err)
		}
		_ = i
	}

	if c.Auth != nil {
		if err := c.Auth.validate(); err != nil {
			return fmt.Errorf("wfconfig: workflow auth: %w", err)
		}
	}

	return nil
}

func (s *StepConfig) validate(stepNames, groupNames map[string]bool) error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if !s.Method.valid() {
		return fmt.Errorf("unknown method %q", s.Method)
	}
	if s.Payload != nil && s.PayloadTemplate != "" {
		return fmt.Errorf("payload and payload_template are mutually exclusive")
	}
	for _, dep := range s.DependsOn {
		if !stepNames[dep] && !groupNames[dep] {
			return fmt.Errorf("depends_on references unknown step or group %q", dep)
		}
	}
	if s.Retry.Limit < 0 {
		return fmt.Errorf("retry.limit must be >= 0")
	}
	if s.Retry.Delay < 0 {
		return fmt.Errorf("retry.delay must be >= 0")
	}
	switch s.Retry.Backoff {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff %q", s.Retry.Backoff)
	}
	if s.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0")
	}
	if s.Auth != nil {
		if err := s.Auth.validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if s.Poll != nil {
		if err := s.Poll.validate(); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
	return nil
}

func (p *PollConfig) validate() error {
	if p.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be > 0")
	}
	if p.CompletionField == "" {
		return fmt.Errorf("completion_field is required")
	}
	if len(p.CompletionValues) == 0 {
		return fmt.Errorf("completion_values must be non-empty")
	}
	return nil
}
