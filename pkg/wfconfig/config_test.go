package wfconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() WorkflowConfig {
	return WorkflowConfig{
		Name:    "demo",
		APIBase: "https://api.example.com",
		Steps: []StepConfig{
			{Name: "a", Endpoint: "/a"},
			{Name: "b", Endpoint: "/b", DependsOn: []string{"a"}},
		},
	}
}

func TestValidateOK(t *testing.T) {
	wf := validWorkflow()
	require.NoError(t, wf.Validate())
	assert.Equal(t, MethodPost, wf.Steps[0].Method)
	assert.Equal(t, BackoffConstant, wf.Steps[0].Retry.Backoff)
}

func TestValidateDuplicateStepName(t *testing.T) {
	wf := validWorkflow()
	wf.Steps = append(wf.Steps, StepConfig{Name: "a", Endpoint: "/dup"})
	assert.Error(t, wf.Validate())
}

func TestValidateUnknownDependency(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[1].DependsOn = []string{"nonexistent"}
	assert.Error(t, wf.Validate())
}

func TestValidatePayloadAndTemplateMutuallyExclusive(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Payload = map[string]interface{}{"x": 1}
	wf.Steps[0].PayloadTemplate = "{{ variables.x }}"
	assert.Error(t, wf.Validate())
}

func TestValidateGroupNameCollidesWithStepName(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[1].ParallelGroup = "a"
	assert.Error(t, wf.Validate())
}

func TestValidateUnknownBackoff(t *testing.T) {
	wf := validWorkflow()
	wf.Steps[0].Retry.Backoff = "weird"
	assert.Error(t, wf.Validate())
}

func TestAuthConfigValidation(t *testing.T) {
	cases := []struct {
		name  string
		auth  AuthConfig
		valid bool
	}{
		{"none", AuthConfig{Kind: AuthNone}, true},
		{"bearer ok", AuthConfig{Kind: AuthBearer, Token: "t"}, true},
		{"bearer missing token", AuthConfig{Kind: AuthBearer}, false},
		{"api_key ok", AuthConfig{Kind: AuthAPIKey, HeaderName: "X-Key", Key: "k"}, true},
		{"api_key missing", AuthConfig{Kind: AuthAPIKey}, false},
		{"basic ok", AuthConfig{Kind: AuthBasic, User: "u"}, true},
		{"custom ok", AuthConfig{Kind: AuthCustom, Headers: map[string]string{"X": "y"}}, true},
		{"unknown", AuthConfig{Kind: "bogus"}, false},
	}
	for _, c := range cases {
		err := c.auth.validate()
		if c.valid {
			assert.NoError(t, err, c.name)
		} else {
			assert.Error(t, err, c.name)
		}
	}
}
