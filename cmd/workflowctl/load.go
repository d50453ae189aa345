package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/workflow-core/pkg/wfconfig"
)

// loadWorkflowConfig reads and decodes a workflow document at path — the
// one place YAML decoding happens in this repo (§1: file I/O is named an
// external collaborator; the core's Execute only ever sees an in-memory
// WorkflowConfig). Grounded on probe/workflow.go's ParseWorkflow, which
// likewise does a single yaml.Unmarshal at the CLI boundary rather than
// threading a config loader through the executor. Defaults (method,
// timeout, backoff) are applied later by WorkflowConfig.Validate, not
// here.
func loadWorkflowConfig(path string) (*wfconfig.WorkflowConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflowctl: failed to read config file %q: %w", path, err)
	}

	var cfg wfconfig.WorkflowConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("workflowctl: failed to decode workflow config %q: %w", path, err)
	}

	return &cfg, nil
}
