package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/toolrun/internal/integration"
)

// Scenario defines a conformance test scenario: a tool spec, scripted
// integration outcomes, a sequence of steps run through the service layer,
// and assertions over the resulting trace and stored state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Spec is the tool spec file (.yaml, .json or .cue).
	// A relative path is resolved against the scenario file's directory.
	Spec string `yaml:"spec"`

	// OrgID and UserID scope every step. Defaults: "org-1", "user-1".
	OrgID  string `yaml:"org,omitempty"`
	UserID string `yaml:"user,omitempty"`

	// Connections maps integration id to connection id. Audited calls to
	// an integration without a connection are not recorded.
	Connections map[string]string `yaml:"connections,omitempty"`

	// Outcomes queues scripted results per capability id.
	Outcomes map[string][]integration.Outcome `yaml:"outcomes,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario step. Exactly one of Action, Workflow, Retry,
// Resume, ResumeDue and Advance is set.
type Step struct {
	// Action executes a standalone action by id.
	Action string `yaml:"action,omitempty"`

	// Workflow runs a workflow by id and waits for it to finish or suspend.
	Workflow string `yaml:"workflow,omitempty"`

	// Retry re-executes a terminal run by id.
	Retry string `yaml:"retry,omitempty"`

	// Resume resumes a suspended workflow run by id.
	Resume string `yaml:"resume,omitempty"`

	// ResumeDue resumes every run whose resume time has passed.
	ResumeDue bool `yaml:"resume_due,omitempty"`

	// Advance moves the scenario clock forward (Go duration, e.g. "60s").
	Advance string `yaml:"advance,omitempty"`

	Input   map[string]any `yaml:"input,omitempty"`
	Approve bool           `yaml:"approve,omitempty"`
	DryRun  bool           `yaml:"dry_run,omitempty"`

	// Expect checks the step outcome. If nil, any outcome is accepted.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected outcome of a step. Empty fields are not
// checked.
type Expect struct {
	// Status is the action status for action steps and the run status
	// otherwise.
	Status string `yaml:"status,omitempty"`

	// Code is the error code the step returned or the run failed with.
	Code string `yaml:"code,omitempty"`
}

// kind names the step for errors and traces.
func (s Step) kind() string {
	switch {
	case s.Action != "":
		return "action:" + s.Action
	case s.Workflow != "":
		return "workflow:" + s.Workflow
	case s.Retry != "":
		return "retry:" + s.Retry
	case s.Resume != "":
		return "resume:" + s.Resume
	case s.ResumeDue:
		return "resume_due"
	case s.Advance != "":
		return "advance:" + s.Advance
	}
	return ""
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "call_contains": a call to Capability with matching Input
	// - "call_order": Capabilities are first called in this order
	// - "call_count": Capability is called exactly Count times
	// - "run_status": run Run has Status (and Code, if given)
	// - "audit_count": exactly Count audit records match Action/Status
	Type string `yaml:"type"`

	// Capability is the capability id (call_contains, call_count).
	Capability string `yaml:"capability,omitempty"`

	// Input is the expected call input (call_contains).
	// Subset match - only specified fields are validated.
	Input map[string]any `yaml:"input,omitempty"`

	// Capabilities is the expected call order (call_order).
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Run is the run id (run_status).
	Run string `yaml:"run,omitempty"`

	// Action filters audit records by action id (audit_count).
	Action string `yaml:"action,omitempty"`

	// Status is the expected run status (run_status) or the audit
	// status filter (audit_count).
	Status string `yaml:"status,omitempty"`

	// Code is the expected run error code (run_status).
	Code string `yaml:"code,omitempty"`

	// Count is the expected number of occurrences (call_count, audit_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertCallContains = "call_contains"
	AssertCallOrder    = "call_order"
	AssertCallCount    = "call_count"
	AssertRunStatus    = "run_status"
	AssertAuditCount   = "audit_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
// A relative spec path is resolved against the scenario file's directory.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving a relative spec path against basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Reject unknown fields so typos like "assertion:" fail loudly.
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Spec != "" && !filepath.IsAbs(scenario.Spec) && basePath != "" {
		scenario.Spec = filepath.Join(basePath, scenario.Spec)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Spec == "" {
		return fmt.Errorf("spec is required")
	}
	if _, err := os.Stat(s.Spec); os.IsNotExist(err) {
		return fmt.Errorf("spec file not found: %s", s.Spec)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, s Step) error {
	set := 0
	for _, ok := range []bool{s.Action != "", s.Workflow != "", s.Retry != "", s.Resume != "", s.ResumeDue, s.Advance != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one of action, workflow, retry, resume, resume_due, advance is required", index)
	}
	if s.Advance != "" {
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: invalid advance duration: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	if s.DryRun && s.Action == "" {
		return fmt.Errorf("steps[%d]: dry_run only applies to action steps", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCallContains:
		if a.Capability == "" {
			return fmt.Errorf("assertions[%d]: capability is required for call_contains", index)
		}
	case AssertCallOrder:
		if len(a.Capabilities) == 0 {
			return fmt.Errorf("assertions[%d]: capabilities list is required for call_order", index)
		}
	case AssertCallCount:
		if a.Capability == "" {
			return fmt.Errorf("assertions[%d]: capability is required for call_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for call_count", index)
		}
	case AssertRunStatus:
		if a.Run == "" {
			return fmt.Errorf("assertions[%d]: run is required for run_status", index)
		}
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for run_status", index)
		}
	case AssertAuditCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
