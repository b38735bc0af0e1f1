package toolspec

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Validation error codes (E200-E299).
const (
	ErrStructural             = "E201" // required field missing or enum value invalid
	ErrDuplicateID            = "E202" // two items of the same kind share an id
	ErrUnknownReference       = "E203" // reference to an undeclared action/workflow/integration
	ErrCapabilityRef          = "E204" // malformed capability reference
	ErrNodeConfig             = "E205" // node missing the field its type requires
	ErrUnknownEdgeNode        = "E206" // edge endpoint is not a node of the workflow
	ErrTriggerTarget          = "E207" // trigger must name exactly one of action/workflow
	ErrUndeclaredEntitySource = "E208" // entity sourced from an undeclared integration
	ErrWorkflowGraph          = "E209" // workflow graph has a cycle or no single start node
)

// ValidationError is one problem found in a spec.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

var (
	validateOnce sync.Once
	structural   *validator.Validate
)

func structuralValidator() *validator.Validate {
	validateOnce.Do(func() {
		structural = validator.New(validator.WithRequiredStructEnabled())
		structural.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structural
}

// Validate checks the spec for structural and referential problems.
// Returns all errors found (does not fail fast). Workflow graph shape
// (acyclicity, single start) is checked by the workflow package.
func Validate(s *Spec) []ValidationError {
	var errs []ValidationError

	if err := structuralValidator().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Field:   trimNamespace(fe.Namespace()),
					Message: describeFieldError(fe),
					Code:    ErrStructural,
				})
			}
		} else {
			errs = append(errs, ValidationError{Field: "spec", Message: err.Error(), Code: ErrStructural})
		}
	}

	errs = append(errs, checkDuplicates(s)...)
	errs = append(errs, checkEntities(s)...)
	errs = append(errs, checkActions(s)...)
	errs = append(errs, checkWorkflows(s)...)
	errs = append(errs, checkTriggers(s)...)
	return errs
}

func trimNamespace(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("must have at least %s item(s)", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q constraint", fe.Tag())
	}
}

func checkDuplicates(s *Spec) []ValidationError {
	var errs []ValidationError
	dup := func(kind string, ids []string) {
		seen := make(map[string]bool, len(ids))
		for i, id := range ids {
			if id == "" {
				continue
			}
			if seen[id] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("%s[%d].id", kind, i),
					Message: fmt.Sprintf("duplicate id %q", id),
					Code:    ErrDuplicateID,
				})
			}
			seen[id] = true
		}
	}

	ids := func(n int, at func(int) string) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = at(i)
		}
		return out
	}
	dup("integrations", ids(len(s.Integrations), func(i int) string { return s.Integrations[i].ID }))
	dup("actions", ids(len(s.Actions), func(i int) string { return s.Actions[i].ID }))
	dup("workflows", ids(len(s.Workflows), func(i int) string { return s.Workflows[i].ID }))
	dup("triggers", ids(len(s.Triggers), func(i int) string { return s.Triggers[i].ID }))
	for wi, w := range s.Workflows {
		dup(fmt.Sprintf("workflows[%d].nodes", wi), ids(len(w.Nodes), func(i int) string { return w.Nodes[i].ID }))
	}
	return errs
}

func checkEntities(s *Spec) []ValidationError {
	var errs []ValidationError
	for i, e := range s.Entities {
		if e.SourceIntegration == "" {
			continue
		}
		if _, ok := s.Integration(e.SourceIntegration); !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("entities[%d].sourceIntegration", i),
				Message: fmt.Sprintf("integration %q is not declared", e.SourceIntegration),
				Code:    ErrUndeclaredEntitySource,
			})
		}
	}
	return errs
}

func checkActions(s *Spec) []ValidationError {
	var errs []ValidationError
	for i, a := range s.Actions {
		if a.Capability == "" {
			continue
		}
		integrationID, _, err := a.CapabilityRef()
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d].capability", i),
				Message: err.Error(),
				Code:    ErrCapabilityRef,
			})
			continue
		}
		in, ok := s.Integration(integrationID)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d].capability", i),
				Message: fmt.Sprintf("integration %q is not declared", integrationID),
				Code:    ErrUnknownReference,
			})
			continue
		}
		if len(in.Capabilities) > 0 && !slices.Contains(in.Capabilities, a.Capability) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d].capability", i),
				Message: fmt.Sprintf("capability %q is not granted to integration %q", a.Capability, integrationID),
				Code:    ErrUnknownReference,
			})
		}
	}
	return errs
}

func checkWorkflows(s *Spec) []ValidationError {
	var errs []ValidationError
	for wi, w := range s.Workflows {
		nodes := make(map[string]bool, len(w.Nodes))
		for ni, n := range w.Nodes {
			nodes[n.ID] = true
			field := fmt.Sprintf("workflows[%d].nodes[%d]", wi, ni)
			switch n.Type {
			case NodeAction:
				if n.ActionID == "" {
					errs = append(errs, ValidationError{Field: field + ".actionId", Message: "action node requires actionId", Code: ErrNodeConfig})
				} else if _, ok := s.Action(n.ActionID); !ok {
					errs = append(errs, ValidationError{Field: field + ".actionId", Message: fmt.Sprintf("action %q is not declared", n.ActionID), Code: ErrUnknownReference})
				}
			case NodeCondition:
				if strings.TrimSpace(n.Expression) == "" {
					errs = append(errs, ValidationError{Field: field + ".expression", Message: "condition node requires an expression", Code: ErrNodeConfig})
				}
			case NodeTransform:
				if len(n.Mapping) == 0 {
					errs = append(errs, ValidationError{Field: field + ".mapping", Message: "transform node requires a mapping", Code: ErrNodeConfig})
				}
			case NodeWait:
				if n.DurationMs <= 0 {
					errs = append(errs, ValidationError{Field: field + ".durationMs", Message: "wait node requires a positive durationMs", Code: ErrNodeConfig})
				}
			}
		}
		for ei, e := range w.Edges {
			for _, end := range []string{e.From, e.To} {
				if end != "" && !nodes[end] {
					errs = append(errs, ValidationError{
						Field:   fmt.Sprintf("workflows[%d].edges[%d]", wi, ei),
						Message: fmt.Sprintf("node %q is not declared in workflow %q", end, w.ID),
						Code:    ErrUnknownEdgeNode,
					})
				}
			}
		}
	}
	return errs
}

func checkTriggers(s *Spec) []ValidationError {
	var errs []ValidationError
	for i, t := range s.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		if (t.ActionID == "") == (t.WorkflowID == "") {
			errs = append(errs, ValidationError{Field: field, Message: "exactly one of actionId or workflowId is required", Code: ErrTriggerTarget})
			continue
		}
		if t.ActionID != "" {
			if _, ok := s.Action(t.ActionID); !ok {
				errs = append(errs, ValidationError{Field: field + ".actionId", Message: fmt.Sprintf("action %q is not declared", t.ActionID), Code: ErrUnknownReference})
			}
		}
		if t.WorkflowID != "" {
			if _, ok := s.Workflow(t.WorkflowID); !ok {
				errs = append(errs, ValidationError{Field: field + ".workflowId", Message: fmt.Sprintf("workflow %q is not declared", t.WorkflowID), Code: ErrUnknownReference})
			}
		}
	}
	return errs
}
