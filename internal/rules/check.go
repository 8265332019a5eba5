package rules

import (
	"context"
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"loomcore/pkg/instance"
	"loomcore/pkg/schema"
)

// CheckRule evaluates one schema-declared check expression. The expression
// sees the instance's attribute map as its environment and must yield a
// boolean; false produces a blocking violation.
type CheckRule struct {
	name       string
	entity     string
	attribute  string
	expression string
	program    *exprvm.Program
}

// CompileChecks builds one rule per attribute of entry carrying a check
// expression. Compilation failures are schema bugs surfaced at load time.
func CompileChecks(entry *schema.Entry) ([]Rule, error) {
	var out []Rule
	for _, attr := range entry.Attributes {
		if attr.Check == "" {
			continue
		}
		program, err := exprlang.Compile(attr.Check, exprlang.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("compile check for %s.%s: %w", entry.FQName(), attr.Name, err)
		}
		out = append(out, &CheckRule{
			name:       fmt.Sprintf("%s.%s.check", entry.Name, attr.Name),
			entity:     entry.FQName(),
			attribute:  attr.Name,
			expression: attr.Check,
			program:    program,
		})
	}
	return out, nil
}

// Name returns the rule identifier used in violations.
func (r *CheckRule) Name() string { return r.name }

// Evaluate runs the compiled expression against the instance attributes.
func (r *CheckRule) Evaluate(_ context.Context, inst *instance.Instance) (Result, error) {
	// Updates may omit the checked attribute entirely; the check applies
	// only when a value is present.
	if _, present := inst.Attrs[r.attribute]; !present {
		return Result{}, nil
	}
	value, err := exprlang.Run(r.program, map[string]any(inst.Attrs))
	if err != nil {
		return Result{}, fmt.Errorf("check %s: %w", r.name, err)
	}
	ok, isBool := value.(bool)
	if !isBool {
		return Result{}, fmt.Errorf("check %s: expression %q is not boolean", r.name, r.expression)
	}
	if ok {
		return Result{}, nil
	}
	return Result{Violations: []Violation{{
		Rule:     r.name,
		Severity: SeverityBlock,
		Message:  fmt.Sprintf("check failed: %s", r.expression),
		Entity:   r.entity,
	}}}, nil
}
