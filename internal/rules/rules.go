// Package rules evaluates schema-declared check expressions against instances
// during pattern evaluation. Blocking violations abort the pattern before any
// write is dispatched.
package rules

import (
	"context"
	"fmt"

	"loomcore/pkg/instance"
)

// Severity captures check outcomes.
type Severity string

// Check severities determine abort behavior and logging.
const (
	// SeverityBlock aborts the pattern.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows the write.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed check evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   string
}

// Result aggregates violations from the check engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking reports whether the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// ViolationError is returned when blocking violations are present.
type ViolationError struct {
	Result Result
}

func (e ViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return fmt.Sprintf("pattern blocked by check %s: %s", v.Rule, v.Message)
		}
	}
	return "pattern blocked by checks"
}

// Rule is one evaluation executed against an instance about to be written.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, inst *instance.Instance) (Result, error)
}

// Engine orchestrates check evaluation. Rules are registered per
// module-qualified entity name.
type Engine struct {
	rules map[string][]Rule
}

// NewEngine constructs an empty check engine.
func NewEngine() *Engine {
	return &Engine{rules: make(map[string][]Rule)}
}

// Register appends a rule for fqName.
func (e *Engine) Register(fqName string, rule Rule) {
	e.rules[fqName] = append(e.rules[fqName], rule)
}

// Replace swaps the full rule set for fqName, dropping any previously
// registered rules. Used on module reload.
func (e *Engine) Replace(fqName string, rules []Rule) {
	if len(rules) == 0 {
		delete(e.rules, fqName)
		return
	}
	e.rules[fqName] = rules
}

// Evaluate runs every rule registered for the instance's entity and
// aggregates their results.
func (e *Engine) Evaluate(ctx context.Context, inst *instance.Instance) (Result, error) {
	var combined Result
	for _, rule := range e.rules[inst.FQName] {
		res, err := rule.Evaluate(ctx, inst)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
