package core

import (
	"context"
	"fmt"
	"strings"

	"entitycore/pkg/domain"
)

// Severity classifies a rule violation.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
	SeverityLog   Severity = "log"
)

// Violation is one finding of a rule.
type Violation struct {
	Rule      string
	Severity  Severity
	Message   string
	Type      string
	Reference domain.EntityReference
}

// Result aggregates violations.
type Result struct {
	Violations []Violation
}

// Merge appends other's violations.
func (r *Result) Merge(other Result) {
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking reports whether any violation blocks completion.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Rule, v.Message))
		}
	}
	return "unit of work blocked by rules: " + strings.Join(msgs, "; ")
}

// EntityChange describes an entity a unit of work is about to create, update
// or remove.
type EntityChange struct {
	Reference domain.EntityReference
	Type      string
	Status    domain.EntityStatus
	State     domain.EntityState
}

// RuleView is the read access rules get to the completing unit of work.
type RuleView interface {
	Exists(ctx context.Context, ref domain.EntityReference) (bool, error)
}

// Rule defines an evaluation executed before a unit of work completes.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []EntityChange) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := NewRulesEngine()
	engine.Register(NewAssociationIntegrityRule())
	return engine
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []EntityChange) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, fmt.Errorf("rule %s: %w", rule.Name(), err)
		}
		combined.Merge(res)
	}
	return combined, nil
}

// Callback returns a completion callback that evaluates the engine against
// uow's pending changes. Blocking violations fail completion with a
// RuleViolationError; the rest are logged.
func (e *RulesEngine) Callback(uow *UnitOfWork) UnitOfWorkCallback {
	return CallbackFuncs{Before: func(ctx context.Context) error {
		res, err := e.Evaluate(ctx, uow, uow.Changes())
		if err != nil {
			return err
		}
		for _, v := range res.Violations {
			if v.Severity != SeverityBlock {
				uow.logger.Warn("rule violation", "uow", uow.Identity(), "rule", v.Rule, "severity", string(v.Severity), "reference", v.Reference, "message", v.Message)
			}
		}
		if res.HasBlocking() {
			return RuleViolationError{Result: res}
		}
		return nil
	}}
}
