package property

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"entitycore/pkg/domain"
)

// ErrConstraintViolation matches any *ConstraintViolationError.
var ErrConstraintViolation = errors.New("constraint violation")

// tagValidate evaluates Tag constraints. It is safe for concurrent use.
var tagValidate *validator.Validate

func init() {
	tagValidate = validator.New()
	if err := tagValidate.RegisterValidation("notblank", validateNotBlank); err != nil {
		panic(fmt.Sprintf("register notblank validation: %v", err))
	}
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// Constraint is one rule in a property's constraint set. Check is only called
// with non-nil values.
type Constraint interface {
	Name() string
	Check(value any) error
}

// Tag returns a constraint evaluated with validator tags, e.g. "min=3,max=20".
func Tag(tag string) Constraint { return tagConstraint(tag) }

type tagConstraint string

func (c tagConstraint) Name() string { return string(c) }

func (c tagConstraint) Check(value any) error {
	err := tagValidate.Var(domain.PlainValue(value), string(c))
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			if fe.Param() != "" {
				msgs = append(msgs, fe.Tag()+"="+fe.Param())
			} else {
				msgs = append(msgs, fe.Tag())
			}
		}
		return fmt.Errorf("failed %s", strings.Join(msgs, ","))
	}
	return err
}

// Rule wraps an arbitrary check under name.
func Rule(name string, check func(value any) error) Constraint {
	return ruleConstraint{name: name, check: check}
}

type ruleConstraint struct {
	name  string
	check func(any) error
}

func (c ruleConstraint) Name() string          { return c.name }
func (c ruleConstraint) Check(value any) error { return c.check(value) }

// OneOf accepts only values equal to one of allowed.
func OneOf(allowed ...any) Constraint {
	return oneOfConstraint(allowed)
}

type oneOfConstraint []any

func (c oneOfConstraint) Name() string { return "oneof" }

func (c oneOfConstraint) Check(value any) error {
	for _, candidate := range c {
		if domain.ValuesEqual(candidate, value) {
			return nil
		}
	}
	return fmt.Errorf("%v is not one of %v", value, []any(c))
}

// ConstraintViolation describes one failed rule.
type ConstraintViolation struct {
	Constraint string
	Value      any
	Message    string
}

// ConstraintViolationError reports every violated rule for one property.
type ConstraintViolationError struct {
	Property   domain.QualifiedName
	Violations []ConstraintViolation
}

func (e *ConstraintViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Constraint + ": " + v.Message
	}
	return fmt.Sprintf("property %s violates constraints: %s", e.Property, strings.Join(parts, "; "))
}

func (e *ConstraintViolationError) Is(target error) bool { return target == ErrConstraintViolation }

type constraintSet struct {
	optional bool
	rules    []Constraint
}

func (s constraintSet) check(value any) []ConstraintViolation {
	if value == nil {
		if s.optional {
			return nil
		}
		return []ConstraintViolation{{Constraint: "required", Message: "value is not optional"}}
	}
	var violations []ConstraintViolation
	for _, rule := range s.rules {
		if err := rule.Check(value); err != nil {
			violations = append(violations, ConstraintViolation{
				Constraint: rule.Name(),
				Value:      value,
				Message:    err.Error(),
			})
		}
	}
	return violations
}
