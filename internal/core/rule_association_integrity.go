package core

import (
	"context"
	"fmt"

	"entitycore/pkg/domain"
)

// NewAssociationIntegrityRule blocks completion when a created or updated
// entity associates with an entity that does not exist or is being removed.
func NewAssociationIntegrityRule() Rule {
	return associationIntegrityRule{}
}

type associationIntegrityRule struct{}

func (associationIntegrityRule) Name() string { return "association_integrity" }

func (associationIntegrityRule) Evaluate(ctx context.Context, view RuleView, changes []EntityChange) (Result, error) {
	res := Result{}
	removed := make(map[domain.EntityReference]struct{})
	for _, change := range changes {
		if change.Status == domain.StatusRemoved {
			removed[change.Reference] = struct{}{}
		}
	}

	for _, change := range changes {
		if change.Status == domain.StatusRemoved {
			continue
		}
		state := change.State
		desc := state.Descriptor()
		check := func(assoc domain.QualifiedName, target domain.EntityReference) error {
			if target == "" {
				return nil
			}
			if _, gone := removed[target]; gone {
				res.Violations = append(res.Violations, associationViolation(change, fmt.Sprintf("%s %s references removed entity %s via %s", change.Type, change.Reference, target, assoc.Name)))
				return nil
			}
			if target == change.Reference {
				return nil
			}
			ok, err := view.Exists(ctx, target)
			if err != nil {
				return err
			}
			if !ok {
				res.Violations = append(res.Violations, associationViolation(change, fmt.Sprintf("%s %s references missing entity %s via %s", change.Type, change.Reference, target, assoc.Name)))
			}
			return nil
		}

		for _, qn := range desc.Associations {
			if err := check(qn, state.AssociationValueOf(qn)); err != nil {
				return Result{}, err
			}
		}
		for _, qn := range desc.ManyAssociations {
			for _, ref := range state.ManyAssociationValueOf(qn).References() {
				if err := check(qn, ref); err != nil {
					return Result{}, err
				}
			}
		}
		for _, qn := range desc.NamedAssociations {
			named := state.NamedAssociationValueOf(qn)
			for _, name := range named.Names() {
				ref, _ := named.Get(name)
				if err := check(qn, ref); err != nil {
					return Result{}, err
				}
			}
		}
	}
	return res, nil
}

func associationViolation(change EntityChange, message string) Violation {
	return Violation{
		Rule:      "association_integrity",
		Severity:  SeverityBlock,
		Message:   message,
		Type:      change.Type,
		Reference: change.Reference,
	}
}
