// Package policy maps change impact levels to approval rules.
package policy

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/governor/pkg/models"
)

// ErrNoRuleForImpactLevel is returned when no rule is registered for an impact level.
var ErrNoRuleForImpactLevel = errors.New("no approval rule for impact level")

// Registry resolves the approval rule for an impact level.
type Registry interface {
	RuleFor(impact models.ImpactLevel) (models.ApprovalRule, error)
}

// StaticRegistry is an immutable, validated set of rules.
type StaticRegistry struct {
	rules map[models.ImpactLevel]models.ApprovalRule
}

// Compile-time interface check.
var _ Registry = (*StaticRegistry)(nil)

// NewRegistry validates rules and returns a registry holding copies of them.
func NewRegistry(rules ...models.ApprovalRule) (*StaticRegistry, error) {
	reg := &StaticRegistry{rules: make(map[models.ImpactLevel]models.ApprovalRule, len(rules))}
	for _, r := range rules {
		if err := Validate(r); err != nil {
			return nil, err
		}
		if _, dup := reg.rules[r.ImpactLevel]; dup {
			return nil, fmt.Errorf("%w: duplicate rule for impact level %q", ErrInvalidRule, r.ImpactLevel)
		}
		reg.rules[r.ImpactLevel] = r.Clone()
	}
	return reg, nil
}

// RuleFor returns a copy of the rule for impact.
func (s *StaticRegistry) RuleFor(impact models.ImpactLevel) (models.ApprovalRule, error) {
	r, ok := s.rules[impact]
	if !ok {
		return models.ApprovalRule{}, fmt.Errorf("%w: %q", ErrNoRuleForImpactLevel, impact)
	}
	return r.Clone(), nil
}

// ImpactLevels returns the impact levels with a registered rule, in severity order.
func (s *StaticRegistry) ImpactLevels() []models.ImpactLevel {
	var out []models.ImpactLevel
	for _, l := range []models.ImpactLevel{models.ImpactLow, models.ImpactMedium, models.ImpactHigh, models.ImpactCritical} {
		if _, ok := s.rules[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// Default returns the built-in rules used when no policy file is configured.
func Default() *StaticRegistry {
	reg, err := NewRegistry(
		models.ApprovalRule{
			ImpactLevel:   models.ImpactLow,
			RequiredRoles: []models.ApprovalRole{models.RoleOperationsLead},
			MinApprovals:  1,
		},
		models.ApprovalRule{
			ImpactLevel:   models.ImpactMedium,
			RequiredRoles: []models.ApprovalRole{models.RoleFinanceLead, models.RoleOperationsLead},
			MinApprovals:  1,
		},
		models.ApprovalRule{
			ImpactLevel:   models.ImpactHigh,
			RequiredRoles: []models.ApprovalRole{models.RoleFinanceLead, models.RoleOperationsLead, models.RoleAdministrator},
			MinApprovals:  2,
		},
		models.ApprovalRule{
			ImpactLevel:     models.ImpactCritical,
			RequiredRoles:   []models.ApprovalRole{models.RoleFinanceLead, models.RoleOperationsLead, models.RoleAdministrator},
			MinApprovals:    3,
			RequireAllRoles: true,
		},
	)
	if err != nil {
		panic(fmt.Sprintf("policy: invalid default rules: %v", err))
	}
	return reg
}
