package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/kiranshivaraju/governor/pkg/models"
	"gopkg.in/yaml.v3"
)

// ErrInvalidRule is returned when a rule fails validation at load time.
var ErrInvalidRule = errors.New("invalid approval rule")

type policyFile struct {
	Rules []models.ApprovalRule `yaml:"rules"`
}

// Load reads a YAML policy file from path.
func Load(path string) (*StaticRegistry, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return FromYAML(data)
}

// FromYAML parses a policy document of the form:
//
//	rules:
//	  - impact_level: high
//	    required_roles: [finance_lead, operations_lead, administrator]
//	    min_approvals: 2
//	    require_all_roles: false
func FromYAML(data []byte) (*StaticRegistry, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("%w: policy file defines no rules", ErrInvalidRule)
	}
	return NewRegistry(f.Rules...)
}

// Validate checks a single rule.
func Validate(r models.ApprovalRule) error {
	if !r.ImpactLevel.Valid() {
		return fmt.Errorf("%w: unknown impact level %q", ErrInvalidRule, r.ImpactLevel)
	}
	if len(r.RequiredRoles) == 0 {
		return fmt.Errorf("%w: %s: required_roles is empty", ErrInvalidRule, r.ImpactLevel)
	}
	seen := make(map[models.ApprovalRole]bool, len(r.RequiredRoles))
	for _, role := range r.RequiredRoles {
		if !role.Valid() {
			return fmt.Errorf("%w: %s: unknown role %q", ErrInvalidRule, r.ImpactLevel, role)
		}
		if seen[role] {
			return fmt.Errorf("%w: %s: duplicate role %q", ErrInvalidRule, r.ImpactLevel, role)
		}
		seen[role] = true
	}
	if r.MinApprovals < 1 {
		return fmt.Errorf("%w: %s: min_approvals must be at least 1", ErrInvalidRule, r.ImpactLevel)
	}
	if r.MinApprovals > len(r.RequiredRoles) {
		return fmt.Errorf("%w: %s: min_approvals %d exceeds %d required roles",
			ErrInvalidRule, r.ImpactLevel, r.MinApprovals, len(r.RequiredRoles))
	}
	return nil
}
