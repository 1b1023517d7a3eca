package policy

import (
	"fmt"
	"strings"
	"time"
)

// RuleType is the closed set of structured guardrail kinds. Policies with an
// unrecognized rule type are rejected when registered, never skipped
// silently.
type RuleType string

const (
	RuleTimeRestriction  RuleType = "time_restriction"
	RuleDoubleValidation RuleType = "double_validation"
	RuleAutoBlock        RuleType = "auto_block"
)

var ruleTypes = map[RuleType]bool{
	RuleTimeRestriction: true, RuleDoubleValidation: true, RuleAutoBlock: true,
}

// Verdict is the outcome of evaluating one policy against a change.
type Verdict string

const (
	VerdictIgnore                Verdict = "ignore"
	VerdictWarn                  Verdict = "warn"
	VerdictRequireDoubleApproval Verdict = "require_double_approval"
	VerdictBlock                 Verdict = "block"
)

// Severity orders verdicts: block > require_double_approval > warn > ignore.
func (v Verdict) Severity() int {
	switch v {
	case VerdictBlock:
		return 3
	case VerdictRequireDoubleApproval:
		return 2
	case VerdictWarn:
		return 1
	}
	return 0
}

// Condition is the structured predicate carried by a policy. Empty fields
// place no constraint on their axis. Hours are in UTC.
type Condition struct {
	Environments      []string `json:"environments,omitempty" hcl:"environments,optional"`
	ChangeTypes       []string `json:"change_types,omitempty" hcl:"change_types,optional"`
	BlockedHoursStart *int     `json:"blocked_hours_start,omitempty" hcl:"blocked_hours_start,optional"`
	BlockedHoursEnd   *int     `json:"blocked_hours_end,omitempty" hcl:"blocked_hours_end,optional"`
	BlockedDays       []string `json:"blocked_days,omitempty" hcl:"blocked_days,optional"`
	RequiredApprovals int      `json:"required_approvals,omitempty" hcl:"required_approvals,optional"`
	BlockAnyAnyRules  bool     `json:"block_any_any_rules,omitempty" hcl:"block_any_any_rules,optional"`
	BlockEnvironments []string `json:"block_environments,omitempty" hcl:"block_environments,optional"`
	BlockChangeTypes  []string `json:"block_change_types,omitempty" hcl:"block_change_types,optional"`
}

// Policy is one configured guardrail.
type Policy struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	RuleType        RuleType   `json:"rule_type"`
	Condition       Condition  `json:"condition"`
	Action          Verdict    `json:"action"`
	Enabled         bool       `json:"enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// Validate rejects malformed policies at the boundary.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name must not be empty")
	}
	if !ruleTypes[p.RuleType] {
		return fmt.Errorf("policy %s: unknown rule type %q", p.Name, p.RuleType)
	}
	switch p.Action {
	case VerdictWarn, VerdictBlock, VerdictRequireDoubleApproval:
	default:
		return fmt.Errorf("policy %s: unknown action %q", p.Name, p.Action)
	}
	c := p.Condition
	if (c.BlockedHoursStart == nil) != (c.BlockedHoursEnd == nil) {
		return fmt.Errorf("policy %s: blocked hours need both start and end", p.Name)
	}
	if c.BlockedHoursStart != nil {
		if *c.BlockedHoursStart < 0 || *c.BlockedHoursStart > 24 ||
			*c.BlockedHoursEnd < 0 || *c.BlockedHoursEnd > 24 {
			return fmt.Errorf("policy %s: blocked hours out of range 0..24", p.Name)
		}
	}
	for _, d := range c.BlockedDays {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			return fmt.Errorf("policy %s: unknown weekday %q", p.Name, d)
		}
	}
	if c.RequiredApprovals != 0 && c.RequiredApprovals < 2 {
		return fmt.Errorf("policy %s: required_approvals must be >= 2", p.Name)
	}
	return nil
}

var weekdays = map[string]time.Weekday{
	"mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
	"sun": time.Sunday,
}

// BlockedError is the submit-refusing verdict, listing every policy that
// voted block and why.
type BlockedError struct {
	Policies []string
	Reasons  []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("change blocked by policy [%s]: %s",
		strings.Join(e.Policies, ", "), strings.Join(e.Reasons, "; "))
}

// ConflictType classifies a policy conflict.
type ConflictType string

const (
	// ConflictOverlap: one policy blocks a tuple another lets pass.
	ConflictOverlap ConflictType = "overlap"
	// ConflictPrecedence: one policy demands double approval where another
	// passes at a single approval.
	ConflictPrecedence ConflictType = "precedence"
)

// Conflict is one detected pair. Symmetric: if (a,b) conflicts, (b,a) does.
type Conflict struct {
	PolicyA string       `json:"policy_a"`
	PolicyB string       `json:"policy_b"`
	Type    ConflictType `json:"conflict_type"`
}
