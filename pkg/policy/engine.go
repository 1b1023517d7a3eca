package policy

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

// Triggered is one policy that fired during evaluation.
type Triggered struct {
	Policy  string  `json:"policy"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason"`
}

// Decision is the change-level outcome: the most severe verdict among all
// triggered policies plus the full trigger list for the audit trail.
type Decision struct {
	Verdict   Verdict     `json:"verdict"`
	Triggered []Triggered `json:"triggered,omitempty"`
}

// BlockedError returns the submit-refusing error when the verdict is block,
// nil otherwise.
func (d Decision) BlockedError() error {
	if d.Verdict != VerdictBlock {
		return nil
	}
	var names, reasons []string
	for _, t := range d.Triggered {
		if t.Verdict == VerdictBlock {
			names = append(names, t.Policy)
			reasons = append(reasons, t.Reason)
		}
	}
	return &BlockedError{Policies: names, Reasons: reasons}
}

// Engine holds the configured guardrails and evaluates them against
// proposed changes. Structured policies and compiled CEL rules live side by
// side; both contribute to the same decision.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	dynamic  map[string]*DynamicRule
	nextID   int
	logger   *slog.Logger
}

// NewEngine builds an empty policy engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policies: map[string]*Policy{},
		dynamic:  map[string]*DynamicRule{},
		logger:   logger,
	}
}

// Add validates and registers a policy, assigning its id.
func (e *Engine) Add(p Policy) (*Policy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	p.ID = "pol-" + strconv.Itoa(e.nextID)
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := p
	e.policies[p.ID] = &cp
	return clonePolicy(&cp), nil
}

// Get returns a policy by id.
func (e *Engine) Get(id string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.policies[id]
	if !ok {
		return nil, &change.NotFoundError{Kind: "policy", ID: id}
	}
	return clonePolicy(p), nil
}

// List returns all policies ordered by id.
func (e *Engine) List() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Policy, 0, len(e.policies))
	for _, p := range e.policies {
		out = append(out, clonePolicy(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetEnabled flips a policy on or off.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.policies[id]
	if !ok {
		return &change.NotFoundError{Kind: "policy", ID: id}
	}
	p.Enabled = enabled
	return nil
}

// Evaluate runs every enabled policy and dynamic rule against the change.
// snap may be nil when no impact analysis has run yet.
func (e *Engine) Evaluate(c *change.Change, snap *impact.Snapshot, now time.Time) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	var triggered []Triggered
	for _, id := range e.sortedPolicyIDs() {
		p := e.policies[id]
		if !p.Enabled {
			continue
		}
		fired, reason := e.apply(p, c, snap, now)
		if !fired {
			continue
		}
		ts := now
		p.LastTriggeredAt = &ts
		triggered = append(triggered, Triggered{Policy: p.Name, Verdict: p.Action, Reason: reason})
	}

	for _, id := range e.sortedDynamicIDs() {
		r := e.dynamic[id]
		fired, err := r.Eval(c, snap)
		if err != nil {
			e.logger.Warn("dynamic policy rule failed", "rule", r.Name, "error", err)
			continue
		}
		if fired {
			triggered = append(triggered, Triggered{
				Policy:  r.Name,
				Verdict: r.Action,
				Reason:  "expression matched: " + r.Expression,
			})
		}
	}

	verdict := VerdictIgnore
	for _, t := range triggered {
		if t.Verdict.Severity() > verdict.Severity() {
			verdict = t.Verdict
		}
	}
	return Decision{Verdict: verdict, Triggered: triggered}
}

// apply dispatches on the rule type, one handler per kind.
func (e *Engine) apply(p *Policy, c *change.Change, snap *impact.Snapshot, now time.Time) (bool, string) {
	switch p.RuleType {
	case RuleTimeRestriction:
		return applyTimeRestriction(p, c, now)
	case RuleDoubleValidation:
		return applyDoubleValidation(p, c)
	case RuleAutoBlock:
		return applyAutoBlock(p, c, snap)
	}
	return false, ""
}

func scopeMatches(cond Condition, c *change.Change) bool {
	if len(cond.Environments) > 0 && !containsFold(cond.Environments, c.Environment) {
		return false
	}
	if len(cond.ChangeTypes) > 0 && !containsFold(cond.ChangeTypes, string(c.ChangeType)) {
		return false
	}
	return true
}

func applyTimeRestriction(p *Policy, c *change.Change, now time.Time) (bool, string) {
	if !scopeMatches(p.Condition, c) {
		return false, ""
	}
	now = now.UTC()
	if p.Condition.BlockedHoursStart != nil {
		h := now.Hour()
		start, end := *p.Condition.BlockedHoursStart, *p.Condition.BlockedHoursEnd
		if h >= start && h < end {
			return true, fmt.Sprintf("submissions blocked between %02d:00 and %02d:00 UTC", start, end)
		}
	}
	for _, d := range p.Condition.BlockedDays {
		if weekdays[strings.ToLower(d)] == now.Weekday() {
			return true, "submissions blocked on " + now.Weekday().String()
		}
	}
	return false, ""
}

func applyDoubleValidation(p *Policy, c *change.Change) (bool, string) {
	if !scopeMatches(p.Condition, c) {
		return false, ""
	}
	n := p.Condition.RequiredApprovals
	if n == 0 {
		n = 2
	}
	return true, fmt.Sprintf("%d approvals required for %s changes", n, c.ChangeType)
}

func applyAutoBlock(p *Policy, c *change.Change, snap *impact.Snapshot) (bool, string) {
	if !scopeMatches(p.Condition, c) {
		return false, ""
	}
	if containsFold(p.Condition.BlockEnvironments, c.Environment) {
		return true, "changes in " + c.Environment + " are blocked"
	}
	if containsFold(p.Condition.BlockChangeTypes, string(c.ChangeType)) {
		return true, string(c.ChangeType) + " changes are blocked"
	}
	if p.Condition.BlockAnyAnyRules && snap != nil && snap.AnyAnyRuleInvolved {
		return true, "change involves an any-any firewall rule"
	}
	return false, ""
}

func containsFold(set []string, v string) bool {
	for _, s := range set {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Conflicts returns every conflicting pair among enabled policies. The
// relation is symmetric; each unordered pair is reported once with the
// members in name order.
func (e *Engine) Conflicts() []Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var enabled []*Policy
	for _, p := range e.policies {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })

	var out []Conflict
	for i := 0; i < len(enabled); i++ {
		for j := i + 1; j < len(enabled); j++ {
			if ct, ok := ConflictBetween(enabled[i], enabled[j]); ok {
				out = append(out, Conflict{PolicyA: enabled[i].Name, PolicyB: enabled[j].Name, Type: ct})
			}
		}
	}
	return out
}

// ConflictBetween reports whether two policies conflict. Symmetric in its
// arguments.
func ConflictBetween(a, b *Policy) (ConflictType, bool) {
	if !scopesOverlap(a.Condition, b.Condition) {
		return "", false
	}
	pair := func(x, y Verdict) bool {
		return (a.Action == x && b.Action == y) || (a.Action == y && b.Action == x)
	}
	if pair(VerdictBlock, VerdictWarn) {
		return ConflictOverlap, true
	}
	if pair(VerdictRequireDoubleApproval, VerdictWarn) {
		return ConflictPrecedence, true
	}
	return "", false
}

func scopesOverlap(a, b Condition) bool {
	return setsIntersect(a.Environments, b.Environments) &&
		setsIntersect(a.ChangeTypes, b.ChangeTypes)
}

// setsIntersect treats an empty set as a wildcard.
func setsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return true
	}
	for _, x := range a {
		if containsFold(b, x) {
			return true
		}
	}
	return false
}

func (e *Engine) sortedPolicyIDs() []string {
	ids := make([]string, 0, len(e.policies))
	for id := range e.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) sortedDynamicIDs() []string {
	ids := make([]string, 0, len(e.dynamic))
	for id := range e.dynamic {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	if p.LastTriggeredAt != nil {
		t := *p.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	return &cp
}
