package policy

import (
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

// DynamicRule is a user-authored guardrail expressed in CEL. The expression
// is compiled once at registration and evaluated against every submitted
// change.
type DynamicRule struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Expression string  `json:"expression"`
	Action     Verdict `json:"action"`

	program cel.Program
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("environment", cel.StringType),
		cel.Variable("change_type", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("target_count", cel.IntType),
		cel.Variable("dependency_count", cel.IntType),
		cel.Variable("max_criticality", cel.StringType),
		cel.Variable("any_any", cel.BoolType),
		cel.Variable("core_device", cel.BoolType),
	)
}

// AddDynamicRule compiles and registers a CEL rule. Compilation errors are
// returned to the caller; nothing is registered on failure.
func (e *Engine) AddDynamicRule(name, expression string, action Verdict) (*DynamicRule, error) {
	switch action {
	case VerdictWarn, VerdictBlock, VerdictRequireDoubleApproval:
	default:
		return nil, fmt.Errorf("dynamic rule %s: unknown action %q", name, action)
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, fmt.Errorf("build cel environment: %w", err)
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile rule %s: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must yield bool, got %s", name, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program rule %s: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	r := &DynamicRule{
		ID:         "cel-" + strconv.Itoa(e.nextID),
		Name:       name,
		Expression: expression,
		Action:     action,
		program:    prg,
	}
	e.dynamic[r.ID] = r
	return r, nil
}

// DynamicRules lists the registered CEL rules ordered by id.
func (e *Engine) DynamicRules() []*DynamicRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*DynamicRule, 0, len(e.dynamic))
	for _, id := range e.sortedDynamicIDs() {
		cp := *e.dynamic[id]
		out = append(out, &cp)
	}
	return out
}

// Eval runs the compiled expression against a change and its impact
// snapshot (which may be nil).
func (r *DynamicRule) Eval(c *change.Change, snap *impact.Snapshot) (bool, error) {
	vars := map[string]any{
		"environment":      c.Environment,
		"change_type":      string(c.ChangeType),
		"action":           string(c.Action),
		"target_count":     len(c.TargetComponents),
		"dependency_count": 0,
		"max_criticality":  "",
		"any_any":          false,
		"core_device":      false,
	}
	if snap != nil {
		vars["dependency_count"] = snap.TotalDependencyCount
		vars["max_criticality"] = snap.MaxCriticality
		vars["any_any"] = snap.AnyAnyRuleInvolved
		for _, ref := range snap.DirectlyImpacted {
			if ref.IsCore {
				vars["core_device"] = true
				break
			}
		}
	}
	out, _, err := r.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("evaluate rule %s: %w", r.Name, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: non-boolean result %v", r.Name, out.Value())
	}
	return b, nil
}
