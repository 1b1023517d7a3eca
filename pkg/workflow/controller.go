package workflow

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
	"github.com/deplyx/deplyx/pkg/impact"
	"github.com/deplyx/deplyx/pkg/policy"
	"github.com/deplyx/deplyx/pkg/risk"
)

// Narrator decorates critical paths with human-readable reasoning. The
// controller treats it as best effort: failures are logged and ignored, and
// nothing downstream reads the generated text.
type Narrator interface {
	Annotate(ctx context.Context, c *change.Change, snap *impact.Snapshot) error
}

// Executor hands an approved change to the connector responsible for it.
type Executor interface {
	Validate(ctx context.Context, c *change.Change) error
	Apply(ctx context.Context, c *change.Change) (receipt string, err error)
}

// Config carries the workflow knobs.
type Config struct {
	ApprovalTimeout  time.Duration
	MaintenanceGrace time.Duration
	Risk             risk.Config
}

// DefaultConfig returns the stock workflow settings.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout:  24 * time.Hour,
		MaintenanceGrace: 5 * time.Minute,
		Risk:             risk.DefaultConfig(),
	}
}

// Controller drives the change lifecycle: submit, approvals, execution, and
// the audit trail around each step.
type Controller struct {
	changes  *change.Store
	journal  *audit.Journal
	topology *graph.Store
	analyzer *impact.Analyzer
	policies *policy.Engine
	cfg      Config

	narrator Narrator
	executor Executor
	clock    func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Option customizes a Controller.
type Option func(*Controller)

// WithNarrator attaches a best-effort critical-path annotator.
func WithNarrator(n Narrator) Option { return func(c *Controller) { c.narrator = n } }

// WithExecutor attaches the connector-backed execution path.
func WithExecutor(e Executor) Option { return func(c *Controller) { c.executor = e } }

// WithClock overrides the controller clock, for tests.
func WithClock(clock func() time.Time) Option { return func(c *Controller) { c.clock = clock } }

// New wires a Controller from its collaborators.
func New(changes *change.Store, journal *audit.Journal, topology *graph.Store,
	analyzer *impact.Analyzer, policies *policy.Engine, cfg Config,
	logger *slog.Logger, opts ...Option) *Controller {

	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		changes:  changes,
		journal:  journal,
		topology: topology,
		analyzer: analyzer,
		policies: policies,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   logger,
		tracer:   otel.Tracer("deplyx/workflow"),
		inflight: map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create persists a new draft and audits it.
func (w *Controller) Create(draft *change.Change, userID string) (*change.Change, error) {
	c, err := w.changes.Create(draft)
	if err != nil {
		return nil, err
	}
	w.journal.Append(c.ID, userID, audit.ActionCreated, map[string]any{
		"title": c.Title, "change_type": string(c.ChangeType), "action": string(c.Action),
	})
	return c, nil
}

// EditDraft applies an author edit. Allowed only while Draft or Pending; an
// edit that invalidates an in-flight analysis cancels it.
func (w *Controller) EditDraft(changeID, userID string, fn func(*change.Change) error) (*change.Change, error) {
	cur, err := w.changes.Get(changeID)
	if err != nil {
		return nil, err
	}
	if cur.Status != change.StatusDraft && cur.Status != change.StatusPending {
		return nil, &change.TransitionForbidden{From: cur.Status, To: cur.Status}
	}
	next, err := w.changes.Update(changeID, fn)
	if err != nil {
		return nil, err
	}
	if next.Action != cur.Action || !reflect.DeepEqual(next.TargetComponents, cur.TargetComponents) {
		// The edit touched targets or action: drop the memoized analysis
		// and cancel any traversal still running against the old inputs.
		w.analyzer.Invalidate(changeID)
		w.cancelInflight(changeID)
		w.journal.Append(changeID, userID, audit.ActionAnalysisSuperseded, map[string]any{
			"reason": "change edited while analysis pending",
		})
	}
	return next, nil
}

// Submit runs the full pipeline: impact analysis, policy evaluation, risk
// scoring, approval materialization, and the transition into Analyzing.
func (w *Controller) Submit(ctx context.Context, changeID, userID string) (*change.Change, error) {
	ctx, span := w.tracer.Start(ctx, "workflow.Submit",
		trace.WithAttributes(attribute.String("change.id", changeID)))
	defer span.End()

	c, err := w.changes.Get(changeID)
	if err != nil {
		return nil, err
	}
	if c.Status != change.StatusDraft {
		return nil, &change.TransitionForbidden{From: c.Status, To: change.StatusPending}
	}
	if len(c.TargetComponents) == 0 {
		return nil, &change.ValidationError{Field: "target_components", Reason: "must not be empty"}
	}
	if !change.ActionAllowed(c.ChangeType, c.Action) {
		return nil, &change.ValidationError{Field: "action",
			Reason: string(c.Action) + " is not allowed for change type " + string(c.ChangeType)}
	}

	now := w.clock()

	// The whole pipeline reads one pinned graph revision; later syncs do
	// not affect this submit.
	g := w.topology.Snapshot()
	snap, err := w.analyze(ctx, g, c)
	if err != nil {
		return nil, err
	}

	decision := w.policies.Evaluate(c, snap, now)
	w.auditPolicyDecision(c.ID, userID, decision)
	if blockErr := decision.BlockedError(); blockErr != nil {
		return nil, blockErr
	}

	incidents := w.journal.IncidentsSince(now.Add(-w.cfg.Risk.IncidentWindow), c.TargetComponents...)
	res := risk.Evaluate(risk.Input{Change: c, Impact: snap, PriorIncidents: incidents, Now: now}, w.cfg.Risk)
	w.journal.Append(c.ID, userID, audit.ActionRiskCalculated, map[string]any{
		"score": res.Score, "level": string(res.Level),
		"clock": res.Clock.Format(time.RFC3339Nano), "factors": res.Factors,
	})

	canonical, err := snap.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	w.annotate(ctx, c, snap)

	roles := deriveApprovalRoles(c, snap, g, res.Level, decision.Verdict)

	updated, err := w.changes.Update(c.ID, func(cc *change.Change) error {
		cc.Status = change.StatusPending
		cc.ImpactSnapshot = snap
		cc.ImpactJSON = canonical
		score := res.Score
		level := res.Level
		cc.RiskScore = &score
		cc.RiskLevel = &level
		cc.SubmittedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := w.changes.CreateApprovals(c.ID, roles, c.CreatedAt.Add(w.cfg.ApprovalTimeout)); err != nil {
		return nil, err
	}

	w.journal.Append(c.ID, userID, audit.ActionSubmitted, map[string]any{
		"risk_score": res.Score, "risk_level": string(res.Level),
		"approval_roles": roleNames(roles), "graph_revision": snap.GraphRevision,
	})

	updated, err = w.changes.Update(c.ID, func(cc *change.Change) error {
		cc.Status = change.StatusAnalyzing
		return nil
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("risk.score", res.Score),
		attribute.String("risk.level", string(res.Level)),
	)
	w.logger.Info("change submitted",
		"change_id", c.ID, "risk_score", res.Score, "risk_level", string(res.Level),
		"approvals", len(roles), "verdict", string(decision.Verdict))
	return updated, nil
}

// Reanalyze recomputes the impact snapshot against the current graph
// revision and re-persists it. Allowed before a final state is reached.
func (w *Controller) Reanalyze(ctx context.Context, changeID, userID string) (*impact.Snapshot, error) {
	c, err := w.changes.Get(changeID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		return nil, &change.TransitionForbidden{From: c.Status, To: c.Status}
	}
	w.analyzer.Invalidate(changeID)
	snap, err := w.analyze(ctx, w.topology.Snapshot(), c)
	if err != nil {
		return nil, err
	}
	canonical, err := snap.MarshalCanonical()
	if err != nil {
		return nil, err
	}
	w.annotate(ctx, c, snap)
	_, err = w.changes.Update(changeID, func(cc *change.Change) error {
		cc.ImpactSnapshot = snap
		cc.ImpactJSON = canonical
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ComputeRisk scores a change on demand, without submitting it. Running the
// calculation drops any memoized impact snapshot so the score reflects a
// fresh traversal.
func (w *Controller) ComputeRisk(ctx context.Context, changeID, userID string) (risk.Result, error) {
	c, err := w.changes.Get(changeID)
	if err != nil {
		return risk.Result{}, err
	}
	if len(c.TargetComponents) == 0 {
		return risk.Result{}, &change.ValidationError{Field: "target_components", Reason: "must not be empty"}
	}
	w.analyzer.Invalidate(changeID)
	snap, err := w.analyze(ctx, w.topology.Snapshot(), c)
	if err != nil {
		return risk.Result{}, err
	}
	now := w.clock()
	incidents := w.journal.IncidentsSince(now.Add(-w.cfg.Risk.IncidentWindow), c.TargetComponents...)
	res := risk.Evaluate(risk.Input{Change: c, Impact: snap, PriorIncidents: incidents, Now: now}, w.cfg.Risk)
	w.journal.Append(changeID, userID, audit.ActionRiskCalculated, map[string]any{
		"score": res.Score, "level": string(res.Level),
		"clock": res.Clock.Format(time.RFC3339Nano), "factors": res.Factors,
	})
	return res, nil
}

// Decide records one approval decision. Exactly one of two concurrent
// decisions on the same row wins.
func (w *Controller) Decide(ctx context.Context, approvalID int64, userID string, role change.Role, approve bool, comment string) (*change.Approval, error) {
	row, err := w.changes.GetApproval(approvalID)
	if err != nil {
		return nil, err
	}
	if row.RoleRequired != role {
		return nil, &change.ValidationError{Field: "role",
			Reason: "approval requires role " + string(row.RoleRequired)}
	}
	now := w.clock()
	if now.After(row.ExpiresAt) {
		w.sweepExpired()
		return nil, change.ErrApprovalAlreadyDecided
	}

	decided, err := w.changes.Decide(approvalID, userID, approve, false, comment)
	if err != nil {
		return nil, err
	}

	if approve {
		w.journal.Append(decided.ChangeID, userID, audit.ActionApproved, map[string]any{
			"approval_id": decided.ID, "role": string(role),
		})
		if err := w.promoteIfQuorumMet(decided.ChangeID, userID); err != nil {
			return nil, err
		}
		return decided, nil
	}

	w.journal.Append(decided.ChangeID, userID, audit.ActionRejected, map[string]any{
		"approval_id": decided.ID, "role": string(role), "comment": comment,
	})
	_, err = w.changes.Update(decided.ChangeID, func(cc *change.Change) error {
		if !change.CanTransition(cc.Status, change.StatusRejected) {
			return &change.TransitionForbidden{From: cc.Status, To: change.StatusRejected}
		}
		cc.Status = change.StatusRejected
		cc.RejectReason = comment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

// AutoApprove satisfies every pending slot of a low-risk change through the
// auto-approval path.
func (w *Controller) AutoApprove(ctx context.Context, changeID, userID string) error {
	c, err := w.changes.Get(changeID)
	if err != nil {
		return err
	}
	if c.Status != change.StatusAnalyzing {
		return &change.TransitionForbidden{From: c.Status, To: change.StatusApproved}
	}
	if c.RiskLevel == nil || *c.RiskLevel != change.RiskLow {
		return &change.ValidationError{Field: "risk_level",
			Reason: "auto-approval is only available for low risk"}
	}
	for _, row := range w.changes.ApprovalsFor(changeID) {
		if row.Status != change.ApprovalPending {
			continue
		}
		decided, err := w.changes.Decide(row.ID, userID, true, true, "auto-approved: low risk")
		if err != nil {
			return err
		}
		w.journal.Append(changeID, userID, audit.ActionAutoApproved, map[string]any{
			"approval_id": decided.ID, "role": string(decided.RoleRequired),
		})
	}
	return w.promoteIfQuorumMet(changeID, userID)
}

// Execute moves an approved change into Executing. Outside the maintenance
// window it requires an explicit admin override, which is audited.
func (w *Controller) Execute(ctx context.Context, changeID, userID string, adminOverride bool) error {
	c, err := w.changes.Get(changeID)
	if err != nil {
		return err
	}
	if c.Status != change.StatusApproved {
		return &change.TransitionForbidden{From: c.Status, To: change.StatusExecuting}
	}
	now := w.clock()
	if !c.InWindow(now, w.cfg.MaintenanceGrace) {
		if !adminOverride {
			return &MaintenanceWindowViolation{ChangeID: changeID, Now: now}
		}
		w.journal.Append(changeID, userID, audit.ActionOverrideWindow, map[string]any{
			"now": now.Format(time.RFC3339),
		})
	}

	receipt := ""
	if w.executor != nil {
		if err := w.executor.Validate(ctx, c); err != nil {
			return err
		}
		if receipt, err = w.executor.Apply(ctx, c); err != nil {
			return err
		}
	}

	_, err = w.changes.Update(changeID, func(cc *change.Change) error {
		cc.Status = change.StatusExecuting
		return nil
	})
	if err != nil {
		return err
	}
	w.journal.Append(changeID, userID, audit.ActionExecuted, map[string]any{"receipt": receipt})
	return nil
}

// Complete marks an executing change done.
func (w *Controller) Complete(ctx context.Context, changeID, userID string) error {
	now := w.clock()
	_, err := w.changes.Update(changeID, func(cc *change.Change) error {
		if !change.CanTransition(cc.Status, change.StatusCompleted) {
			return &change.TransitionForbidden{From: cc.Status, To: change.StatusCompleted}
		}
		cc.Status = change.StatusCompleted
		cc.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	w.journal.Append(changeID, userID, audit.ActionCompleted, nil)
	return nil
}

// Rollback reverts an executing change. Allowed only from Executing.
func (w *Controller) Rollback(ctx context.Context, changeID, userID, reason string) error {
	_, err := w.changes.Update(changeID, func(cc *change.Change) error {
		if !change.CanTransition(cc.Status, change.StatusRolledBack) {
			return &change.TransitionForbidden{From: cc.Status, To: change.StatusRolledBack}
		}
		cc.Status = change.StatusRolledBack
		return nil
	})
	if err != nil {
		return err
	}
	w.journal.Append(changeID, userID, audit.ActionRolledBack, map[string]any{"reason": reason})
	return nil
}

// ReportIncident links a post-change incident to a component; the risk
// engine's history factor and the precision KPIs read these entries.
func (w *Controller) ReportIncident(changeID, userID, component, description string) {
	w.journal.Append(changeID, userID, audit.ActionIncidentReported, map[string]any{
		"component": component, "description": description,
	})
}

// ExpireApprovals is the reaper tick: every pending approval strictly past
// its deadline is expired, and changes whose quorum became unreachable are
// rejected.
func (w *Controller) ExpireApprovals(ctx context.Context) int {
	return w.sweepExpired()
}

// sweepExpired flips every due approval to Expired and settles the affected
// changes. The store's ExpireDue only reports each row once, so every caller
// that triggers a sweep has to process the full result, not just its own row.
func (w *Controller) sweepExpired() int {
	expired := w.changes.ExpireDue(w.clock())
	for _, row := range expired {
		w.journal.Append(row.ChangeID, "", audit.ActionApprovalExpired, map[string]any{
			"approval_id": row.ID, "role": string(row.RoleRequired),
		})
		_, err := w.changes.Update(row.ChangeID, func(cc *change.Change) error {
			if !change.CanTransition(cc.Status, change.StatusRejected) {
				return nil
			}
			cc.Status = change.StatusRejected
			cc.RejectReason = "approval expired"
			return nil
		})
		if err != nil {
			w.logger.Warn("failed to reject change after approval expiry",
				"change_id", row.ChangeID, "error", err)
		}
	}
	return len(expired)
}

func (w *Controller) promoteIfQuorumMet(changeID, userID string) error {
	for _, row := range w.changes.ApprovalsFor(changeID) {
		if row.Status != change.ApprovalApproved {
			return nil
		}
	}
	_, err := w.changes.Update(changeID, func(cc *change.Change) error {
		if !change.CanTransition(cc.Status, change.StatusApproved) {
			return &change.TransitionForbidden{From: cc.Status, To: change.StatusApproved}
		}
		cc.Status = change.StatusApproved
		return nil
	})
	return err
}

func (w *Controller) analyze(ctx context.Context, g *graph.Snapshot, c *change.Change) (*impact.Snapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.inflight[c.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.inflight, c.ID)
		w.mu.Unlock()
	}()

	return w.analyzer.Analyze(ctx, g, impact.Request{
		ChangeID:    c.ID,
		Action:      string(c.Action),
		Targets:     c.TargetComponents,
		Environment: c.Environment,
	})
}

func (w *Controller) cancelInflight(changeID string) {
	w.mu.Lock()
	cancel := w.inflight[changeID]
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Controller) annotate(ctx context.Context, c *change.Change, snap *impact.Snapshot) {
	if w.narrator == nil || len(snap.CriticalPaths) == 0 {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := w.narrator.Annotate(nctx, c, snap); err != nil {
		w.logger.Warn("critical-path narration failed", "change_id", c.ID, "error", err)
	}
}

func (w *Controller) auditPolicyDecision(changeID, userID string, d policy.Decision) {
	for _, t := range d.Triggered {
		w.journal.Append(changeID, userID, audit.ActionPolicyTriggered, map[string]any{
			"policy": t.Policy, "verdict": string(t.Verdict), "reason": t.Reason,
		})
	}
}

// deriveApprovalRoles builds the role multiset for a submitted change: base
// roles from the risk level, situational additions, then doubling rules.
func deriveApprovalRoles(c *change.Change, snap *impact.Snapshot, g *graph.Snapshot, level change.RiskLevel, verdict policy.Verdict) []change.Role {
	set := map[change.Role]bool{}
	switch level {
	case change.RiskLow, change.RiskMedium:
		set[change.RoleApprover] = true
	case change.RiskHigh:
		set[change.RoleNetworkLead] = true
		set[change.RoleApprover] = true
	case change.RiskCritical:
		set[change.RoleAdmin] = true
		set[change.RoleSecurityLead] = true
	}

	for _, ref := range snap.DirectlyImpacted {
		n := g.Node(ref.ID)
		if n == nil || n.Kind != graph.KindDevice {
			continue
		}
		if dk := n.DeviceKind(); dk == "switch" || dk == "router" {
			set[change.RoleNetworkLead] = true
		}
	}
	if c.ChangeType == change.TypeFirewall || c.ChangeType == change.TypeCloudSG || snap.AnyAnyRuleInvolved {
		set[change.RoleSecurityLead] = true
	}
	if c.Action == change.ActionDecommission {
		set[change.RoleDCManager] = true
	}

	roles := make([]change.Role, 0, len(set)+2)
	for r := range set {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Rank() > roles[j].Rank() })

	// Critical risk always carries a doubled SecurityLead slot.
	if level == change.RiskCritical {
		roles = append(roles, change.RoleSecurityLead)
	}
	// A require_double_approval verdict doubles the highest role present.
	if verdict == policy.VerdictRequireDoubleApproval && len(roles) > 0 {
		roles = append(roles, roles[0])
	}
	return roles
}

func roleNames(roles []change.Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}
