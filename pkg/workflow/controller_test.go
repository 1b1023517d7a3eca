package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/graph"
	"github.com/deplyx/deplyx/pkg/impact"
	"github.com/deplyx/deplyx/pkg/policy"
)

type fixture struct {
	ctrl     *Controller
	changes  *change.Store
	journal  *audit.Journal
	policies *policy.Engine
	now      time.Time
	mu       sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}

	topo := graph.NewStore(2, nil)
	require.NoError(t, topo.Apply(graph.SeedTopology(f.now.Add(-time.Hour))))

	f.changes = change.NewStore(f.clock)
	f.journal = audit.NewJournal(f.clock)
	f.policies = policy.NewEngine(nil)
	analyzer := impact.NewAnalyzer(nil, nil)

	f.ctrl = New(f.changes, f.journal, topo, analyzer, f.policies,
		DefaultConfig(), nil, WithClock(f.clock))
	return f
}

func draftDecommission(t *testing.T, f *fixture) *change.Change {
	t.Helper()
	c, err := f.ctrl.Create(&change.Change{
		Title:            "Decommission primary DC1 firewall",
		ChangeType:       change.TypeFirewall,
		Action:           change.ActionDecommission,
		Environment:      "Prod",
		TargetComponents: []string{"FW-DC1-01"},
	}, "alice")
	require.NoError(t, err)
	return c
}

func TestSubmitCriticalDecommission(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)

	got, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)

	require.Equal(t, change.StatusAnalyzing, got.Status)
	require.NotNil(t, got.RiskScore)
	require.Equal(t, 100, *got.RiskScore)
	require.Equal(t, change.RiskCritical, *got.RiskLevel)
	require.NotNil(t, got.ImpactSnapshot)
	require.Len(t, got.ImpactSnapshot.DirectlyImpacted, 1)
	require.Equal(t, "FW-DC1-01", got.ImpactSnapshot.DirectlyImpacted[0].ID)
	require.GreaterOrEqual(t, len(got.ImpactSnapshot.AffectedApplications), 3)
	require.Equal(t, "critical", got.ImpactSnapshot.MaxCriticality)

	rows := f.changes.ApprovalsFor(c.ID)
	byRole := map[change.Role]int{}
	for _, r := range rows {
		byRole[r.RoleRequired]++
	}
	require.Equal(t, 1, byRole[change.RoleAdmin])
	require.Equal(t, 2, byRole[change.RoleSecurityLead], "critical risk doubles the SecurityLead slot")
	require.Equal(t, 1, byRole[change.RoleDCManager], "decommission pulls in the DC manager")

	// A second submit of the same change is a state-machine violation.
	_, err = f.ctrl.Submit(context.Background(), c.ID, "alice")
	var tf *change.TransitionForbidden
	require.True(t, errors.As(err, &tf))
	require.Equal(t, change.StatusAnalyzing, tf.From)
}

func TestSubmitLowRiskAddRuleAutoApproves(t *testing.T) {
	f := newFixture(t)
	start, end := f.now.Add(-time.Hour), f.now.Add(2*time.Hour)
	c, err := f.ctrl.Create(&change.Change{
		Title:                  "allow lab metrics scraping",
		ChangeType:             change.TypeFirewall,
		Action:                 change.ActionAddRule,
		Environment:            "Preprod",
		RollbackPlan:           "remove the rule",
		MaintenanceWindowStart: &start,
		MaintenanceWindowEnd:   &end,
		TargetComponents:       []string{"FW-DC2-01"},
	}, "bob")
	require.NoError(t, err)

	got, err := f.ctrl.Submit(context.Background(), c.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, impact.StrategyRuleScope, got.ImpactSnapshot.TraversalStrategy)
	require.LessOrEqual(t, *got.RiskScore, 30)
	require.Equal(t, change.RiskLow, *got.RiskLevel)

	require.NoError(t, f.ctrl.AutoApprove(context.Background(), c.ID, "system"))
	got, err = f.changes.Get(c.ID)
	require.NoError(t, err)
	require.Equal(t, change.StatusApproved, got.Status)

	for _, row := range f.changes.ApprovalsFor(c.ID) {
		require.True(t, row.AutoApproved)
	}
	require.Greater(t, f.journal.CountAction(audit.ActionAutoApproved), 0)

	require.NoError(t, f.ctrl.Execute(context.Background(), c.ID, "bob", false))
	require.NoError(t, f.ctrl.Complete(context.Background(), c.ID, "bob"))
	got, _ = f.changes.Get(c.ID)
	require.Equal(t, change.StatusCompleted, got.Status)
}

func TestPolicyBlockRefusesSubmit(t *testing.T) {
	f := newFixture(t)
	intp := func(v int) *int { return &v }
	_, err := f.policies.Add(policy.Policy{
		Name:     "No prod changes in biz hours",
		RuleType: policy.RuleTimeRestriction,
		Action:   policy.VerdictBlock,
		Enabled:  true,
		Condition: policy.Condition{
			Environments:      []string{"Prod"},
			BlockedHoursStart: intp(9),
			BlockedHoursEnd:   intp(17),
		},
	})
	require.NoError(t, err)

	c := draftDecommission(t, f) // fixture clock sits at 10:00 UTC
	_, err = f.ctrl.Submit(context.Background(), c.ID, "alice")
	var be *policy.BlockedError
	require.True(t, errors.As(err, &be))
	require.Equal(t, []string{"No prod changes in biz hours"}, be.Policies)

	got, _ := f.changes.Get(c.ID)
	require.Equal(t, change.StatusDraft, got.Status, "a blocked submit must not advance the change")
}

func TestConcurrentApprovalRace(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)

	var admin *change.Approval
	for _, row := range f.changes.ApprovalsFor(c.ID) {
		if row.RoleRequired == change.RoleAdmin {
			admin = row
			break
		}
	}
	require.NotNil(t, admin)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.ctrl.Decide(context.Background(), admin.ID,
				[]string{"root", "admin2"}[i], change.RoleAdmin, true, "ok")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, change.ErrApprovalAlreadyDecided)
		}
	}
	require.Equal(t, 1, winners)

	approvedEntries := 0
	for _, e := range f.journal.ForChange(c.ID) {
		if e.Action == audit.ActionApproved {
			approvedEntries++
		}
	}
	require.Equal(t, 1, approvedEntries)
}

func TestQuorumPromotesAndRejectionShortCircuits(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)

	rows := f.changes.ApprovalsFor(c.ID)
	for i, row := range rows[:len(rows)-1] {
		_, err := f.ctrl.Decide(context.Background(), row.ID, "u", row.RoleRequired, true, "ok")
		require.NoError(t, err)
		got, _ := f.changes.Get(c.ID)
		require.Equal(t, change.StatusAnalyzing, got.Status, "row %d should not yet promote", i)
	}
	last := rows[len(rows)-1]
	_, err = f.ctrl.Decide(context.Background(), last.ID, "u", last.RoleRequired, true, "ok")
	require.NoError(t, err)
	got, _ := f.changes.Get(c.ID)
	require.Equal(t, change.StatusApproved, got.Status)

	// Separate change: one rejection settles it.
	c2 := draftDecommission(t, f)
	_, err = f.ctrl.Submit(context.Background(), c2.ID, "alice")
	require.NoError(t, err)
	row := f.changes.ApprovalsFor(c2.ID)[0]
	_, err = f.ctrl.Decide(context.Background(), row.ID, "u", row.RoleRequired, false, "too risky")
	require.NoError(t, err)
	got2, _ := f.changes.Get(c2.ID)
	require.Equal(t, change.StatusRejected, got2.Status)
	require.Equal(t, "too risky", got2.RejectReason)
}

func TestWrongRoleCannotDecide(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)

	row := f.changes.ApprovalsFor(c.ID)[0]
	_, err = f.ctrl.Decide(context.Background(), row.ID, "mallory", change.RoleApprover, true, "")
	var ve *change.ValidationError
	require.True(t, errors.As(err, &ve))
}

func TestApprovalExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)

	// One second before the deadline nothing expires.
	f.advance(DefaultConfig().ApprovalTimeout - time.Second)
	require.Zero(t, f.ctrl.ExpireApprovals(context.Background()))

	// One second past it, every pending row expires and the change is
	// rejected because quorum became unreachable.
	f.advance(2 * time.Second)
	require.Greater(t, f.ctrl.ExpireApprovals(context.Background()), 0)

	got, _ := f.changes.Get(c.ID)
	require.Equal(t, change.StatusRejected, got.Status)
	require.Greater(t, f.journal.CountAction(audit.ActionApprovalExpired), 0)
}

func TestLateDecisionSettlesEveryDueApproval(t *testing.T) {
	f := newFixture(t)
	c1 := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c1.ID, "alice")
	require.NoError(t, err)
	c2 := draftDecommission(t, f)
	_, err = f.ctrl.Submit(context.Background(), c2.ID, "alice")
	require.NoError(t, err)

	total := len(f.changes.ApprovalsFor(c1.ID)) + len(f.changes.ApprovalsFor(c2.ID))

	// A decision arriving after the deadline expires its row, and the sweep
	// it triggers must settle every other due row too, not leave them
	// silently flipped with no audit trail and a stranded change.
	f.advance(DefaultConfig().ApprovalTimeout + time.Hour)
	row := f.changes.ApprovalsFor(c1.ID)[0]
	_, err = f.ctrl.Decide(context.Background(), row.ID, "u", row.RoleRequired, true, "")
	require.ErrorIs(t, err, change.ErrApprovalAlreadyDecided)

	require.Equal(t, total, f.journal.CountAction(audit.ActionApprovalExpired))
	for _, id := range []string{c1.ID, c2.ID} {
		got, err := f.changes.Get(id)
		require.NoError(t, err)
		require.Equal(t, change.StatusRejected, got.Status)
	}

	// The reaper afterwards finds nothing left to expire.
	require.Zero(t, f.ctrl.ExpireApprovals(context.Background()))
}

func TestExecuteWindowAndOverride(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)
	for _, row := range f.changes.ApprovalsFor(c.ID) {
		_, err := f.ctrl.Decide(context.Background(), row.ID, "u", row.RoleRequired, true, "ok")
		require.NoError(t, err)
	}

	err = f.ctrl.Execute(context.Background(), c.ID, "alice", false)
	var mwv *MaintenanceWindowViolation
	require.True(t, errors.As(err, &mwv), "no window set means execution is out of window")

	require.NoError(t, f.ctrl.Execute(context.Background(), c.ID, "root", true))
	require.Greater(t, f.journal.CountAction(audit.ActionOverrideWindow), 0)

	require.NoError(t, f.ctrl.Rollback(context.Background(), c.ID, "root", "packet loss spike"))
	got, _ := f.changes.Get(c.ID)
	require.Equal(t, change.StatusRolledBack, got.Status)

	// Terminal records accept no further transitions.
	err = f.ctrl.Complete(context.Background(), c.ID, "root")
	require.Error(t, err)
}

func TestRollbackOnlyFromExecuting(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	err := f.ctrl.Rollback(context.Background(), c.ID, "alice", "nope")
	var tf *change.TransitionForbidden
	require.True(t, errors.As(err, &tf))
}

func TestEditSupersedesAnalysis(t *testing.T) {
	f := newFixture(t)
	c := draftDecommission(t, f)
	_, err := f.ctrl.Submit(context.Background(), c.ID, "alice")
	require.NoError(t, err)

	// Pending edit is still allowed and, since it swaps the target set,
	// supersedes the stored analysis.
	_, err = f.changes.Update(c.ID, func(cc *change.Change) error {
		cc.Status = change.StatusPending
		return nil
	})
	require.NoError(t, err)

	got, err := f.ctrl.EditDraft(c.ID, "alice", func(cc *change.Change) error {
		cc.TargetComponents = []string{"FW-DC1-02"}
		return nil
	})
	require.NoError(t, err)
	require.Nil(t, got.ImpactSnapshot)
	require.Nil(t, got.RiskScore)
	require.Greater(t, f.journal.CountAction(audit.ActionAnalysisSuperseded), 0)
}

func TestPriorIncidentRaisesRisk(t *testing.T) {
	f := newFixture(t)
	f.ctrl.ReportIncident("", "noc", "FW-DC2-01", "flapping uplink")

	start, end := f.now.Add(-time.Hour), f.now.Add(2*time.Hour)
	mk := func() string {
		c, err := f.ctrl.Create(&change.Change{
			Title:                  "fw reboot",
			ChangeType:             change.TypeFirewall,
			Action:                 change.ActionRebootDevice,
			Environment:            "Preprod",
			RollbackPlan:           "power cycle back",
			MaintenanceWindowStart: &start,
			MaintenanceWindowEnd:   &end,
			TargetComponents:       []string{"FW-DC2-01"},
		}, "bob")
		require.NoError(t, err)
		return c.ID
	}

	withIncident, err := f.ctrl.ComputeRisk(context.Background(), mk(), "bob")
	require.NoError(t, err)
	found := false
	for _, fac := range withIncident.Factors {
		if fac.Name == "prior_incident_90d" {
			found = true
		}
	}
	require.True(t, found)
}
