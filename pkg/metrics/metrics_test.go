package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

type harness struct {
	changes *change.Store
	journal *audit.Journal
	calc    *Calculator
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return h.now }
	h.changes = change.NewStore(clock)
	h.journal = audit.NewJournal(clock)
	h.calc = NewCalculator(h.changes, h.journal)
	return h
}

// seed creates a change in the given final state. submitted/decided control
// the validation timeline; auto marks every approval as auto-approved.
func (h *harness) seed(t *testing.T, status change.Status, level change.RiskLevel,
	auto bool, decisionDelay time.Duration, core bool) *change.Change {
	t.Helper()
	c, err := h.changes.Create(&change.Change{
		Title:            "metrics fixture",
		ChangeType:       change.TypeFirewall,
		Action:           change.ActionAddRule,
		Environment:      "Prod",
		TargetComponents: []string{"FW-DC1-01"},
	})
	require.NoError(t, err)

	submitted := h.now
	rows, err := h.changes.CreateApprovals(c.ID, []change.Role{change.RoleApprover}, h.now.Add(24*time.Hour))
	require.NoError(t, err)

	h.now = submitted.Add(decisionDelay)
	_, err = h.changes.Decide(rows[0].ID, "u", true, auto, "")
	require.NoError(t, err)

	completed := h.now
	_, err = h.changes.Update(c.ID, func(cc *change.Change) error {
		cc.Status = status
		cc.SubmittedAt = &submitted
		lv := level
		score := 10
		cc.RiskLevel = &lv
		cc.RiskScore = &score
		cc.ImpactSnapshot = &impact.Snapshot{
			DirectlyImpacted: []impact.NodeRef{{ID: "FW-DC1-01", Kind: "Device", IsCore: core}},
		}
		if status == change.StatusCompleted || status == change.StatusRolledBack {
			cc.CompletedAt = &completed
		}
		return nil
	})
	require.NoError(t, err)
	h.now = submitted
	return c
}

func TestComputeKPIs(t *testing.T) {
	h := newHarness(t)

	// Low risk, auto-approved in 5 minutes, completed cleanly: scored right.
	h.seed(t, change.StatusCompleted, change.RiskLow, true, 5*time.Minute, false)
	// High risk, human-approved in 15 minutes, rolled back: scored right.
	h.seed(t, change.StatusRolledBack, change.RiskHigh, false, 15*time.Minute, true)
	// Critical risk, completed cleanly: scored wrong.
	h.seed(t, change.StatusCompleted, change.RiskCritical, false, 10*time.Minute, true)
	// Draft never submitted: counts only toward the total.
	_, err := h.changes.Create(&change.Change{
		Title: "draft", ChangeType: change.TypeVLAN, Action: change.ActionModifyVLAN,
	})
	require.NoError(t, err)

	r := h.calc.Compute()
	require.Equal(t, 4, r.TotalChanges)
	// Only the auto-approved completion counts, over all four changes.
	require.InDelta(t, 25.0, r.AutoApprovedPct, 0.01)
	// Completed changes validated in 5 and 10 minutes; the rollback is out.
	require.InDelta(t, 7.5, r.AvgValidationMinutes, 0.01)
	// One of three finished changes ended in rollback.
	require.InDelta(t, 100.0/3, r.IncidentsPostPct, 0.01)
	// Low+clean and high+rollback were predicted; critical+clean was not.
	require.InDelta(t, 200.0/3, r.ScoringPrecisionPct, 0.01)
	// Of the two completions, only the critical one touched a core device.
	require.InDelta(t, 50.0, r.CoreChangesPct, 0.01)
}

func TestPostChangeIncidentWindow(t *testing.T) {
	h := newHarness(t)
	c := h.seed(t, change.StatusCompleted, change.RiskHigh, false, 5*time.Minute, false)

	// Incident three days after completion lands inside the window.
	h.now = h.now.Add(5*time.Minute + 3*24*time.Hour)
	h.journal.Append(c.ID, "noc", audit.ActionIncidentReported, map[string]any{"component": "FW-DC1-01"})

	r := h.calc.Compute()
	require.InDelta(t, 100.0, r.IncidentsPostPct, 0.01)
	require.InDelta(t, 100.0, r.ScoringPrecisionPct, 0.01, "high risk plus incident is a correct call")
}

func TestExporterPublishesGauges(t *testing.T) {
	h := newHarness(t)
	h.seed(t, change.StatusCompleted, change.RiskLow, true, 5*time.Minute, false)

	reg := prometheus.NewRegistry()
	exp := NewExporter(h.calc, reg)
	r := exp.Refresh()
	require.Equal(t, 1, r.TotalChanges)

	require.InDelta(t, 1, testutil.ToFloat64(exp.total), 0.001)
	g, err := exp.kpiGauges.GetMetricWithLabelValues(KPIAutoApprovedPct)
	require.NoError(t, err)
	require.InDelta(t, 100, testutil.ToFloat64(g), 0.001)
}
