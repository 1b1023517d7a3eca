package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func baseChange() *change.Change {
	return &change.Change{
		ChangeType:  change.TypeFirewall,
		Action:      change.ActionDecommission,
		Environment: "Prod",
	}
}

func TestCriticalDecommissionCapsAtHundred(t *testing.T) {
	c := baseChange() // Prod, no rollback plan, no maintenance window
	snap := &impact.Snapshot{
		DirectlyImpacted: []impact.NodeRef{{ID: "FW-DC1-01", Kind: "Device", Criticality: "critical", IsCore: true}},
		AffectedApplications: []impact.NodeRef{
			{ID: "APP-WEB", Kind: "Application", Criticality: "critical"},
			{ID: "APP-DB", Kind: "Application", Criticality: "critical"},
			{ID: "APP-DNS", Kind: "Application", Criticality: "critical"},
		},
		TotalDependencyCount: 17,
		MaxCriticality:       "critical",
	}

	res := Evaluate(Input{Change: c, Impact: snap, Now: now}, DefaultConfig())
	require.Equal(t, 100, res.Score)
	require.Equal(t, change.RiskCritical, res.Level)

	raw := 0
	for _, f := range res.Factors {
		raw += f.Delta
	}
	require.Greater(t, raw, 100, "pre-clip sum should exceed the cap")
}

func TestAdditiveLowRuleScoresLow(t *testing.T) {
	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	c := &change.Change{
		ChangeType:             change.TypeFirewall,
		Action:                 change.ActionAddRule,
		Environment:            "Preprod",
		RollbackPlan:           "revert rule",
		MaintenanceWindowStart: &start,
		MaintenanceWindowEnd:   &end,
	}
	snap := &impact.Snapshot{
		IndirectlyImpacted: []impact.NodeRef{{ID: "APP-MON", Kind: "Application", Criticality: "low"}},
		AffectedApplications: []impact.NodeRef{
			{ID: "APP-MON", Kind: "Application", Criticality: "low"},
		},
		MaxCriticality:       "low",
		TotalDependencyCount: 1,
	}

	res := Evaluate(Input{Change: c, Impact: snap, Now: now}, DefaultConfig())
	require.LessOrEqual(t, res.Score, 30)
	require.Equal(t, change.RiskLow, res.Level)
	require.GreaterOrEqual(t, res.Score, 0, "clipping keeps the floor at zero")
}

func TestFactorTable(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*change.Change, *impact.Snapshot, *Input)
		factor string
		delta  int
	}{
		{"prod", func(c *change.Change, s *impact.Snapshot, in *Input) {}, "prod_environment", 30},
		{"core", func(c *change.Change, s *impact.Snapshot, in *Input) {
			s.DirectlyImpacted = []impact.NodeRef{{ID: "D", IsCore: true}}
		}, "core_device_touched", 40},
		{"fanout", func(c *change.Change, s *impact.Snapshot, in *Input) {
			s.TotalDependencyCount = 11
		}, "dependency_fanout", 20},
		{"incident", func(c *change.Change, s *impact.Snapshot, in *Input) {
			in.PriorIncidents = 2
		}, "prior_incident_90d", 15},
		{"anyany", func(c *change.Change, s *impact.Snapshot, in *Input) {
			s.AnyAnyRuleInvolved = true
		}, "any_any_rule", 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := baseChange()
			snap := &impact.Snapshot{MaxCriticality: "low"}
			in := Input{Change: c, Impact: snap, Now: now}
			tc.mutate(c, snap, &in)
			res := Evaluate(in, DefaultConfig())
			found := false
			for _, f := range res.Factors {
				if f.Name == tc.factor {
					found = true
					require.Equal(t, tc.delta, f.Delta)
				}
			}
			require.True(t, found, "factor %s not applied", tc.factor)
		})
	}
}

func TestCriticalAppWeightIsCapped(t *testing.T) {
	c := baseChange()
	snap := &impact.Snapshot{MaxCriticality: "critical"}
	for _, id := range []string{"A1", "A2", "A3", "A4", "A5"} {
		snap.AffectedApplications = append(snap.AffectedApplications,
			impact.NodeRef{ID: id, Kind: "Application", Criticality: "critical"})
	}
	res := Evaluate(Input{Change: c, Impact: snap, Now: now}, DefaultConfig())
	for _, f := range res.Factors {
		if f.Name == "critical_applications" {
			require.Equal(t, 40, f.Delta)
			return
		}
	}
	t.Fatal("critical_applications factor missing")
}

func TestRedundancyDiscountNeedsEveryService(t *testing.T) {
	c := baseChange()
	snap := &impact.Snapshot{
		AffectedServices: []impact.NodeRef{
			{ID: "S1", Kind: "Service", Criticality: "critical", RedundancyAvailable: true},
			{ID: "S2", Kind: "Service", Criticality: "critical", RedundancyAvailable: false},
		},
		MaxCriticality: "critical",
	}
	res := Evaluate(Input{Change: c, Impact: snap, Now: now}, DefaultConfig())
	for _, f := range res.Factors {
		require.NotEqual(t, "redundant_critical_services", f.Name,
			"discount applied with a non-redundant critical service present")
	}

	snap.AffectedServices[1].RedundancyAvailable = true
	res = Evaluate(Input{Change: c, Impact: snap, Now: now}, DefaultConfig())
	found := false
	for _, f := range res.Factors {
		if f.Name == "redundant_critical_services" {
			require.Equal(t, -10, f.Delta)
			found = true
		}
	}
	require.True(t, found)
}

func TestDeterminism(t *testing.T) {
	c := baseChange()
	snap := &impact.Snapshot{
		DirectlyImpacted:     []impact.NodeRef{{ID: "D", IsCore: true}},
		TotalDependencyCount: 12,
		MaxCriticality:       "high",
	}
	in := Input{Change: c, Impact: snap, PriorIncidents: 1, Now: now}
	first := Evaluate(in, DefaultConfig())
	for i := 0; i < 50; i++ {
		require.Equal(t, first, Evaluate(in, DefaultConfig()))
	}
	require.Equal(t, now, first.Clock)
}

func TestMaintenanceWindowEdge(t *testing.T) {
	start, end := now.Add(-time.Hour), now.Add(time.Hour)
	c := baseChange()
	c.RollbackPlan = "yes"
	c.MaintenanceWindowStart = &start
	c.MaintenanceWindowEnd = &end
	snap := &impact.Snapshot{MaxCriticality: "low"}

	inWindow := Evaluate(Input{Change: c, Impact: snap, Now: now}, DefaultConfig())
	outOfWindow := Evaluate(Input{Change: c, Impact: snap, Now: end.Add(time.Second)}, DefaultConfig())
	require.Equal(t, inWindow.Score+30, outOfWindow.Score)
}
