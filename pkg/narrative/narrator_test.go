package narrative

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/impact"
)

func TestStaticFillsReasoning(t *testing.T) {
	c := &change.Change{
		Action:           change.ActionDecommission,
		TargetComponents: []string{"FW-DC1-01"},
	}
	snap := &impact.Snapshot{
		CriticalPaths: []impact.CriticalPath{
			{Criticality: "critical", Hops: 2, Nodes: []string{"FW-DC1-01", "SVC-SQL", "APP-DB"},
				Edges: []string{"DEPENDS_ON", "DEPENDS_ON"}},
			{Criticality: "high", Hops: 1, Nodes: []string{"FW-DC1-01", "APP-CRM"},
				Edges: []string{"PROTECTS"}},
		},
	}

	require.NoError(t, Static{}.Annotate(context.Background(), c, snap))
	require.Contains(t, snap.CriticalPaths[0].Reasoning, "APP-DB")
	require.Contains(t, snap.CriticalPaths[0].Reasoning, "critical")
	require.Contains(t, snap.CriticalPaths[1].Reasoning, "APP-CRM")
}

func TestBuildPromptListsPathsInOrder(t *testing.T) {
	c := &change.Change{
		Title: "decommission edge firewall", ChangeType: change.TypeFirewall,
		Action: change.ActionDecommission, Environment: "Prod",
		TargetComponents: []string{"FW-DC1-01"},
	}
	snap := &impact.Snapshot{
		CriticalPaths: []impact.CriticalPath{
			{Criticality: "critical", Hops: 1, Nodes: []string{"FW-DC1-01", "APP-DB"}, Edges: []string{"PROTECTS"}},
		},
	}
	p := buildPrompt(c, snap)
	require.Contains(t, p, "decommission edge firewall")
	require.Contains(t, p, "1. [critical, 1 hops] FW-DC1-01 -> APP-DB via PROTECTS")
}
