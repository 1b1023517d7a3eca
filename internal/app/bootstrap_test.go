package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/config"
	"github.com/deplyx/deplyx/pkg/connectors"
	"github.com/deplyx/deplyx/pkg/syncsvc"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	settings, err := config.Load("")
	require.NoError(t, err)
	return settings
}

func TestBootstrapSeedsAndWires(t *testing.T) {
	settings := testSettings(t)
	settings.Connectors = []connectors.Config{
		{ID: "demo", Type: "mock"},
	}

	a, err := Bootstrap(settings, nil, true)
	require.NoError(t, err)

	snap := a.Topology.Snapshot()
	require.Greater(t, snap.Len(), 0)
	require.NotNil(t, snap.Node("FW-DC1-01"))
	require.True(t, snap.Node("FW-DC1-01").IsCore())

	states := a.Sync.States()
	require.Len(t, states, 1)
	require.Equal(t, "demo", states[0].ID)
	require.Equal(t, syncsvc.StatusPending, states[0].Status)

	report := a.Metrics.Refresh()
	require.Zero(t, report.TotalChanges)
}

func TestBootstrapRejectsUnknownConnector(t *testing.T) {
	settings := testSettings(t)
	settings.Connectors = []connectors.Config{
		{ID: "x", Type: "netbox"},
	}
	_, err := Bootstrap(settings, nil, false)
	require.Error(t, err)
}

func TestBootstrapExecutesThroughDispatcher(t *testing.T) {
	settings := testSettings(t)
	settings.Connectors = []connectors.Config{
		{ID: "demo", Type: "mock"},
	}
	a, err := Bootstrap(settings, nil, true)
	require.NoError(t, err)
	ctx := context.Background()

	window := time.Now().UTC().Add(-time.Minute)
	windowEnd := window.Add(time.Hour)
	c, err := a.Workflow.Create(&change.Change{
		Title:                  "swap access switch uplink",
		ChangeType:             change.TypeSwitch,
		Action:                 change.ActionDisablePort,
		Environment:            "Preprod",
		TargetComponents:       []string{"SW-DC2-CORE"},
		RollbackPlan:           "re-enable port",
		MaintenanceWindowStart: &window,
		MaintenanceWindowEnd:   &windowEnd,
	}, "alice")
	require.NoError(t, err)
	_, err = a.Workflow.Submit(ctx, c.ID, "alice")
	require.NoError(t, err)

	got, err := a.Changes.Get(c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RiskLevel)
}

func TestBootstrapWiresAuditExport(t *testing.T) {
	settings := testSettings(t)
	a, err := Bootstrap(settings, nil, true)
	require.NoError(t, err)
	require.Nil(t, a.AuditExport, "no destination configured")

	settings = testSettings(t)
	settings.AuditExportDir = t.TempDir()
	a, err = Bootstrap(settings, nil, true)
	require.NoError(t, err)
	require.NotNil(t, a.AuditExport)

	a.Journal.Append("", "", audit.ActionSyncCompleted, map[string]any{"connector": "demo"})
	key, err := a.AuditExport.Export(context.Background())
	require.NoError(t, err)
	require.Contains(t, key, "audit/")

	keys, err := a.AuditExport.Exports(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}

func TestRedactSensitiveData(t *testing.T) {
	a := redactSensitiveData(nil, slog.String("api_key", "sk-xyz"))
	require.Equal(t, "[REDACTED]", a.Value.String())

	a = redactSensitiveData(nil, slog.String("connector", "demo"))
	require.Equal(t, "demo", a.Value.String())
}
