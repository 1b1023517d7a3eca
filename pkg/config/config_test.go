package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/impact"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 24, s.ApprovalTimeoutHours)
	require.Equal(t, 8, s.SyncRetryMax)
	require.Equal(t, 30, s.SyncRetryBaseSeconds)
	require.Equal(t, 900, s.SyncRetryCapSeconds)
	require.Equal(t, 2, s.CoreDeviceK)
	require.Equal(t, 0, s.RiskClipMin)
	require.Equal(t, 100, s.RiskClipMax)

	wf := s.Workflow()
	require.Equal(t, 24*time.Hour, wf.ApprovalTimeout)
	require.Equal(t, 5*time.Minute, wf.MaintenanceGrace)

	sy := s.Sync()
	require.Equal(t, 30*time.Second, sy.RetryBase)
	require.Equal(t, 15*time.Minute, sy.RetryCap)
	require.EqualValues(t, 8, sy.RetryMax)
	require.Equal(t, 16, sy.MaxWorkers)

	d := s.ImpactDepths()
	require.Equal(t, 3, d[impact.StrategyDeviceBlast])
	require.Equal(t, 2, d[impact.StrategyVLANFanout])
}

func TestLoadFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deplyx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
approval_timeout_hours: 4
impact_max_depth:
  vlan_fanout: 3
connectors:
  - id: lab
    type: mock
  - id: aws-prod
    type: awsvpc
    environment: Prod
    region: eu-central-1
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", s.ListenAddr)
	require.Equal(t, 4*time.Hour, s.Workflow().ApprovalTimeout)
	require.Equal(t, 3, s.ImpactDepths()[impact.StrategyVLANFanout])
	require.Equal(t, 3, s.ImpactDepths()[impact.StrategyDeviceBlast], "unrelated depths keep defaults")

	require.Len(t, s.Connectors, 2)
	require.Equal(t, "awsvpc", s.Connectors[1].Type)
	require.Equal(t, "eu-central-1", s.Connectors[1].Region)
}

func TestValidation(t *testing.T) {
	dir := t.TempDir()
	cases := []string{
		"risk_clip_min: 80\nrisk_clip_max: 20\n",
		"approval_timeout_hours: 0\n",
		"core_device_k: -1\n",
		"impact_max_depth:\n  device_blast: 0\n",
	}
	for i, body := range cases {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := Load(path)
		require.Error(t, err, "case %d", i)
	}
}
