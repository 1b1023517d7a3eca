package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func frozen(t0 time.Time) func() time.Time {
	return func() time.Time { return t0 }
}

func TestAppendOrdersEntriesPerChange(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	j := NewJournal(frozen(t0))

	j.Append("c1", "alice", ActionCreated, nil)
	j.Append("c2", "bob", ActionCreated, nil)
	j.Append("c1", "alice", ActionSubmitted, map[string]any{"risk_score": 72})
	j.Append("c1", "carol", ActionApproved, nil)

	entries := j.ForChange("c1")
	require.Len(t, entries, 3)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].ID, entries[i-1].ID)
		// The clock is frozen, so ordering must come from the collision bump.
		require.True(t, entries[i].Timestamp.After(entries[i-1].Timestamp),
			"timestamps within one change must strictly increase")
	}
	require.Len(t, j.All(), 4)
	require.Equal(t, 2, j.CountAction(ActionCreated))
}

func TestDetailsAreCopiedAtCommit(t *testing.T) {
	j := NewJournal(nil)
	details := map[string]any{"component": "FW-DC1-01"}
	e := j.Append("c1", "noc", ActionIncidentReported, details)
	details["component"] = "mutated-after-commit"
	require.Equal(t, "FW-DC1-01", j.All()[0].Details["component"])
	require.Equal(t, "FW-DC1-01", e.Details["component"])
}

func TestIncidentQueries(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cur := now
	j := NewJournal(func() time.Time { return cur })

	j.Append("c1", "noc", ActionIncidentReported, map[string]any{"component": "FW-DC1-01"})
	cur = now.Add(30 * 24 * time.Hour)
	j.Append("c2", "noc", ActionIncidentReported, map[string]any{"component": "SW-DC1-CORE"})
	cur = now.Add(100 * 24 * time.Hour)

	// A 90 day lookback from day 100 keeps only the day 30 incident.
	cutoff := cur.Add(-90 * 24 * time.Hour)
	require.Equal(t, 1, j.IncidentsSince(cutoff, "FW-DC1-01", "SW-DC1-CORE"))
	require.Equal(t, 0, j.IncidentsSince(cutoff, "FW-DC1-01"))
	require.Equal(t, 2, j.IncidentsSince(now.Add(-time.Hour), "FW-DC1-01", "SW-DC1-CORE"))

	// Post-completion incident window.
	completed := now.Add(29 * 24 * time.Hour)
	require.True(t, j.IncidentWithin("c2", completed, 7*24*time.Hour))
	require.False(t, j.IncidentWithin("c2", completed, 12*time.Hour))
	require.False(t, j.IncidentWithin("c1", completed, 7*24*time.Hour),
		"incidents before completion do not count")
}

func TestMarshalLines(t *testing.T) {
	j := NewJournal(frozen(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)))
	j.Append("c1", "alice", ActionCreated, nil)
	j.Append("c1", "alice", ActionSubmitted, map[string]any{"risk_level": "high"})

	raw, err := j.MarshalLines()
	require.NoError(t, err)

	sc := bufio.NewScanner(bytes.NewReader(raw))
	var lines int
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		require.Equal(t, "c1", e.ChangeID)
		lines++
	}
	require.NoError(t, sc.Err())
	require.Equal(t, 2, lines)
}
