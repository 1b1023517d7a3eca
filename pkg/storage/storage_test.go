package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/audit"
)

func TestLocalRoundTrip(t *testing.T) {
	l := NewLocal(t.TempDir())
	ctx := context.Background()

	require.NoError(t, l.Put(ctx, "audit/2026/03/02/journal-090000.jsonl", []byte("a\n")))
	require.NoError(t, l.Put(ctx, "audit/2026/03/02/journal-100000.jsonl", []byte("b\n")))
	require.NoError(t, l.Put(ctx, "reports/summary.json", []byte("{}")))

	got, err := l.Get(ctx, "audit/2026/03/02/journal-090000.jsonl")
	require.NoError(t, err)
	require.Equal(t, []byte("a\n"), got)

	keys, err := l.List(ctx, "audit/")
	require.NoError(t, err)
	require.Equal(t, []string{
		"audit/2026/03/02/journal-090000.jsonl",
		"audit/2026/03/02/journal-100000.jsonl",
	}, keys)

	keys, err = l.List(ctx, "nonexistent/")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestExporterWritesTimestampedSnapshots(t *testing.T) {
	t0 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	journal := audit.NewJournal(func() time.Time { return t0 })
	journal.Append("c1", "alice", audit.ActionCreated, nil)
	journal.Append("c1", "alice", audit.ActionSubmitted, nil)

	l := NewLocal(t.TempDir())
	exp := NewExporter(l, journal, func() time.Time { return t0 })

	key, err := exp.Export(context.Background())
	require.NoError(t, err)
	require.Equal(t, "audit/2026/03/02/journal-090000.jsonl", key)

	data, err := l.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(string(data), "\n"))

	keys, err := exp.Exports(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}
