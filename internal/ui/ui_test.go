package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/require"

	"github.com/deplyx/deplyx/pkg/audit"
	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/metrics"
)

func boardFixture(t *testing.T) Model {
	t.Helper()
	changes := change.NewStore(nil)
	journal := audit.NewJournal(nil)
	for _, title := range []string{"rotate core uplink", "retire lab firewall"} {
		_, err := changes.Create(&change.Change{
			Title: title, ChangeType: change.TypeFirewall, Action: change.ActionAddRule,
			Environment: "Prod", TargetComponents: []string{"FW-DC1-01"},
		})
		require.NoError(t, err)
	}
	return NewModel(changes, nil, metrics.NewCalculator(changes, journal))
}

func TestListViewRendersChanges(t *testing.T) {
	m := boardFixture(t)
	out := m.View()
	require.Contains(t, out, "rotate core uplink")
	require.Contains(t, out, "retire lab firewall")
	require.Contains(t, out, "changes 2")
}

func TestNavigationAndDetail(t *testing.T) {
	m := boardFixture(t)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(Model)
	require.Equal(t, 1, m.cursor)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.Equal(t, viewDetail, m.state)
	require.Contains(t, m.View(), "targets     FW-DC1-01")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(Model)
	require.Equal(t, viewList, m.state)
}

func TestQuit(t *testing.T) {
	m := boardFixture(t)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m = next.(Model)
	require.True(t, m.quitting)
	require.NotNil(t, cmd)
	require.Empty(t, m.View())
}
