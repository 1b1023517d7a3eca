package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/syncsvc"
)

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("deplyx change board") + "\n")
	b.WriteString(m.viewHUD() + "\n\n")

	switch m.state {
	case viewDetail:
		b.WriteString(m.viewDetail())
	case viewConnectors:
		b.WriteString(m.viewConnectors())
	default:
		b.WriteString(m.viewList())
	}

	b.WriteString("\n" + subtle.Render("  up/down move   enter detail   c connectors   s sync now   q quit"))
	if m.statusMsg != "" && time.Since(m.statusTime) < 3*time.Second {
		b.WriteString("  " + warning.Render(m.statusMsg))
	}
	return b.String()
}

func (m Model) viewHUD() string {
	return hudStyle.Render(fmt.Sprintf(
		"changes %d   auto-approved %.0f%%   post-change incidents %.0f%%   precision %.0f%%",
		m.report.TotalChanges, m.report.AutoApprovedPct,
		m.report.IncidentsPostPct, m.report.ScoringPrecisionPct))
}

func (m Model) viewList() string {
	if len(m.rows) == 0 {
		return "  " + subtle.Render("no changes yet")
	}

	var b strings.Builder
	b.WriteString(subtle.Render(fmt.Sprintf("  %-10s %-28s %-10s %-10s %s",
		"RISK", "TITLE", "STATUS", "ENV", "TARGETS")) + "\n")
	b.WriteString(subtle.Render("  "+strings.Repeat("─", 72)) + "\n")

	start, end := m.window(len(m.rows))
	for i := start; i < end; i++ {
		c := m.rows[i]
		line := fmt.Sprintf("%-10s %-28s %-10s %-10s %s",
			riskBadge(c), truncate(c.Title, 28), c.Status, c.Environment,
			truncate(strings.Join(c.TargetComponents, ","), 24))
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> "+line) + "\n")
		} else {
			b.WriteString(normalStyle.Render("  "+line) + "\n")
		}
	}
	return b.String()
}

func (m Model) viewDetail() string {
	if m.cursor >= len(m.rows) {
		return ""
	}
	c := m.rows[m.cursor]

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", highlight.Render(c.Title))
	fmt.Fprintf(&b, "id          %s\n", c.ID)
	fmt.Fprintf(&b, "type        %s / %s\n", c.ChangeType, c.Action)
	fmt.Fprintf(&b, "status      %s\n", c.Status)
	fmt.Fprintf(&b, "targets     %s\n", strings.Join(c.TargetComponents, ", "))
	if c.RiskScore != nil && c.RiskLevel != nil {
		fmt.Fprintf(&b, "risk        %d %s\n", *c.RiskScore, riskBadge(c))
	}
	if snap := c.ImpactSnapshot; snap != nil {
		fmt.Fprintf(&b, "impact      %d direct, %d indirect, max %s\n",
			len(snap.DirectlyImpacted), len(snap.IndirectlyImpacted), snap.MaxCriticality)
		for _, p := range snap.CriticalPaths {
			fmt.Fprintf(&b, "  path      %s\n", strings.Join(p.Nodes, " -> "))
			if p.Reasoning != "" {
				fmt.Fprintf(&b, "            %s\n", subtle.Render(p.Reasoning))
			}
		}
	}
	return detailBoxStyle.Render(b.String())
}

func (m Model) viewConnectors() string {
	if len(m.states) == 0 {
		return "  " + subtle.Render("no connectors registered")
	}
	var b strings.Builder
	b.WriteString(subtle.Render(fmt.Sprintf("  %-16s %-12s %-10s %s",
		"CONNECTOR", "TYPE", "STATUS", "LAST SYNC")) + "\n")
	for _, st := range m.states {
		last := "never"
		if st.LastSyncAt != nil {
			last = st.LastSyncAt.Format(time.RFC3339)
		}
		line := fmt.Sprintf("  %-16s %-12s %-10s %s", st.ID, st.Type, st.Status, last)
		switch st.Status {
		case syncsvc.StatusActive:
			b.WriteString(okStyle.Render(line))
		case syncsvc.StatusError:
			b.WriteString(danger.Render(line) + " " + subtle.Render(truncate(st.LastError, 40)))
		default:
			b.WriteString(subtle.Render(line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) window(total int) (int, int) {
	size := m.height - 10
	if size < 5 {
		size = 5
	}
	start := m.cursor - size/2
	if start < 0 {
		start = 0
	}
	end := start + size
	if end > total {
		end = total
		if start = end - size; start < 0 {
			start = 0
		}
	}
	return start, end
}

func riskBadge(c *change.Change) string {
	if c.RiskLevel == nil {
		return subtle.Render("[--]")
	}
	if badge, ok := riskBadges[string(*c.RiskLevel)]; ok {
		return badge.Render()
	}
	return subtle.Render("[--]")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
