// Package ui renders the terminal change board: pending changes, their risk,
// and connector health, refreshed on a tick.
package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/deplyx/deplyx/pkg/change"
	"github.com/deplyx/deplyx/pkg/metrics"
	"github.com/deplyx/deplyx/pkg/syncsvc"
)

type viewState int

const (
	viewList viewState = iota
	viewDetail
	viewConnectors
)

// Model is the board's bubbletea model.
type Model struct {
	changes *change.Store
	coord   *syncsvc.Coordinator
	calc    *metrics.Calculator

	spinner spinner.Model
	state   viewState
	cursor  int
	width   int
	height  int

	rows   []*change.Change
	states []syncsvc.State
	report metrics.Report

	statusMsg  string
	statusTime time.Time
	quitting   bool
}

type tickMsg time.Time

// NewModel builds the board over live stores.
func NewModel(changes *change.Store, coord *syncsvc.Coordinator, calc *metrics.Calculator) Model {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = okStyle
	m := Model{
		changes: changes,
		coord:   coord,
		calc:    calc,
		spinner: s,
		state:   viewList,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) refresh() {
	m.rows = m.changes.List(change.Filter{})
	if m.coord != nil {
		m.states = m.coord.States()
	}
	if m.calc != nil {
		m.report = m.calc.Compute()
	}
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.rows)-1 {
				m.cursor++
			}
		case "enter":
			if m.state == viewList && len(m.rows) > 0 {
				m.state = viewDetail
			}
		case "esc":
			m.state = viewList
		case "c":
			m.state = viewConnectors
		case "s":
			if m.coord != nil {
				m.coord.SyncNow()
				m.statusMsg = "sync requested"
				m.statusTime = time.Now()
			}
		}
	}
	return m, nil
}
