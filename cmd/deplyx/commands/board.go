package commands

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/deplyx/deplyx/internal/app"
	"github.com/deplyx/deplyx/internal/ui"
	"github.com/deplyx/deplyx/pkg/metrics"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Open the interactive change board",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		a, err := app.Bootstrap(settings, nil, true)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go a.Sync.Run(ctx)
		a.Sync.SyncNow()

		model := ui.NewModel(a.Changes, a.Sync, metrics.NewCalculator(a.Changes, a.Journal))
		if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
			return fmt.Errorf("board: %w", err)
		}
		return nil
	},
}
