package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deplyx/deplyx/pkg/config"
	"github.com/deplyx/deplyx/pkg/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "deplyx",
	Short: "Change intelligence for network infrastructure",
	Long: `deplyx keeps a live dependency graph of your network and scores every
proposed change against it: blast radius, risk, policy guardrails, and the
approvals a change of that weight requires.`,
	Version: version.Current,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: env only)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(seedCmd)
}

func loadSettings() (*config.Settings, error) {
	return config.Load(cfgFile)
}
