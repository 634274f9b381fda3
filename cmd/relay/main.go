package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mpataki/relay/internal/tui"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Flow orchestration engine",
		Long: "Relay runs versioned flows: ordered steps that call connectors " +
			"for files, SQL, email, HTTP, scripts and key-value stores.",
		SilenceUsage: true,
		Annotations:  map[string]string{quietLogs: "true"},
		RunE:         withEnv(runTUI),
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default ./relay.yaml or ~/.relay/relay.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newFlowCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newConnectorsCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:         "tui",
		Short:       "Open the interactive run monitor",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{quietLogs: "true"},
		RunE:        withEnv(runTUI),
	})
	return rootCmd
}

func runTUI(_ *cobra.Command, e *env, _ []string) error {
	app := tui.NewApp(e.engine, e.flows)
	p := tea.NewProgram(app, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("monitor exited: %w", err)
	}
	return nil
}
