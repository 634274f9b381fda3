package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newConnectorsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Inspect the connector catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List connectors and their actions",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			out := cmd.OutOrStdout()
			for _, info := range e.registry.List() {
				fmt.Fprintf(out, "%s\n", info.Name)
				for _, a := range info.Actions {
					params := make([]string, len(a.Params))
					for i, p := range a.Params {
						params[i] = p.String()
					}
					line := fmt.Sprintf("  %s(%s)", a.Name, strings.Join(params, ", "))
					if len(a.Aliases) > 0 {
						line += "  aliases: " + strings.Join(a.Aliases, ", ")
					}
					fmt.Fprintln(out, line)
				}
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "test <name>",
		Short: "Probe a connector's health",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			if err := e.registry.Test(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is healthy\n", args[0])
			return nil
		}),
	})
	return cmd
}
