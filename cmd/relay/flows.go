package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mpataki/relay/internal/errs"
	"github.com/mpataki/relay/internal/models"
	"github.com/mpataki/relay/internal/spec"
)

func newFlowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Create, publish and inspect flows",
	}
	cmd.AddCommand(
		newFlowCreateCommand(),
		newFlowLoadCommand(),
		newFlowPublishCommand(),
		newFlowListCommand(),
		newFlowShowCommand(),
		newFlowVersionsCommand(),
		newFlowRetireCommand(),
		newFlowInsertStepCommand(),
		newFlowUpdateStepCommand(),
		newFlowDeleteStepCommand(),
	)
	return cmd
}

func newFlowCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <file>",
		Short: "Create a flow from a YAML or JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			doc, err := spec.ParseFile(args[0])
			if err != nil {
				return err
			}
			flow, v, err := e.flows.CreateFromDocument(cmd.Context(), doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created flow %s (%s) version %d with %d steps\n",
				flow.Name, flow.ID, v.Version, len(v.Steps))
			return nil
		}),
	}
}

func newFlowLoadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "load <dir>...",
		Short: "Create flows for every document in the given directories",
		Long: "Reads .yaml, .yml and .json flow documents. Flows that already " +
			"exist by name are left untouched.",
		Args: cobra.MinimumNArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			created, err := loadFlows(cmd.Context(), e, args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %d flows\n", len(created))
			return nil
		}),
	}
}

// loadFlows creates a flow for each document whose name is not taken yet
// and returns the names it created
func loadFlows(ctx context.Context, e *env, dirs []string) ([]string, error) {
	docs, err := spec.LoadAll(dirs)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)

	var created []string
	for _, name := range names {
		_, err := e.flows.GetFlowByName(ctx, name)
		if err == nil {
			continue
		}
		if errs.KindOf(err) != errs.KindNotFound {
			return created, err
		}
		if _, _, err := e.flows.CreateFromDocument(ctx, docs[name]); err != nil {
			return created, fmt.Errorf("flow %s: %w", name, err)
		}
		created = append(created, name)
	}
	return created, nil
}

func newFlowPublishCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <flow> <file>",
		Short: "Publish a document or step list as the flow's next version",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			doc, err := spec.ParseSteps(data)
			if err != nil {
				return err
			}
			if author, _ := cmd.Flags().GetString("author"); author != "" {
				doc.Author = author
			}
			v, err := e.flows.PublishDocument(ctx, flow.ID, doc)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Published %s version %d\n", flow.Name, v.Version)
			return nil
		}),
	}
	cmd.Flags().String("author", "", "author recorded on the version")
	return cmd
}

func newFlowListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			all, _ := cmd.Flags().GetBool("all")
			list, err := e.flows.ListFlows(cmd.Context(), all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "No flows found.")
				return nil
			}
			for _, f := range list {
				retired := ""
				if f.Retired {
					retired = " [retired]"
				}
				fmt.Fprintf(out, "%-24s v%-3d %s%s\n",
					f.Name, f.LatestVersion, f.ID, retired)
			}
			return nil
		}),
	}
	cmd.Flags().BoolP("all", "a", false, "include retired flows")
	return cmd
}

func newFlowShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <flow>",
		Short: "Show a flow version",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			version, _ := cmd.Flags().GetInt("version")
			v, err := e.flows.GetVersion(ctx, flow.ID, version)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
				data, err := spec.Marshal(spec.Export(flow, v))
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			fmt.Fprintf(out, "Flow %s (%s)\n", flow.Name, flow.ID)
			if flow.Description != "" {
				fmt.Fprintf(out, "%s\n", flow.Description)
			}
			fmt.Fprintf(out, "Version %d of %d by %s at %s\n\n",
				v.Version, flow.LatestVersion, v.Author,
				v.CreatedAt.Format("2006-01-02 15:04:05"))
			for i, s := range v.Steps {
				fmt.Fprintf(out, "  %d. %-16s %s.%s\n", i+1, s.ID, s.Connector, s.Action)
				for _, name := range s.ParamNames() {
					fmt.Fprintf(out, "       %s = %s\n", name, s.Params[name])
				}
			}
			return nil
		}),
	}
	cmd.Flags().IntP("version", "v", models.LatestVersion, "version to show (default latest)")
	cmd.Flags().Bool("yaml", false, "render the version as a flow document")
	return cmd
}

func newFlowVersionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <flow>",
		Short: "List a flow's published versions",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			versions, err := e.flows.ListVersions(ctx, flow.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, v := range versions {
				fmt.Fprintf(out, "v%-3d %-12s %d steps  %s\n",
					v.Version, v.Author, len(v.Steps),
					v.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		}),
	}
}

func newFlowRetireCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retire <flow>",
		Short: "Retire a flow so it can no longer run or change",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			if err := e.flows.RetireFlow(ctx, flow.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retired flow %s\n", flow.Name)
			return nil
		}),
	}
}

func newFlowInsertStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insert-step <flow> <step-file>",
		Short: "Publish a new version with one more step",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			step, err := readStep(args[1])
			if err != nil {
				return err
			}

			anchor, pos := "", spec.After
			if before, _ := cmd.Flags().GetString("before"); before != "" {
				anchor, pos = before, spec.Before
			}
			if after, _ := cmd.Flags().GetString("after"); after != "" {
				anchor, pos = after, spec.After
			}

			v, err := e.flows.InsertStep(ctx, flow.ID, anchor, pos, step, author(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Inserted step %s, %s is now version %d\n",
				step.ID, flow.Name, v.Version)
			return nil
		}),
	}
	cmd.Flags().String("before", "", "insert before this step id")
	cmd.Flags().String("after", "", "insert after this step id (default: append)")
	cmd.MarkFlagsMutuallyExclusive("before", "after")
	cmd.Flags().String("author", "", "author recorded on the version")
	return cmd
}

func newFlowUpdateStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-step <flow> <step-id> <step-file>",
		Short: "Publish a new version with one step replaced",
		Args:  cobra.ExactArgs(3),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			step, err := readStep(args[2])
			if err != nil {
				return err
			}
			v, err := e.flows.UpdateStep(ctx, flow.ID, args[1], step, author(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated step %s, %s is now version %d\n",
				args[1], flow.Name, v.Version)
			return nil
		}),
	}
	cmd.Flags().String("author", "", "author recorded on the version")
	return cmd
}

func newFlowDeleteStepCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete-step <flow> <step-id>",
		Short: "Publish a new version without the given step",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			ctx := cmd.Context()
			flow, err := e.flows.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			v, err := e.flows.DeleteStep(ctx, flow.ID, args[1], author(cmd))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted step %s, %s is now version %d\n",
				args[1], flow.Name, v.Version)
			return nil
		}),
	}
	cmd.Flags().String("author", "", "author recorded on the version")
	return cmd
}

func readStep(path string) (models.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Step{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return spec.ParseStep(data)
}

func author(cmd *cobra.Command) string {
	a, _ := cmd.Flags().GetString("author")
	return a
}
