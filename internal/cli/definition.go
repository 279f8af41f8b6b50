package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/petrijr/approvalflow"
)

func newDefinitionCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "-> Publish and inspect workflow definitions.",
		Long:    `The definition command has subcommands to publish, activate and compare workflow definition versions.`,
	}

	cmd.AddCommand(newDefinitionApplyCmd(o))
	cmd.AddCommand(newDefinitionActivateCmd(o))
	cmd.AddCommand(newDefinitionShowCmd(o))
	cmd.AddCommand(newDefinitionHistoryCmd(o))
	cmd.AddCommand(newDefinitionCompareCmd(o))

	return cmd
}

func newDefinitionApplyCmd(o *rootOptions) *cobra.Command {
	var (
		actor    string
		activate bool
	)

	cmd := &cobra.Command{
		Use:   "apply <file>",
		Short: "Create a workflow from a YAML file, or publish the file as its next version.",
		Long: `
Creates the workflow when its id is unknown (activating it unless --activate=false).
When the workflow exists the file becomes the next version: the current version is
archived and running instances stay on the version they started with.
`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := approvalflow.ParseDefinitionYAML(data)
			if err != nil {
				return err
			}
			if def.ID == "" {
				return fmt.Errorf("%s: definition id is required", args[0])
			}

			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				return applyDefinition(ctx, o, e, def, actor, activate)
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "cli", "User recorded as the author of the version")
	cmd.Flags().BoolVar(&activate, "activate", true, "Activate a newly created workflow")

	return cmd
}

func applyDefinition(ctx context.Context, o *rootOptions, e *env, def approvalflow.WorkflowDefinition, actor string, activate bool) error {
	_, err := e.engine.GetWorkflow(ctx, def.ID)
	if err != nil && !approvalflow.IsNotFound(err) {
		return err
	}

	if err == nil {
		info, err := e.engine.CreateNewVersion(ctx, def.ID, def, actor)
		if err != nil {
			return err
		}
		fmt.Fprintf(o.out, "workflow %s updated: version %d -> %d (%d running instances stay on version %d)\n",
			info.WorkflowID, info.PreviousVersion, info.NewVersion, info.PreservedInstances, info.PreviousVersion)
		return nil
	}

	created, err := e.engine.CreateWorkflow(ctx, def, actor)
	if err != nil {
		return err
	}
	if activate {
		if created, err = e.engine.ActivateWorkflow(ctx, created.ID, actor); err != nil {
			return err
		}
	}
	fmt.Fprintf(o.out, "workflow %s created: version %d (%s)\n", created.ID, created.Version, created.Status)
	return nil
}

func newDefinitionActivateCmd(o *rootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:          "activate <workflow-id>",
		Short:        "Activate the latest version of a workflow.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				def, err := e.engine.ActivateWorkflow(ctx, args[0], actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(o.out, "workflow %s version %d is %s\n", def.ID, def.Version, def.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "User recorded in the activation")

	return cmd
}

func newDefinitionShowCmd(o *rootOptions) *cobra.Command {
	var version int

	cmd := &cobra.Command{
		Use:          "show <workflow-id>",
		Short:        "Print a workflow definition as YAML.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				var (
					def approvalflow.WorkflowDefinition
					err error
				)
				if version > 0 {
					def, err = e.engine.GetWorkflowVersion(ctx, args[0], version)
				} else {
					def, err = e.engine.GetWorkflow(ctx, args[0])
				}
				if err != nil {
					return err
				}
				return printYAML(o.out, def)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Version to show (default latest)")

	return cmd
}

func newDefinitionHistoryCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "history <workflow-id>",
		Short:        "List every version of a workflow.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				versions, err := e.engine.GetVersionHistory(ctx, args[0])
				if err != nil {
					return err
				}
				table := newTable("VERSION", "STATUS", "STEPS", "CREATED BY", "CREATED AT")
				for _, v := range versions {
					table.AddRow(v.Version, v.Status, v.StepCount, dash(v.CreatedBy), formatTime(&v.CreatedAt))
				}
				return printTable(o.out, table)
			})
		},
	}
}

func newDefinitionCompareCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "compare <workflow-id> <from-version> <to-version>",
		Short:        "Show what changed between two versions of a workflow.",
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err1 := strconv.Atoi(args[1])
			to, err2 := strconv.Atoi(args[2])
			if err := errors.Join(err1, err2); err != nil {
				return fmt.Errorf("versions must be integers: %w", err)
			}
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				diff, err := e.engine.CompareVersions(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				printDiff(o.out, diff)
				return nil
			})
		},
	}
}
