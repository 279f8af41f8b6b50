package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/petrijr/approvalflow"
)

func newInstanceCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "instance",
		Aliases: []string{"inst"},
		Short:   "-> Start, steer and inspect workflow instances.",
		Long:    `The instance command has subcommands to start instances, vote on them and inspect their state and history.`,
	}

	cmd.AddCommand(newInstanceStartCmd(o))
	cmd.AddCommand(newInstanceVoteCmd(o, approvalflow.Approve))
	cmd.AddCommand(newInstanceVoteCmd(o, approvalflow.Reject))
	cmd.AddCommand(newInstanceStatusCmd(o))
	cmd.AddCommand(newInstanceListCmd(o))
	cmd.AddCommand(newInstanceHistoryCmd(o))
	cmd.AddCommand(newInstanceDelegateCmd(o))
	cmd.AddCommand(newInstanceMigrateCmd(o))

	cmd.AddCommand(newInstanceActionCmd(o, "advance", "Re-evaluate the current step and apply its outcome.",
		func(ctx context.Context, e approvalflow.Engine, id, _ string) (*approvalflow.WorkflowInstance, error) {
			return e.AdvanceWorkflow(ctx, id)
		}, false))
	cmd.AddCommand(newInstanceActionCmd(o, "expire", "Expire overdue approvals of the instance.",
		func(ctx context.Context, e approvalflow.Engine, id, _ string) (*approvalflow.WorkflowInstance, error) {
			return e.MarkExpired(ctx, id)
		}, false))
	cmd.AddCommand(newInstanceActionCmd(o, "cancel", "Cancel a running instance.",
		func(ctx context.Context, e approvalflow.Engine, id, reason string) (*approvalflow.WorkflowInstance, error) {
			return e.CancelInstance(ctx, id, reason)
		}, true))
	cmd.AddCommand(newInstanceActionCmd(o, "suspend", "Suspend an in-progress instance.",
		func(ctx context.Context, e approvalflow.Engine, id, reason string) (*approvalflow.WorkflowInstance, error) {
			return e.SuspendInstance(ctx, id, reason)
		}, true))
	cmd.AddCommand(newInstanceActionCmd(o, "resume", "Resume a suspended instance.",
		func(ctx context.Context, e approvalflow.Engine, id, _ string) (*approvalflow.WorkflowInstance, error) {
			return e.ResumeInstance(ctx, id)
		}, false))

	return cmd
}

func newInstanceStartCmd(o *rootOptions) *cobra.Command {
	var (
		entityType string
		entityID   string
		by         string
		vars       map[string]string
	)

	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start an instance of the active version of a workflow.",
		Example: `
	approvalflow instance start budget-approval --entity-type budget --entity-id B-17 --by alice --set amount=12000
`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				values := make(map[string]any, len(vars))
				for k, v := range vars {
					values[k] = v
				}
				inst, err := approvalflow.Start(ctx, e.engine, args[0], entityType, entityID, by, values)
				if err != nil {
					return err
				}
				fmt.Fprintln(o.out, inst.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", "", "Type of the entity being approved")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "Id of the entity being approved")
	cmd.Flags().StringVar(&by, "by", "", "User starting the instance")
	cmd.Flags().StringToStringVar(&vars, "set", nil, "Context values (key=value) used by auto-approve conditions")
	_ = cmd.MarkFlagRequired("entity-type")
	_ = cmd.MarkFlagRequired("entity-id")

	return cmd
}

func newInstanceVoteCmd(o *rootOptions, decision approvalflow.Decision) *cobra.Command {
	var (
		approver string
		comments string
	)

	use, short := "approve", "Approve the current step of an instance."
	if decision == approvalflow.Reject {
		use, short = "reject", "Reject the current step of an instance."
	}

	cmd := &cobra.Command{
		Use:          use + " <instance-id>",
		Short:        short,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				inst, err := e.engine.SubmitApproval(ctx, args[0], approver, decision, comments)
				if err != nil {
					return err
				}
				return printInstances(o.out, []*approvalflow.WorkflowInstance{inst})
			})
		},
	}
	cmd.Flags().StringVar(&approver, "as", "", "Approver casting the vote")
	cmd.Flags().StringVar(&comments, "comment", "", "Comment stored with the vote")
	_ = cmd.MarkFlagRequired("as")

	return cmd
}

type instanceAction func(ctx context.Context, e approvalflow.Engine, instanceID, reason string) (*approvalflow.WorkflowInstance, error)

func newInstanceActionCmd(o *rootOptions, use, short string, action instanceAction, withReason bool) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:          use + " <instance-id>",
		Short:        short,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				inst, err := action(ctx, e.engine, args[0], reason)
				if err != nil {
					return err
				}
				return printInstances(o.out, []*approvalflow.WorkflowInstance{inst})
			})
		},
	}
	if withReason {
		cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded on the instance")
	}

	return cmd
}

func newInstanceStatusCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "status <instance-id>",
		Short:        "Show an instance and the approvals of its current step.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				status, err := e.engine.GetInstanceStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printStatus(o.out, status)
			})
		},
	}
}

func newInstanceListCmd(o *rootOptions) *cobra.Command {
	var opts approvalflow.InstanceListOptions
	var status string

	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List instances.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Status = approvalflow.Status(status)
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				instances, err := e.engine.ListInstances(ctx, opts)
				if err != nil {
					return err
				}
				return printInstances(o.out, instances)
			})
		},
	}
	cmd.Flags().StringVar(&opts.WorkflowID, "workflow", "", "Only instances of this workflow")
	cmd.Flags().StringVar(&status, "status", "", "Only instances in this status")
	cmd.Flags().StringVar(&opts.EntityType, "entity-type", "", "Only instances for this entity type")
	cmd.Flags().StringVar(&opts.EntityID, "entity-id", "", "Only instances for this entity id")

	return cmd
}

func newInstanceHistoryCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "history <instance-id>",
		Short:        "Show the event history of an instance.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				events, err := e.engine.GetInstanceHistory(ctx, args[0])
				if err != nil {
					return err
				}
				return printHistory(o.out, events)
			})
		},
	}
}

func newInstanceDelegateCmd(o *rootOptions) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:          "delegate <instance-id>",
		Short:        "Hand a pending vote to another user.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				inst, err := e.engine.DelegateApproval(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				return printInstances(o.out, []*approvalflow.WorkflowInstance{inst})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Approver giving the vote away")
	cmd.Flags().StringVar(&to, "to", "", "User receiving the vote")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func newInstanceMigrateCmd(o *rootOptions) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:          "migrate <instance-id> <version>",
		Short:        "Move a running instance to another version of its workflow.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("version must be an integer: %w", err)
			}
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				inst, err := e.engine.MigrateInstanceToVersion(ctx, args[0], version, actor)
				if err != nil {
					return err
				}
				return printInstances(o.out, []*approvalflow.WorkflowInstance{inst})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "cli", "User recorded in the migration history")

	return cmd
}

func newPendingCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "pending <user-id>",
		Short:        "List the open votes of a user.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withEnv(cmd, func(ctx context.Context, e *env) error {
				approvals, err := e.engine.ListPendingApprovals(ctx, args[0])
				if err != nil {
					return err
				}
				table := newTable("INSTANCE", "STEP", "ROUND", "OPENED", "EXPIRES")
				for _, a := range approvals {
					table.AddRow(a.InstanceID, a.StepNumber, a.Round, formatTime(&a.OpenedAt), formatTime(a.ExpiresAt))
				}
				return printTable(o.out, table)
			})
		},
	}
}
