// Package cli implements the approvalflow command line.
package cli

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/petrijr/approvalflow"
)

// rootOptions are shared by every subcommand.
type rootOptions struct {
	configPath string
	out        io.Writer
	errOut     io.Writer
}

// withEnv opens the configured backend, runs fn and closes the backend.
func (o *rootOptions) withEnv(cmd *cobra.Command, fn func(ctx context.Context, e *env) error, extra ...approvalflow.Option) (err error) {
	ctx := cmd.Context()
	e, err := openEnv(ctx, o.configPath, o.errOut, extra...)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, e.Close(context.Background())) }()
	return fn(ctx, e)
}

// NewApprovalflowCmd creates the root command. Command output goes to out,
// logs and traces to errOut.
func NewApprovalflowCmd(out, errOut io.Writer) *cobra.Command {
	o := &rootOptions{out: out, errOut: errOut}

	cmd := &cobra.Command{
		Use:   "approvalflow",
		Short: "Manage approval workflows, their versions and running instances.",
		Long: `
approvalflow talks to the store configured in approvalflow.yaml (or the
APPROVALFLOW_* environment) and lets operators publish workflow definitions,
inspect and steer instances, and run the notification worker.
`,
		Example: `
	# Publish a definition, creating a new version when it already exists
	approvalflow definition apply budget.yaml

	# Start an instance and vote on it
	approvalflow instance start budget-approval --entity-type budget --entity-id B-17 --by alice
	approvalflow instance approve <instance-id> --as bob

	# Expire overdue approvals once
	approvalflow sweep

	# Deliver notifications and expire approvals continuously
	approvalflow worker --metrics-addr :9090
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.PersistentFlags().StringVar(&o.configPath, "config", "", "Path to the config file (default ./approvalflow.yaml)")

	cmd.AddCommand(newDefinitionCmd(o))
	cmd.AddCommand(newInstanceCmd(o))
	cmd.AddCommand(newPendingCmd(o))
	cmd.AddCommand(newSweepCmd(o))
	cmd.AddCommand(newWorkerCmd(o))

	return cmd
}
