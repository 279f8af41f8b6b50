package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow"
)

const budgetV1 = `
id: budget-approval
name: Budget Approval
steps:
  - approvers: [alice, bob]
    approval_type: ALL
  - approver_roles: [finance]
    approval_type: ANY
`

const budgetV2 = `
id: budget-approval
name: Budget Approval
steps:
  - approvers: [alice, bob]
    approval_type: ANY
  - approver_roles: [finance]
    approval_type: ANY
`

type testCLI struct {
	dir    string
	config string
	dbPath string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()

	dir := t.TempDir()
	c := &testCLI{
		dir:    dir,
		config: filepath.Join(dir, "approvalflow.yaml"),
		dbPath: filepath.Join(dir, "approvals.db"),
	}
	cfg := `
store:
  backend: sqlite
  dsn: ` + c.dbPath + `
log:
  level: error
roles:
  finance: [dave, erin]
`
	require.NoError(t, os.WriteFile(c.config, []byte(cfg), 0o600))
	return c
}

func (c *testCLI) file(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (c *testCLI) run(ctx context.Context, args ...string) (string, error) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewApprovalflowCmd(out, errOut)
	cmd.SetArgs(append([]string{"--config", c.config}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func (c *testCLI) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.run(context.Background(), args...)
	require.NoError(t, err, "approvalflow %s", strings.Join(args, " "))
	return out
}

func TestCLI_DefinitionAndInstanceLifecycle(t *testing.T) {
	c := newTestCLI(t)

	out := c.mustRun(t, "definition", "apply", c.file(t, "v1.yaml", budgetV1))
	require.Equal(t, "workflow budget-approval created: version 1 (active)\n", out)

	id := strings.TrimSpace(c.mustRun(t, "instance", "start", "budget-approval",
		"--entity-type", "budget", "--entity-id", "B-1", "--by", "carol", "--set", "amount=500"))
	require.NotEmpty(t, id)

	out = c.mustRun(t, "instance", "approve", id, "--as", "alice", "--comment", "fine")
	require.Contains(t, out, id)
	require.Contains(t, out, "in_progress")

	out = c.mustRun(t, "instance", "status", id)
	require.Contains(t, out, "Status:    in_progress")
	require.Contains(t, out, "Tally:     1 approved, 0 rejected, 0 expired, 1 outstanding of 2")
	require.Contains(t, out, "bob")

	out = c.mustRun(t, "pending", "bob")
	require.Contains(t, out, id)
	out = c.mustRun(t, "pending", "alice")
	require.NotContains(t, out, id)

	out = c.mustRun(t, "definition", "apply", c.file(t, "v2.yaml", budgetV2))
	require.Equal(t, "workflow budget-approval updated: version 1 -> 2 (1 running instances stay on version 1)\n", out)

	out = c.mustRun(t, "definition", "history", "budget-approval")
	require.Contains(t, out, "archived")
	require.Contains(t, out, "active")

	out = c.mustRun(t, "definition", "compare", "budget-approval", "1", "2")
	require.Contains(t, out, "budget-approval: version 1 -> 2")
	require.Contains(t, out, "~ step 0")

	out = c.mustRun(t, "definition", "show", "budget-approval", "--version", "1")
	require.Contains(t, out, "approval_type: ALL")

	c.mustRun(t, "instance", "migrate", id, "2", "--actor", "ops")
	c.mustRun(t, "instance", "advance", id)

	out = c.mustRun(t, "instance", "status", id)
	require.Contains(t, out, "Workflow:  budget-approval v2")
	require.Contains(t, out, "Step:      1")
	require.Contains(t, out, "dave")

	out = c.mustRun(t, "instance", "list", "--workflow", "budget-approval", "--status", "in_progress")
	require.Contains(t, out, id)

	out = c.mustRun(t, "instance", "cancel", id, "--reason", "duplicate")
	require.Contains(t, out, "cancelled")

	out = c.mustRun(t, "instance", "history", id)
	require.Contains(t, out, "instance.created")
	require.Contains(t, out, "instance.migrated")
	require.Contains(t, out, "instance.cancelled")

	out = c.mustRun(t, "sweep")
	require.Equal(t, "expired overdue approvals on 0 instance(s)\n", out)
}

func TestCLI_Errors(t *testing.T) {
	c := newTestCLI(t)

	_, err := c.run(context.Background(), "instance", "status", "missing")
	require.True(t, approvalflow.IsNotFound(err), "got %v", err)

	_, err = c.run(context.Background(), "definition", "apply", c.file(t, "bad.yaml", "id: x\nname: x\nsteps:\n  - approval_type: ALL\n"))
	require.True(t, approvalflow.IsValidation(err), "got %v", err)

	_, err = c.run(context.Background(), "definition", "apply", c.file(t, "noid.yaml", "name: x\nsteps:\n  - approvers: [a]\n"))
	require.ErrorContains(t, err, "definition id is required")

	_, err = c.run(context.Background(), "definition", "compare", "x", "one", "2")
	require.ErrorContains(t, err, "versions must be integers")

	_, err = c.run(context.Background(), "instance", "approve", "x")
	require.ErrorContains(t, err, `required flag(s) "as" not set`)

	_, err = c.run(context.Background(), "--config", filepath.Join(c.dir, "nope.yaml"), "sweep")
	require.Error(t, err)
}

func TestCLI_WorkerDrainsOutbox(t *testing.T) {
	c := newTestCLI(t)

	c.mustRun(t, "definition", "apply", c.file(t, "v1.yaml", budgetV1))
	id := strings.TrimSpace(c.mustRun(t, "instance", "start", "budget-approval",
		"--entity-type", "budget", "--entity-id", "B-2"))
	c.mustRun(t, "instance", "approve", id, "--as", "alice")

	pending := func() int {
		db, err := approvalflow.OpenSQLite(c.dbPath)
		require.NoError(t, err)
		defer db.Close()
		q, err := approvalflow.NewSQLiteQueue(db)
		require.NoError(t, err)
		return q.Len()
	}
	require.Positive(t, pending(), "notifications wait in the outbox")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := c.run(ctx, "worker")
	require.NoError(t, err)

	require.Zero(t, pending())
}
