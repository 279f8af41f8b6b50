package engine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
)

func newSQLiteHarness(t *testing.T, dsn string) *harness {
	t.Helper()

	db, err := persistence.OpenSQLite(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := persistence.NewSQLiteStore(context.Background(), db)
	require.NoError(t, err)
	return newHarness(t, persistence.Persistence{Definitions: store, Instances: store, Events: store})
}

func TestSQLiteEngine_BudgetApproval(t *testing.T) {
	runBudgetScenario(t, newSQLiteHarness(t, ":memory:"))
}

func TestSQLiteEngine_SurvivesRestart(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "approvals.db")

	h := newSQLiteHarness(t, dsn)
	h.deploy(t, budgetApproval())
	inst := h.start(t, "budget-approval", nil)
	h.vote(t, inst.ID, "A", api.DecisionApprove)

	relaxed := budgetApproval()
	relaxed.Steps[0].ApprovalType = api.ApprovalAny
	_, err := h.eng.CreateNewVersion(h.ctx, "budget-approval", relaxed, "editor")
	require.NoError(t, err)
	_, err = h.eng.MigrateInstanceToVersion(h.ctx, inst.ID, 2, "ops")
	require.NoError(t, err)

	// A second engine on the same file sees everything the first one wrote.
	reopened := newSQLiteHarness(t, dsn)
	status, err := reopened.eng.GetInstanceStatus(reopened.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, 2, status.Instance.WorkflowVersion)
	require.Equal(t, api.StatusInProgress, status.Instance.Status)
	require.Equal(t, 1, status.Tally.Approved)

	records, ok := status.Instance.Context[api.MigrationsContextKey].([]api.MigrationRecord)
	require.True(t, ok, "migration history has type %T", status.Instance.Context[api.MigrationsContextKey])
	require.Len(t, records, 1)

	advanced, err := reopened.eng.AdvanceWorkflow(reopened.ctx, inst.ID)
	require.NoError(t, err)
	require.Equal(t, 1, advanced.CurrentStep)

	history, err := reopened.eng.GetVersionHistory(reopened.ctx, "budget-approval")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestNewSQLiteEngine(t *testing.T) {
	db, err := persistence.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := NewSQLiteEngine(db)
	require.NoError(t, err)

	ctx := context.Background()
	def, err := eng.CreateWorkflow(ctx, singleStep("solo", approvalStep(0, api.ApprovalAll, "A")), "admin")
	require.NoError(t, err)
	_, err = eng.ActivateWorkflow(ctx, def.ID, "admin")
	require.NoError(t, err)

	inst, err := eng.CreateInstance(ctx, api.CreateInstanceRequest{WorkflowID: def.ID, EntityType: "budget", EntityID: "1"})
	require.NoError(t, err)
	inst, err = eng.SubmitApproval(ctx, inst.ID, "A", api.DecisionApprove, "ok")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, inst.Status)
}
