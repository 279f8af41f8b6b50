// Package approvalflow provides an embeddable multi-step approval engine
// for Go services.
//
// A workflow definition is an ordered list of steps. Approval steps name
// their approvers (directly or through roles) and a completion policy; the
// engine opens one vote per approver, applies the policy after every
// decision and moves the instance forward, restarts it, escalates or
// rejects it. Definitions are versioned: publishing a new version never
// changes instances that are already running, and an administrator can
// migrate an instance explicitly.
//
// # Core Concepts
//
//  1. Engine
//  2. DefinitionBuilder
//  3. Completion policies
//  4. Worker and Scheduler
//  5. LocalRunner and WorkerBundle
//
// # Engine
//
// The Engine stores definitions and instances, applies decisions and
// exposes read models such as GetInstanceStatus and ListPendingApprovals.
// Every state change is an optimistic compare-and-swap on the instance
// revision, so concurrent approvals on one instance advance it exactly
// once. Reads go through a bounded TTL cache that writes invalidate.
//
// Engines can be backed by:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// # DefinitionBuilder
//
// DefinitionBuilder is the fluent way to write definitions in code:
//
//	approvalflow.NewDefinition("budget-approval", "Budget Approval").
//	    Step(approvalflow.AllOf("alice", "bob")).
//	    Step(approvalflow.QuorumOf(2, "carol", "dave", "erin").Timeout(48)).
//	    Step(approvalflow.AnyOfRoles("directors").EscalateTo("ceo")).
//	    MustDeploy(ctx, engine, "admin")
//
// ParseDefinitionYAML reads the same structure from a YAML document.
//
// # Completion policies
//
//   - ALL: every approver must approve; one rejection rejects the step.
//   - ANY: the first approval wins; the step is rejected once nobody can
//     approve any more.
//   - MAJORITY: more than half of the approvers decide.
//   - QUORUM: a fixed number of approvals is needed.
//
// On rejection a step stops the instance, restarts it from the first step,
// or escalates once to a second set of approvers.
//
// # Worker and Scheduler
//
// Notifications leave the engine through a Notifier. Plugging in a
// worker.QueueNotifier turns the task queue into an outbox that a Worker
// drains with retries. The Scheduler finds votes past their deadline and
// calls MarkExpired for them.
//
// # LocalRunner and WorkerBundle
//
// LocalRunner wires an in-memory engine, queue, worker and scheduler for
// development and tests. NewSQLiteBundle does the same on a single SQLite
// database for small durable deployments.
//
// For runnable programs, see the examples directory and cmd/approvalflow.
package approvalflow
