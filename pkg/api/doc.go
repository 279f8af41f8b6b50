// Package api contains the core types of the approvalflow engine: workflow
// definitions and their steps, instances and approval records, completion
// policies, the Engine interface, error kinds, and observers.
//
// Most users interact with the higher-level approvalflow package, which
// re-exports selected types and constructors from this package. The api
// package is intended for custom integrations such as alternative stores,
// approver resolvers and notifiers.
//
// # Definitions and Versions
//
// A WorkflowDefinition is an ordered list of WorkflowStep values whose
// StepOrder fields form the sequence 0..N-1. Each update through
// CreateNewVersion stores a new immutable version; instances stay pinned to
// the version that was active when they were created.
//
// # Completion Policies
//
// Each approval step maps to exactly one ApprovalPolicy (AllPolicy,
// AnyPolicy, MajorityPolicy, QuorumPolicy). A policy only looks at the Tally
// of the current step round, so the same evaluation runs after a vote, after
// expiry and on an explicit AdvanceWorkflow.
//
// # Errors
//
// Every error returned by an Engine wraps one of ErrNotFound, ErrValidation,
// ErrConflict, ErrTerminalState or ErrPermissionDenied. Use errors.Is or the
// IsXxx helpers to classify them.
//
// # Observability
//
// The Observer interface reports instance lifecycle events. LoggingObserver
// writes them through log/slog, BasicMetrics keeps in-process counters, and
// NewCompositeObserver combines several observers.
package api
