package api

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Scope tells an ApproverResolver which step the roles are resolved for.
type Scope struct {
	WorkflowID      string
	WorkflowVersion int
	InstanceID      string
	EntityType      string
	EntityID        string
	Step            int
}

// ApproverResolver turns role names into concrete user ids.
type ApproverResolver interface {
	Resolve(ctx context.Context, roles []string, scope Scope) ([]string, error)
}

// EligibilityChecker is optionally implemented by resolvers that can veto a
// user acting on an approval record they hold.
type EligibilityChecker interface {
	IsEligible(ctx context.Context, userID string, scope Scope) (bool, error)
}

// ResolverFunc adapts a function to ApproverResolver.
type ResolverFunc func(ctx context.Context, roles []string, scope Scope) ([]string, error)

func (f ResolverFunc) Resolve(ctx context.Context, roles []string, scope Scope) ([]string, error) {
	return f(ctx, roles, scope)
}

// StaticResolver resolves roles from a fixed role -> users table.
// It is safe for concurrent use.
type StaticResolver struct {
	mu    sync.RWMutex
	roles map[string][]string
}

// NewStaticResolver creates a resolver from the given table.
func NewStaticResolver(roles map[string][]string) *StaticResolver {
	r := &StaticResolver{roles: make(map[string][]string, len(roles))}
	for k, v := range roles {
		r.roles[k] = cloneStrings(v)
	}
	return r
}

// SetRole replaces the members of a role.
func (r *StaticResolver) SetRole(role string, users ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = cloneStrings(users)
}

func (r *StaticResolver) Resolve(_ context.Context, roles []string, _ Scope) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, role := range roles {
		out = append(out, r.roles[role]...)
	}
	out = uniqueStrings(out)
	sort.Strings(out)
	return out, nil
}

// NotificationEvent names what happened when the engine calls a Notifier.
type NotificationEvent string

const (
	NotifyApprovalRequested NotificationEvent = "approval_requested"
	NotifyStepApproved      NotificationEvent = "step_approved"
	NotifyStepRejected      NotificationEvent = "step_rejected"
	NotifyEscalated         NotificationEvent = "escalated"
	NotifyNotificationStep  NotificationEvent = "notification_step"
	NotifyInstanceCompleted NotificationEvent = "instance_completed"
	NotifyInstanceRejected  NotificationEvent = "instance_rejected"
	NotifyInstanceCancelled NotificationEvent = "instance_cancelled"
)

// Notifier is a fire-and-forget notification sink. Errors are logged by the
// engine and never fail the mutation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent, inst *WorkflowInstance, step int) error
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, NotificationEvent, *WorkflowInstance, int) error {
	return nil
}

// Clock supplies the current time to the engine.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
