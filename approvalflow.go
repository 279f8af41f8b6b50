package approvalflow

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/approvalflow/internal/engine"
	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/internal/taskqueue"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/cache"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine                = api.Engine
	WorkflowDefinition    = api.WorkflowDefinition
	WorkflowStep          = api.WorkflowStep
	WorkflowInstance      = api.WorkflowInstance
	WorkflowApproval      = api.WorkflowApproval
	WorkflowEvent         = api.WorkflowEvent
	InstanceStatus        = api.InstanceStatus
	InstanceListOptions   = api.InstanceListOptions
	CreateInstanceRequest = api.CreateInstanceRequest
	VersionInfo           = api.VersionInfo
	VersionSummary        = api.VersionSummary
	VersionDiff           = api.VersionDiff
	Status                = api.Status
	Decision              = api.Decision
	ApprovalType          = api.ApprovalType
	RejectionAction       = api.RejectionAction
	ApproverResolver      = api.ApproverResolver
	Notifier              = api.Notifier
	NotificationEvent     = api.NotificationEvent
	Clock                 = api.Clock
	Observer              = api.Observer
	LoggingObserver       = api.LoggingObserver
	BasicMetrics          = api.BasicMetrics
	BasicMetricsSnapshot  = api.BasicMetricsSnapshot
	CompositeObserver     = api.CompositeObserver
	NoopObserver          = api.NoopObserver
	Error                 = api.Error

	// Queue is the task queue consumed by workers.
	Queue = taskqueue.Queue
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewStaticResolver    = api.NewStaticResolver

	IsValidation       = api.IsValidation
	IsNotFound         = api.IsNotFound
	IsConflict         = api.IsConflict
	IsTerminalState    = api.IsTerminalState
	IsPermissionDenied = api.IsPermissionDenied
)

const (
	StatusPending    = api.StatusPending
	StatusInProgress = api.StatusInProgress
	StatusCompleted  = api.StatusCompleted
	StatusRejected   = api.StatusRejected
	StatusCancelled  = api.StatusCancelled
	StatusSuspended  = api.StatusSuspended

	ApprovalPending   = api.ApprovalPending
	ApprovalApproved  = api.ApprovalApproved
	ApprovalRejected  = api.ApprovalRejected
	ApprovalExpired   = api.ApprovalExpired
	ApprovalDelegated = api.ApprovalDelegated
	ApprovalSkipped   = api.ApprovalSkipped

	Approve = api.DecisionApprove
	Reject  = api.DecisionReject

	ApprovalAny      = api.ApprovalAny
	ApprovalAll      = api.ApprovalAll
	ApprovalMajority = api.ApprovalMajority
	ApprovalQuorum   = api.ApprovalQuorum

	DefinitionDraft    = api.DefinitionDraft
	DefinitionActive   = api.DefinitionActive
	DefinitionArchived = api.DefinitionArchived

	RejectionStop     = api.RejectionStop
	RejectionRestart  = api.RejectionRestart
	RejectionEscalate = api.RejectionEscalate
)

// Option customizes an engine built by the constructors below.
type Option func(*engine.Config)

// WithResolver sets how approver roles are turned into user ids.
func WithResolver(r ApproverResolver) Option {
	return func(c *engine.Config) { c.Resolver = r }
}

// WithRoles installs a static role -> users resolver.
func WithRoles(roles map[string][]string) Option {
	return WithResolver(api.NewStaticResolver(roles))
}

// WithNotifier sets the notification sink, e.g. a worker.QueueNotifier.
func WithNotifier(n Notifier) Option {
	return func(c *engine.Config) { c.Notifier = n }
}

func WithClock(clock Clock) Option {
	return func(c *engine.Config) { c.Clock = clock }
}

func WithObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = obs }
}

// WithAdditionalObserver reports to obs as well as to the observer set so far.
func WithAdditionalObserver(obs Observer) Option {
	return func(c *engine.Config) { c.Observer = api.NewCompositeObserver(c.Observer, obs) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = logger }
}

func WithTracer(t trace.Tracer) Option {
	return func(c *engine.Config) { c.Tracer = t }
}

// WithMaxAttempts bounds the optimistic-concurrency retries of one mutation.
func WithMaxAttempts(n int) Option {
	return func(c *engine.Config) { c.MaxAttempts = n }
}

// WithCache sizes the engine cache. ttl applies to entries without a
// class-specific TTL.
func WithCache(maxSize int, ttl time.Duration) Option {
	return func(c *engine.Config) {
		c.Cache = cache.New(cache.Config{MaxSize: maxSize, DefaultTTL: ttl})
	}
}

func build(p persistence.Persistence, opts []Option) Engine {
	cfg := engine.Config{Persistence: p}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.NewEngineWithConfig(cfg)
}

// clockOf returns the clock the options configure, or nil.
func clockOf(opts []Option) api.Clock {
	var cfg engine.Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.Clock
}

type fullStore interface {
	persistence.DefinitionStore
	persistence.InstanceStore
	persistence.EventStore
}

func single(s fullStore) persistence.Persistence {
	return persistence.Persistence{Definitions: s, Instances: s, Events: s}
}

// Engine constructors. These wrap the internal packages so external
// callers never need to import them.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine(opts ...Option) Engine {
	return build(single(persistence.NewInMemoryStore()), opts)
}

// NewSQLiteEngine returns an Engine persisting definitions, instances and
// history in SQLite. Open db with OpenSQLite to get a correctly sized pool.
func NewSQLiteEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteStore(context.Background(), db)
	if err != nil {
		return nil, err
	}
	return build(single(store), opts), nil
}

// NewPostgresEngine returns an Engine persisting to PostgreSQL through pgx.
func NewPostgresEngine(db *sql.DB, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresStore(context.Background(), db)
	if err != nil {
		return nil, err
	}
	return build(single(store), opts), nil
}

// NewRedisEngine returns an Engine persisting to Redis under prefix
// ("approvalflow:" when empty).
func NewRedisEngine(client *redis.Client, prefix string, opts ...Option) Engine {
	return build(single(persistence.NewRedisStore(client, prefix)), opts)
}

// NewMongoEngine returns an Engine persisting to the given MongoDB database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string, opts ...Option) (Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return build(single(store), opts), nil
}

// OpenSQLite opens a SQLite database with the settings the engine needs.
func OpenSQLite(dsn string) (*sql.DB, error) {
	return persistence.OpenSQLite(dsn)
}

// OpenPostgres opens a PostgreSQL database through the pgx driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	return persistence.OpenPostgres(dsn)
}

// Queue constructors.

func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewSQLiteQueue(db)
}

func NewPostgresQueue(db *sql.DB) (Queue, error) {
	return taskqueue.NewPostgresQueue(db)
}

func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

func NewMongoQueue(client *mongo.Client, dbName, collName string) Queue {
	return taskqueue.NewMongoQueue(client, dbName, collName)
}

// Convenience helpers that just forward to the underlying Engine.

// ApproveAs records an approval by approverID.
func ApproveAs(ctx context.Context, eng Engine, instanceID, approverID, comments string) (*WorkflowInstance, error) {
	return eng.SubmitApproval(ctx, instanceID, approverID, api.DecisionApprove, comments)
}

// RejectAs records a rejection by approverID.
func RejectAs(ctx context.Context, eng Engine, instanceID, approverID, comments string) (*WorkflowInstance, error) {
	return eng.SubmitApproval(ctx, instanceID, approverID, api.DecisionReject, comments)
}

// Start creates an instance of the workflow's active version for an entity.
func Start(ctx context.Context, eng Engine, workflowID, entityType, entityID, initiatedBy string, vars map[string]any) (*WorkflowInstance, error) {
	return eng.CreateInstance(ctx, api.CreateInstanceRequest{
		WorkflowID:  workflowID,
		EntityType:  entityType,
		EntityID:    entityID,
		InitiatedBy: initiatedBy,
		Context:     vars,
	})
}
