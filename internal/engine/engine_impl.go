package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/pkg/api"
	"github.com/petrijr/approvalflow/pkg/cache"
)

const (
	tracerName = "github.com/petrijr/approvalflow/internal/engine"

	// DefaultMaxAttempts bounds the optimistic retry loop of instance mutations.
	DefaultMaxAttempts = 3

	// DefaultCacheSize is used when no cache is configured.
	DefaultCacheSize = 10000
)

var _ api.Engine = (*engineImpl)(nil)

// engineImpl is a synchronous, in-process approval engine. It starts no
// goroutines of its own; expiry sweeps are driven from outside.
type engineImpl struct {
	definitions persistence.DefinitionStore
	instances   persistence.InstanceStore
	events      persistence.EventStore

	cache    *cache.Cache
	resolver api.ApproverResolver
	notifier api.Notifier
	clock    api.Clock
	observer api.Observer
	logger   *slog.Logger
	tracer   trace.Tracer

	maxAttempts int
	newID       func() string
}

// Config describes how to construct an engine. Zero fields get defaults:
// an in-memory store, a DefaultCacheSize cache, a resolver that knows no
// roles, no notifications, the system clock and uuid identifiers.
type Config struct {
	Persistence persistence.Persistence
	Cache       *cache.Cache

	Resolver api.ApproverResolver
	Notifier api.Notifier
	Clock    api.Clock
	Observer api.Observer
	Logger   *slog.Logger
	Tracer   trace.Tracer

	MaxAttempts int
	IDGenerator func() string
}

func NewInMemoryEngine() api.Engine {
	mem := persistence.NewInMemoryStore()
	return NewEngine(persistence.Persistence{
		Definitions: mem,
		Instances:   mem,
		Events:      mem,
	})
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(context.Background(), db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Definitions: store,
		Instances:   store,
		Events:      store,
	}), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(context.Background(), db)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Definitions: store,
		Instances:   store,
		Events:      store,
	}), nil
}

// NewRedisEngine creates an engine that keeps definitions, instances and
// history in Redis under the default key prefix.
func NewRedisEngine(client *redis.Client) api.Engine {
	store := persistence.NewRedisStore(client, "")
	return NewEngine(persistence.Persistence{
		Definitions: store,
		Instances:   store,
		Events:      store,
	})
}

// NewMongoEngine creates an engine backed by the given MongoDB database.
func NewMongoEngine(ctx context.Context, client *mongo.Client, dbName string) (api.Engine, error) {
	store, err := persistence.NewMongoStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}
	return NewEngine(persistence.Persistence{
		Definitions: store,
		Instances:   store,
		Events:      store,
	}), nil
}

// NewEngine returns an Engine on top of p with default collaborators.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{Persistence: p})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	p := cfg.Persistence
	if p.Definitions == nil || p.Instances == nil {
		mem := persistence.NewInMemoryStore()
		if p.Definitions == nil {
			p.Definitions = mem
		}
		if p.Instances == nil {
			p.Instances = mem
		}
		if p.Events == nil {
			p.Events = mem
		}
	}
	if p.Events == nil {
		p.Events = persistence.NoopEventStore{}
	}

	e := &engineImpl{
		definitions: p.Definitions,
		instances:   p.Instances,
		events:      p.Events,
		cache:       cfg.Cache,
		resolver:    cfg.Resolver,
		notifier:    cfg.Notifier,
		clock:       cfg.Clock,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
		tracer:      cfg.Tracer,
		maxAttempts: cfg.MaxAttempts,
		newID:       cfg.IDGenerator,
	}
	if e.cache == nil {
		e.cache = cache.New(cache.Config{MaxSize: DefaultCacheSize, DefaultTTL: cache.InstanceTTL})
	}
	if e.resolver == nil {
		e.resolver = api.NewStaticResolver(nil)
	}
	if e.notifier == nil {
		e.notifier = api.NoopNotifier{}
	}
	if e.clock == nil {
		e.clock = api.SystemClock
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = DefaultMaxAttempts
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

func (e *engineImpl) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *engineImpl) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "approvalflow."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// storeError maps persistence sentinels onto the api error kinds.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrInstanceNotFound),
		errors.Is(err, persistence.ErrWorkflowNotFound),
		errors.Is(err, persistence.ErrVersionNotFound):
		return &api.Error{Kind: api.ErrNotFound, Op: op, Err: err}
	case errors.Is(err, persistence.ErrConflict):
		return &api.Error{Kind: api.ErrConflict, Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// errNoChange ends a mutation without writing; the stored instance is
// returned as is.
var errNoChange = errors.New("no change")

// mutateInstance runs fn against a fresh copy of the stored instance and
// writes the result with a revision check. A conflicting write is retried
// by re-reading and re-running fn, up to maxAttempts times.
func (e *engineImpl) mutateInstance(ctx context.Context, op, instanceID string, fn func(tx *transition) error) (*api.WorkflowInstance, error) {
	for attempt := 1; ; attempt++ {
		st, err := e.instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, storeError(op, err)
		}
		def, err := e.definitionVersion(ctx, st.Instance.WorkflowID, st.Instance.WorkflowVersion)
		if err != nil {
			return nil, err
		}

		expected := st.Instance.Revision
		tx := e.newTransition(ctx, op, def, st)
		tx.retry = attempt > 1

		if err := fn(tx); err != nil {
			if errors.Is(err, errNoChange) {
				return st.Instance.Clone(), nil
			}
			return nil, err
		}

		st.Instance.Revision = expected + 1
		st.Instance.UpdatedAt = tx.now
		err = e.instances.UpdateInstance(ctx, st, expected)
		if err == nil {
			e.commit(ctx, tx)
			return st.Instance.Clone(), nil
		}
		if !errors.Is(err, persistence.ErrConflict) {
			return nil, storeError(op, err)
		}
		if attempt >= e.maxAttempts {
			return nil, &api.Error{
				Kind: api.ErrConflict,
				Op:   op,
				Msg:  fmt.Sprintf("instance %s changed concurrently %d times", instanceID, attempt),
				Err:  err,
			}
		}
		e.logger.DebugContext(ctx, "instance update conflict, retrying",
			slog.String("op", op),
			slog.String("instance_id", instanceID),
			slog.Int("attempt", attempt),
		)
	}
}

// commit publishes the side effects of a stored transition: cache
// invalidation, history events, observer callbacks and notifications.
// None of them can fail the mutation.
func (e *engineImpl) commit(ctx context.Context, tx *transition) {
	inst := tx.st.Instance

	keys := []string{cache.InstanceKey(inst.ID)}
	for id := range tx.touched {
		keys = append(keys, cache.PendingKey(id))
	}
	e.cache.Delete(keys...)
	e.cache.InvalidatePattern(cache.QueryPattern)

	for _, ev := range tx.events {
		if err := e.events.AppendEvent(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "append history event failed",
				slog.String("instance_id", inst.ID),
				slog.String("event", string(ev.Type)),
				slog.Any("error", err),
			)
		}
	}

	snapshot := inst.Clone()
	for _, hook := range tx.hooks {
		hook(ctx, snapshot)
	}
	for _, n := range tx.notices {
		if err := e.notifier.Notify(ctx, n.event, snapshot, n.step); err != nil {
			e.logger.WarnContext(ctx, "notification failed",
				slog.String("instance_id", inst.ID),
				slog.String("event", string(n.event)),
				slog.Int("step", n.step),
				slog.Any("error", err),
			)
		}
	}
}

func (e *engineImpl) ClearCache() {
	e.cache.Clear()
}

func (e *engineImpl) CleanupExpiredCache() int {
	return e.cache.CleanupExpired()
}

func (e *engineImpl) CacheStats() cache.Stats {
	return e.cache.Stats()
}
