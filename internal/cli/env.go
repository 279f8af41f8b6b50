package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/approvalflow"
	"github.com/petrijr/approvalflow/internal/config"
	"github.com/petrijr/approvalflow/internal/taskqueue"
	"github.com/petrijr/approvalflow/pkg/worker"
)

const connectTimeout = 10 * time.Second

// env is everything a command needs to talk to the configured backend.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	engine approvalflow.Engine
	queue  approvalflow.Queue

	closers []func(context.Context) error
}

// Close releases resources in reverse order of acquisition.
func (e *env) Close(ctx context.Context) error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func (e *env) onClose(fn func(context.Context) error) {
	e.closers = append(e.closers, fn)
}

func closeDB(db *sql.DB) func(context.Context) error {
	return func(context.Context) error { return db.Close() }
}

// openEnv loads the configuration and opens the engine and task queue for
// the configured backend. extra options are applied last.
func openEnv(ctx context.Context, cfgPath string, errOut io.Writer, extra ...approvalflow.Option) (_ *env, err error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: cfg.NewLogger(errOut)}
	defer func() {
		if err != nil {
			_ = e.Close(context.Background())
		}
	}()

	opts := []approvalflow.Option{
		approvalflow.WithLogger(e.logger),
		approvalflow.WithObserver(approvalflow.NewLoggingObserver(e.logger)),
		approvalflow.WithMaxAttempts(cfg.Engine.MaxRetries),
		approvalflow.WithCache(cfg.Cache.MaxSize, cfg.Cache.DefaultTTL),
	}
	if len(cfg.Roles) > 0 {
		opts = append(opts, approvalflow.WithRoles(cfg.Roles))
	}
	if cfg.Tracing.Enabled {
		tracer, shutdown, err := setupTracing(ctx, errOut)
		if err != nil {
			return nil, fmt.Errorf("set up tracing: %w", err)
		}
		e.onClose(shutdown)
		opts = append(opts, approvalflow.WithTracer(tracer))
	}

	// withQueue picks the notifier for the backend queue and finishes the options.
	withQueue := func(q approvalflow.Queue, durable bool) []approvalflow.Option {
		e.queue = q
		var n approvalflow.Notifier = worker.NewQueueNotifier(q)
		if !durable {
			n = worker.DirectNotifier{Sink: worker.LogSink{Logger: e.logger}}
		}
		return append(append(opts, approvalflow.WithNotifier(n)), extra...)
	}

	switch cfg.Store.Backend {
	case config.BackendMemory:
		e.engine = approvalflow.NewInMemoryEngine(withQueue(approvalflow.NewInMemoryQueue(), false)...)

	case config.BackendSQLite:
		db, err := approvalflow.OpenSQLite(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		e.onClose(closeDB(db))
		q, err := approvalflow.NewSQLiteQueue(db)
		if err != nil {
			return nil, err
		}
		if e.engine, err = approvalflow.NewSQLiteEngine(db, withQueue(q, true)...); err != nil {
			return nil, err
		}

	case config.BackendPostgres:
		db, err := approvalflow.OpenPostgres(cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		e.onClose(closeDB(db))
		q, err := approvalflow.NewPostgresQueue(db)
		if err != nil {
			return nil, err
		}
		if e.engine, err = approvalflow.NewPostgresEngine(db, withQueue(q, true)...); err != nil {
			return nil, err
		}

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Store.DSN})
		e.onClose(func(context.Context) error { return client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Store.DSN, err)
		}
		q := approvalflow.NewRedisQueue(client, cfg.Store.Prefix)
		e.engine = approvalflow.NewRedisEngine(client, cfg.Store.Prefix, withQueue(q, true)...)

	case config.BackendMongo:
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongo.Connect(connCtx, options.Client().ApplyURI(cfg.Store.DSN))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		e.onClose(client.Disconnect)
		if err := client.Ping(connCtx, nil); err != nil {
			return nil, fmt.Errorf("mongo ping: %w", err)
		}
		q := taskqueue.NewMongoQueue(client, cfg.Store.Database, "")
		if err := q.EnsureIndexes(connCtx); err != nil {
			return nil, fmt.Errorf("mongo queue indexes: %w", err)
		}
		if e.engine, err = approvalflow.NewMongoEngine(connCtx, client, cfg.Store.Database, withQueue(q, true)...); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}

	return e, nil
}
