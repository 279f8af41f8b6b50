package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/approvalflow/internal/persistence"
	"github.com/petrijr/approvalflow/internal/testutil"
)

func TestPostgresQueue_Contract(t *testing.T) {
	dsn := testutil.StartPostgres(t)

	db, err := persistence.OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q, err := NewPostgresQueue(db)
	if err != nil {
		t.Fatalf("NewPostgresQueue: %v", err)
	}
	q.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	runQueueContract(t, q)

	if err := q.Enqueue(ctx, Task{Type: TaskTypeNotify, InstanceID: "i-9"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, Task{Type: TaskTypeExpire, InstanceID: "i-9", NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	types, err := q.ListInstanceTasks(ctx, "i-9")
	if err != nil {
		t.Fatalf("ListInstanceTasks failed: %v", err)
	}
	if len(types) != 2 || types[0] != TaskTypeNotify || types[1] != TaskTypeExpire {
		t.Fatalf("unexpected tasks: %v", types)
	}
}

func TestRedisQueue_Contract(t *testing.T) {
	endpoint := testutil.StartRedis(t)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	runQueueContract(t, NewRedisQueue(client, "approvalflow:queue-test:"))
}

func TestMongoQueue_Contract(t *testing.T) {
	uri := testutil.StartMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	q := NewMongoQueue(client, "approvalflow_test", "queue_tasks_test")
	if err := q.coll.Drop(ctx); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if err := q.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	runQueueContract(t, q)

	lctx, lcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer lcancel()

	now := time.Now()
	if err := q.Enqueue(lctx, Task{Type: TaskTypeExpire, InstanceID: "inst-listing", NotBefore: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Enqueue expire failed: %v", err)
	}
	if err := q.Enqueue(lctx, Task{Type: TaskTypeNotify, InstanceID: "inst-listing", Event: "approval_requested"}); err != nil {
		t.Fatalf("Enqueue notify failed: %v", err)
	}
	types, err := q.ListInstanceTasks(lctx, "inst-listing")
	if err != nil {
		t.Fatalf("ListInstanceTasks failed: %v", err)
	}
	if len(types) != 2 || types[0] != TaskTypeNotify || types[1] != TaskTypeExpire {
		t.Fatalf("expected [notify expire], got %v", types)
	}
}
