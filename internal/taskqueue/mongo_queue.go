package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB.
//
// Collection schema:
//
//	{
//	  _id:         string, // task ID
//	  type:        string,
//	  instance_id: string,
//	  body:        []byte, // gob-encoded Task
//	  enqueued_at: int64,  // unix nanos
//	  not_before:  int64,  // unix nanos
//	}
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "approvalflow", collName to "queue_tasks".
func NewMongoQueue(client *mongo.Client, dbName, collName string) *MongoQueue {
	if dbName == "" {
		dbName = "approvalflow"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	return &MongoQueue{
		coll:         client.Database(dbName).Collection(collName),
		pollInterval: 50 * time.Millisecond,
	}
}

// Ensure MongoQueue implements Queue.
var _ Queue = (*MongoQueue)(nil)

// EnsureIndexes creates the index Dequeue sorts on. It is idempotent.
func (q *MongoQueue) EnsureIndexes(ctx context.Context) error {
	_, err := q.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}},
		Options: options.Index().SetName("due"),
	})
	return err
}

// ListInstanceTasks returns the queued task types of one instance in
// delivery order. Operators use it to see what an instance still waits on.
func (q *MongoQueue) ListInstanceTasks(ctx context.Context, instanceID string) ([]TaskType, error) {
	cur, err := q.coll.Find(ctx,
		bson.M{"instance_id": instanceID},
		options.Find().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
			SetProjection(bson.M{"type": 1}),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []TaskType
	for cur.Next(ctx) {
		var doc struct {
			Type string `bson:"type"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, TaskType(doc.Type))
	}
	return out, cur.Err()
}

type mongoQueueDoc struct {
	ID         string `bson:"_id"`
	Type       string `bson:"type"`
	InstanceID string `bson:"instance_id"`
	Body       []byte `bson:"body"`
	EnqueuedAt int64  `bson:"enqueued_at"`
	NotBefore  int64  `bson:"not_before"`
}

// Enqueue inserts a document for the given Task.
func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}

	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         t.ID,
		Type:       string(t.Type),
		InstanceID: t.InstanceID,
		Body:       body,
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		NotBefore:  t.NotBefore.UnixNano(),
	})
	return err
}

// Dequeue blocks (via polling) until a due task is available or ctx is cancelled.
func (q *MongoQueue) Dequeue(ctx context.Context) (*Task, error) {
	// Reusable timer, initialized stopped.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	defer tmr.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		var doc mongoQueueDoc
		err := q.coll.FindOneAndDelete(
			ctx,
			bson.M{"not_before": bson.M{"$lte": time.Now().UnixNano()}},
			options.FindOneAndDelete().SetSort(bson.D{
				{Key: "not_before", Value: 1},
				{Key: "enqueued_at", Value: 1},
			}),
		).Decode(&doc)

		if err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				tmr.Reset(q.pollInterval)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-tmr.C:
				}
				continue
			}
			return nil, err
		}

		return DecodeTask(doc.Body)
	}
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := q.coll.CountDocuments(ctx, bson.M{})
	if err != nil {
		slog.Warn("mongo queue length failed", "error", err)
		return 0
	}
	return int(n)
}
