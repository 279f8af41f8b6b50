package persistence

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/approvalflow/internal/testutil"
	"github.com/petrijr/approvalflow/pkg/api"
)

const redisTestPrefix = "approvalflow:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	client *redis.Client
	store  *RedisStore
	ctx    context.Context
}

func TestRedisTestSuite(t *testing.T) {
	endpoint := testutil.StartRedis(t)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	var n int
	t.Run("contract", func(t *testing.T) {
		runStoreContract(t, func(t *testing.T) fullStore {
			n++
			return NewRedisStore(client, fmt.Sprintf("%s%d:", redisTestPrefix, n))
		})
	})

	suite.Run(t, &RedisStoreTestSuite{
		client: client,
		store:  NewRedisStore(client, redisTestPrefix),
		ctx:    ctx,
	})
}

func (r *RedisStoreTestSuite) SetupTest() {
	// Clean up all keys with this prefix.
	iter := r.client.Scan(r.ctx, 0, redisTestPrefix+"*", 0).Iterator()
	for iter.Next(r.ctx) {
		err := r.client.Del(r.ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

func (r *RedisStoreTestSuite) TestKeysUsePrefix() {
	st := testState("k-1", "wf-keys", 0, "alice")
	r.Require().NoError(r.store.CreateInstance(r.ctx, st))

	for _, key := range []string{
		redisTestPrefix + "inst:k-1",
		redisTestPrefix + "idx:all",
		redisTestPrefix + "idx:wf:wf-keys",
		redisTestPrefix + "pending:alice",
	} {
		n, err := r.client.Exists(r.ctx, key).Result()
		r.Require().NoError(err)
		r.Equal(int64(1), n, key)
	}
}

func (r *RedisStoreTestSuite) TestStalePendingIndexIsFiltered() {
	st := testState("k-2", "wf-keys", 0, "alice")
	r.Require().NoError(r.store.CreateInstance(r.ctx, st))

	// Restarting drops approval records entirely, leaving alice in the
	// index without a record.
	st.Approvals = nil
	st.Instance.Revision = 2
	r.Require().NoError(r.store.UpdateInstance(r.ctx, st, 1))

	isMember, err := r.client.SIsMember(r.ctx, redisTestPrefix+"pending:alice", "k-2").Result()
	r.Require().NoError(err)
	r.True(isMember)

	pending, err := r.store.ListPendingApprovals(r.ctx, "alice")
	r.Require().NoError(err)
	r.Empty(pending)
}

func (r *RedisStoreTestSuite) TestDefinitionStatusIsSeparateField() {
	def := testDefinition("wf-r", 1, api.DefinitionDraft)
	r.Require().NoError(r.store.SaveDefinition(r.ctx, def))
	r.Require().NoError(r.store.SetDefinitionStatus(r.ctx, "wf-r", 1, api.DefinitionActive, baseTime))

	status, err := r.client.HGet(r.ctx, redisTestPrefix+"def:wf-r:1", "status").Result()
	r.Require().NoError(err)
	r.Equal(string(api.DefinitionActive), status)
}
