package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/approvalflow/pkg/api"
)

// RedisStore implements DefinitionStore, InstanceStore and EventStore on
// Redis. It uses the following key structure:
//
//	<prefix>def:<id>:<version>    => HASH {body, status, updated_at}
//	<prefix>defver:<id>           => ZSET of versions
//	<prefix>inst:<id>             => HASH {rev, data} (gob-encoded InstanceState)
//	<prefix>idx:all               => SET of all instance IDs
//	<prefix>idx:wf:<workflow>     => SET of instance IDs for a workflow
//	<prefix>pending:<approver>    => SET of instance IDs where approver may hold a pending vote
//	<prefix>events:<instance>     => LIST of gob-encoded events
//
// Instance writes run in Lua scripts so that the revision check, the write
// and the pending index update are atomic. The pending index may contain
// stale entries; reads verify against the instance itself.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ DefinitionStore = (*RedisStore)(nil)
	_ InstanceStore   = (*RedisStore)(nil)
	_ EventStore      = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "approvalflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "approvalflow:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) keyDefinition(id string, version int) string {
	return r.prefix + "def:" + id + ":" + strconv.Itoa(version)
}

func (r *RedisStore) keyVersions(id string) string {
	return r.prefix + "defver:" + id
}

func (r *RedisStore) keyInstance(id string) string {
	return r.prefix + "inst:" + id
}

func (r *RedisStore) keyAll() string {
	return r.prefix + "idx:all"
}

func (r *RedisStore) keyWorkflow(workflowID string) string {
	return r.prefix + "idx:wf:" + workflowID
}

func (r *RedisStore) keyPending(approverID string) string {
	return r.prefix + "pending:" + approverID
}

func (r *RedisStore) keyEvents(instanceID string) string {
	return r.prefix + "events:" + instanceID
}

//
// Definitions
//

func (r *RedisStore) insertDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	body, err := EncodeValue(def)
	if err != nil {
		return err
	}
	key := r.keyDefinition(def.ID, def.Version)
	ok, err := r.client.HSetNX(ctx, key, "body", body).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", string(def.Status), "updated_at", def.UpdatedAt.UnixNano())
		pipe.ZAdd(ctx, r.keyVersions(def.ID), redis.Z{Score: float64(def.Version), Member: strconv.Itoa(def.Version)})
		return nil
	})
	return err
}

func (r *RedisStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	return r.insertDefinition(ctx, def)
}

func (r *RedisStore) PublishVersion(ctx context.Context, def api.WorkflowDefinition, previousVersion int) error {
	n, err := r.client.Exists(ctx, r.keyDefinition(def.ID, previousVersion)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionNotFound
	}
	if err := r.insertDefinition(ctx, def); err != nil {
		return err
	}
	return r.SetDefinitionStatus(ctx, def.ID, previousVersion, api.DefinitionArchived, def.CreatedAt)
}

func (r *RedisStore) SetDefinitionStatus(ctx context.Context, workflowID string, version int, status api.DefinitionStatus, at time.Time) error {
	key := r.keyDefinition(workflowID, version)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionNotFound
	}
	return r.client.HSet(ctx, key, "status", string(status), "updated_at", at.UnixNano()).Err()
}

func decodeRedisDefinition(fields map[string]string) (api.WorkflowDefinition, error) {
	def, err := DecodeValue[api.WorkflowDefinition]([]byte(fields["body"]))
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if s := fields["status"]; s != "" {
		def.Status = api.DefinitionStatus(s)
	}
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		def.UpdatedAt = time.Unix(0, ts).UTC()
	}
	return def, nil
}

func (r *RedisStore) GetDefinition(ctx context.Context, workflowID string, version int) (api.WorkflowDefinition, error) {
	fields, err := r.client.HGetAll(ctx, r.keyDefinition(workflowID, version)).Result()
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if len(fields) == 0 {
		n, err := r.client.ZCard(ctx, r.keyVersions(workflowID)).Result()
		if err != nil {
			return api.WorkflowDefinition{}, err
		}
		if n == 0 {
			return api.WorkflowDefinition{}, ErrWorkflowNotFound
		}
		return api.WorkflowDefinition{}, ErrVersionNotFound
	}
	return decodeRedisDefinition(fields)
}

func (r *RedisStore) GetLatestDefinition(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	versions, err := r.client.ZRevRange(ctx, r.keyVersions(workflowID), 0, 0).Result()
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if len(versions) == 0 {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}
	v, err := strconv.Atoi(versions[0])
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return r.GetDefinition(ctx, workflowID, v)
}

func (r *RedisStore) ListDefinitionVersions(ctx context.Context, workflowID string) ([]api.WorkflowDefinition, error) {
	versions, err := r.client.ZRange(ctx, r.keyVersions(workflowID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, ErrWorkflowNotFound
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(versions))
	for i, vs := range versions {
		v, err := strconv.Atoi(vs)
		if err != nil {
			return nil, err
		}
		cmds[i] = pipe.HGetAll(ctx, r.keyDefinition(workflowID, v))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	out := make([]api.WorkflowDefinition, 0, len(cmds))
	for _, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		def, err := decodeRedisDefinition(fields)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

//
// Instances
//

type redisInstancePayload struct {
	Instance  api.WorkflowInstance
	Context   []byte
	Approvals []api.WorkflowApproval
}

func encodeRedisState(st *InstanceState) ([]byte, error) {
	ctxBytes, err := encodeContext(st.Instance.Context)
	if err != nil {
		return nil, err
	}
	payload := redisInstancePayload{Instance: *st.Instance, Context: ctxBytes}
	payload.Instance.Context = nil
	for _, a := range st.Approvals {
		payload.Approvals = append(payload.Approvals, *a)
	}
	return EncodeValue(&payload)
}

func decodeRedisState(data []byte) (*InstanceState, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	payload, err := DecodeValue[redisInstancePayload](data)
	if err != nil {
		return nil, err
	}
	ctxMap, err := decodeContext(payload.Context)
	if err != nil {
		return nil, err
	}
	inst := payload.Instance
	inst.Context = ctxMap
	st := &InstanceState{Instance: &inst}
	for i := range payload.Approvals {
		a := payload.Approvals[i]
		st.Approvals = append(st.Approvals, &a)
	}
	return st, nil
}

// pendingArgs splits the approvers of st into holders of a pending vote
// and everyone else.
func pendingArgs(st *InstanceState) (pending, other []any) {
	holders := make(map[string]bool)
	for _, a := range st.Approvals {
		if a.Status == api.ApprovalPending {
			holders[a.ApproverID] = true
		} else if _, ok := holders[a.ApproverID]; !ok {
			holders[a.ApproverID] = false
		}
	}
	for id, isPending := range holders {
		if isPending {
			pending = append(pending, id)
		} else {
			other = append(other, id)
		}
	}
	return pending, other
}

var (
	// Creates an instance if absent. Returns 1 on success, 0 if the id exists.
	// ARGV: prefix, id, workflow, rev, data, n, pending approvers...
	redisCreateLua = redis.NewScript(`
local key = KEYS[1]
if redis.call('EXISTS', key) == 1 then
	return 0
end
local prefix = ARGV[1]
local id = ARGV[2]
redis.call('HSET', key, 'rev', ARGV[4], 'data', ARGV[5])
redis.call('SADD', prefix .. 'idx:all', id)
redis.call('SADD', prefix .. 'idx:wf:' .. ARGV[3], id)
local n = tonumber(ARGV[6])
for i = 1, n do
	redis.call('SADD', prefix .. 'pending:' .. ARGV[6 + i], id)
end
return 1
`)

	// Compare-and-set on the revision field. Returns 1 on success, 0 on a
	// revision mismatch and -1 if the instance does not exist.
	// ARGV: prefix, id, expected, rev, data, n, pending approvers..., other approvers...
	redisUpdateLua = redis.NewScript(`
local key = KEYS[1]
local cur = redis.call('HGET', key, 'rev')
if not cur then
	return -1
end
if cur ~= ARGV[3] then
	return 0
end
local prefix = ARGV[1]
local id = ARGV[2]
redis.call('HSET', key, 'rev', ARGV[4], 'data', ARGV[5])
local n = tonumber(ARGV[6])
for i = 1, n do
	redis.call('SADD', prefix .. 'pending:' .. ARGV[6 + i], id)
end
for i = 7 + n, #ARGV do
	redis.call('SREM', prefix .. 'pending:' .. ARGV[i], id)
end
return 1
`)
)

func (r *RedisStore) CreateInstance(ctx context.Context, st *InstanceState) error {
	data, err := encodeRedisState(st)
	if err != nil {
		return err
	}
	pending, _ := pendingArgs(st)
	args := []any{r.prefix, st.Instance.ID, st.Instance.WorkflowID, st.Instance.Revision, data, len(pending)}
	args = append(args, pending...)

	res, err := redisCreateLua.Run(ctx, r.client, []string{r.keyInstance(st.Instance.ID)}, args...).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrConflict
	}
	return nil
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*InstanceState, error) {
	data, err := r.client.HGet(ctx, r.keyInstance(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeRedisState(data)
}

func (r *RedisStore) UpdateInstance(ctx context.Context, st *InstanceState, expectedRevision int64) error {
	data, err := encodeRedisState(st)
	if err != nil {
		return err
	}
	pending, other := pendingArgs(st)
	args := []any{
		r.prefix, st.Instance.ID,
		strconv.FormatInt(expectedRevision, 10), st.Instance.Revision,
		data, len(pending),
	}
	args = append(args, pending...)
	args = append(args, other...)

	res, err := redisUpdateLua.Run(ctx, r.client, []string{r.keyInstance(st.Instance.ID)}, args...).Int()
	if err != nil {
		return err
	}
	switch res {
	case 1:
		return nil
	case 0:
		return ErrConflict
	default:
		return ErrInstanceNotFound
	}
}

func (r *RedisStore) loadStates(ctx context.Context, ids []string) ([]*InstanceState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.keyInstance(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var states []*InstanceState
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		st, err := decodeRedisState(data)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func (r *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	key := r.keyAll()
	if filter.WorkflowID != "" {
		key = r.keyWorkflow(filter.WorkflowID)
	}
	ids, err := r.client.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	states, err := r.loadStates(ctx, ids)
	if err != nil {
		return nil, err
	}
	var instances []*api.WorkflowInstance
	for _, st := range states {
		if filter.Matches(st.Instance) {
			instances = append(instances, st.Instance)
		}
	}
	sortInstances(instances)
	return instances, nil
}

func (r *RedisStore) ListPendingApprovals(ctx context.Context, approverID string) ([]*api.WorkflowApproval, error) {
	ids, err := r.client.SMembers(ctx, r.keyPending(approverID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	states, err := r.loadStates(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []*api.WorkflowApproval
	for _, st := range states {
		for _, a := range st.Approvals {
			if a.ApproverID == approverID && a.Status == api.ApprovalPending {
				out = append(out, a)
			}
		}
	}
	sortPending(out)
	return out, nil
}

//
// Events
//

func (r *RedisStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := EncodeValue(ev)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, r.keyEvents(ev.InstanceID), data).Err()
}

func (r *RedisStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	raw, err := r.client.LRange(ctx, r.keyEvents(instanceID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]api.WorkflowEvent, 0, len(raw))
	for _, s := range raw {
		ev, err := DecodeValue[api.WorkflowEvent]([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}
