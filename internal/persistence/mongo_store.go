package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/approvalflow/pkg/api"
)

const mongoTimeout = 5 * time.Second

// MongoStore implements DefinitionStore, InstanceStore and EventStore on
// MongoDB. Approvals are embedded in their instance document so that the
// revision-guarded ReplaceOne covers the whole aggregate.
type MongoStore struct {
	definitions *mongo.Collection
	instances   *mongo.Collection
	events      *mongo.Collection
}

var (
	_ DefinitionStore = (*MongoStore)(nil)
	_ InstanceStore   = (*MongoStore)(nil)
	_ EventStore      = (*MongoStore)(nil)
)

// NewMongoStore creates a Mongo-backed store in dbName, which defaults to
// "approvalflow" if empty, and ensures its indexes.
func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	if dbName == "" {
		dbName = "approvalflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		definitions: db.Collection("workflow_definitions"),
		instances:   db.Collection("workflow_instances"),
		events:      db.Collection("workflow_events"),
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := s.definitions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "version", Value: -1}},
	}); err != nil {
		return nil, err
	}
	if _, err := s.instances.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "approvals.approver_id", Value: 1}, {Key: "approvals.status", Value: 1}}},
	}); err != nil {
		return nil, err
	}
	if _, err := s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return nil, err
	}
	return s, nil
}

//
// Definitions
//

type mongoDefinitionDoc struct {
	ID         string `bson:"_id"`
	WorkflowID string `bson:"workflow_id"`
	Version    int    `bson:"version"`
	Status     string `bson:"status"`
	Body       []byte `bson:"body"`
	UpdatedAt  int64  `bson:"updated_at"`
}

func definitionDocID(workflowID string, version int) string {
	return workflowID + ":" + strconv.Itoa(version)
}

func (d mongoDefinitionDoc) decode() (api.WorkflowDefinition, error) {
	def, err := DecodeValue[api.WorkflowDefinition](d.Body)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	def.Status = api.DefinitionStatus(d.Status)
	def.UpdatedAt = time.Unix(0, d.UpdatedAt).UTC()
	return def, nil
}

func (s *MongoStore) SaveDefinition(ctx context.Context, def api.WorkflowDefinition) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	body, err := EncodeValue(def)
	if err != nil {
		return err
	}
	_, err = s.definitions.InsertOne(ctx, mongoDefinitionDoc{
		ID:         definitionDocID(def.ID, def.Version),
		WorkflowID: def.ID,
		Version:    def.Version,
		Status:     string(def.Status),
		Body:       body,
		UpdatedAt:  def.UpdatedAt.UnixNano(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *MongoStore) PublishVersion(ctx context.Context, def api.WorkflowDefinition, previousVersion int) error {
	n, err := s.definitions.CountDocuments(ctx, bson.M{"_id": definitionDocID(def.ID, previousVersion)})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionNotFound
	}
	if err := s.SaveDefinition(ctx, def); err != nil {
		return err
	}
	return s.SetDefinitionStatus(ctx, def.ID, previousVersion, api.DefinitionArchived, def.CreatedAt)
}

func (s *MongoStore) SetDefinitionStatus(ctx context.Context, workflowID string, version int, status api.DefinitionStatus, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	res, err := s.definitions.UpdateByID(ctx, definitionDocID(workflowID, version), bson.M{
		"$set": bson.M{"status": string(status), "updated_at": at.UnixNano()},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrVersionNotFound
	}
	return nil
}

func (s *MongoStore) GetDefinition(ctx context.Context, workflowID string, version int) (api.WorkflowDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoDefinitionDoc
	err := s.definitions.FindOne(ctx, bson.M{"_id": definitionDocID(workflowID, version)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.definitions.CountDocuments(ctx, bson.M{"workflow_id": workflowID})
		if cerr != nil {
			return api.WorkflowDefinition{}, cerr
		}
		if n == 0 {
			return api.WorkflowDefinition{}, ErrWorkflowNotFound
		}
		return api.WorkflowDefinition{}, ErrVersionNotFound
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return doc.decode()
}

func (s *MongoStore) GetLatestDefinition(ctx context.Context, workflowID string) (api.WorkflowDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoDefinitionDoc
	opts := options.FindOne().SetSort(bson.D{{Key: "version", Value: -1}})
	err := s.definitions.FindOne(ctx, bson.M{"workflow_id": workflowID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return doc.decode()
}

func (s *MongoStore) ListDefinitionVersions(ctx context.Context, workflowID string) ([]api.WorkflowDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})
	cur, err := s.definitions.Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkflowDefinition
	for cur.Next(ctx) {
		var doc mongoDefinitionDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		def, err := doc.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrWorkflowNotFound
	}
	return out, nil
}

//
// Instances
//

type mongoApprovalDoc struct {
	ID          string `bson:"id"`
	StepNumber  int    `bson:"step_number"`
	Round       int    `bson:"round"`
	ApproverID  string `bson:"approver_id"`
	Status      string `bson:"status"`
	Decision    string `bson:"decision,omitempty"`
	Comments    string `bson:"comments,omitempty"`
	OpenedAt    int64  `bson:"opened_at"`
	ApprovedAt  *int64 `bson:"approved_at,omitempty"`
	ExpiresAt   *int64 `bson:"expires_at,omitempty"`
	DelegatedTo string `bson:"delegated_to,omitempty"`
	DelegatedAt *int64 `bson:"delegated_at,omitempty"`
}

type mongoInstanceDoc struct {
	ID                 string             `bson:"_id"`
	WorkflowID         string             `bson:"workflow_id"`
	WorkflowVersion    int                `bson:"workflow_version"`
	EntityType         string             `bson:"entity_type"`
	EntityID           string             `bson:"entity_id"`
	CurrentStep        int                `bson:"current_step"`
	Status             string             `bson:"status"`
	Context            []byte             `bson:"context,omitempty"`
	InitiatedBy        string             `bson:"initiated_by"`
	InitiatedAt        int64              `bson:"initiated_at"`
	CompletedAt        *int64             `bson:"completed_at,omitempty"`
	CancelledAt        *int64             `bson:"cancelled_at,omitempty"`
	CancellationReason string             `bson:"cancellation_reason,omitempty"`
	UpdatedAt          int64              `bson:"updated_at"`
	Revision           int64              `bson:"revision"`
	Approvals          []mongoApprovalDoc `bson:"approvals"`
}

func toNanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanosPtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}

func toMongoDoc(st *InstanceState) (mongoInstanceDoc, error) {
	inst := st.Instance
	ctxBytes, err := encodeContext(inst.Context)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	doc := mongoInstanceDoc{
		ID:                 inst.ID,
		WorkflowID:         inst.WorkflowID,
		WorkflowVersion:    inst.WorkflowVersion,
		EntityType:         inst.EntityType,
		EntityID:           inst.EntityID,
		CurrentStep:        inst.CurrentStep,
		Status:             string(inst.Status),
		Context:            ctxBytes,
		InitiatedBy:        inst.InitiatedBy,
		InitiatedAt:        inst.InitiatedAt.UnixNano(),
		CompletedAt:        toNanos(inst.CompletedAt),
		CancelledAt:        toNanos(inst.CancelledAt),
		CancellationReason: inst.CancellationReason,
		UpdatedAt:          inst.UpdatedAt.UnixNano(),
		Revision:           inst.Revision,
		Approvals:          make([]mongoApprovalDoc, 0, len(st.Approvals)),
	}
	for _, a := range st.Approvals {
		doc.Approvals = append(doc.Approvals, mongoApprovalDoc{
			ID:          a.ID,
			StepNumber:  a.StepNumber,
			Round:       a.Round,
			ApproverID:  a.ApproverID,
			Status:      string(a.Status),
			Decision:    string(a.Decision),
			Comments:    a.Comments,
			OpenedAt:    a.OpenedAt.UnixNano(),
			ApprovedAt:  toNanos(a.ApprovedAt),
			ExpiresAt:   toNanos(a.ExpiresAt),
			DelegatedTo: a.DelegatedTo,
			DelegatedAt: toNanos(a.DelegatedAt),
		})
	}
	return doc, nil
}

func (doc mongoInstanceDoc) decode() (*InstanceState, error) {
	ctxMap, err := decodeContext(doc.Context)
	if err != nil {
		return nil, err
	}
	inst := &api.WorkflowInstance{
		ID:                 doc.ID,
		WorkflowID:         doc.WorkflowID,
		WorkflowVersion:    doc.WorkflowVersion,
		EntityType:         doc.EntityType,
		EntityID:           doc.EntityID,
		CurrentStep:        doc.CurrentStep,
		Status:             api.Status(doc.Status),
		Context:            ctxMap,
		InitiatedBy:        doc.InitiatedBy,
		InitiatedAt:        time.Unix(0, doc.InitiatedAt).UTC(),
		CompletedAt:        fromNanosPtr(doc.CompletedAt),
		CancelledAt:        fromNanosPtr(doc.CancelledAt),
		CancellationReason: doc.CancellationReason,
		UpdatedAt:          time.Unix(0, doc.UpdatedAt).UTC(),
		Revision:           doc.Revision,
	}
	st := &InstanceState{Instance: inst}
	for _, a := range doc.Approvals {
		st.Approvals = append(st.Approvals, &api.WorkflowApproval{
			ID:          a.ID,
			InstanceID:  doc.ID,
			StepNumber:  a.StepNumber,
			Round:       a.Round,
			ApproverID:  a.ApproverID,
			Status:      api.ApprovalStatus(a.Status),
			Decision:    api.Decision(a.Decision),
			Comments:    a.Comments,
			OpenedAt:    time.Unix(0, a.OpenedAt).UTC(),
			ApprovedAt:  fromNanosPtr(a.ApprovedAt),
			ExpiresAt:   fromNanosPtr(a.ExpiresAt),
			DelegatedTo: a.DelegatedTo,
			DelegatedAt: fromNanosPtr(a.DelegatedAt),
		})
	}
	return st, nil
}

func (s *MongoStore) CreateInstance(ctx context.Context, st *InstanceState) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	doc, err := toMongoDoc(st)
	if err != nil {
		return err
	}
	_, err = s.instances.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	return err
}

func (s *MongoStore) GetInstance(ctx context.Context, id string) (*InstanceState, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	var doc mongoInstanceDoc
	err := s.instances.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.decode()
}

func (s *MongoStore) UpdateInstance(ctx context.Context, st *InstanceState, expectedRevision int64) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	doc, err := toMongoDoc(st)
	if err != nil {
		return err
	}
	res, err := s.instances.ReplaceOne(ctx, bson.M{"_id": doc.ID, "revision": expectedRevision}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	n, err := s.instances.CountDocuments(ctx, bson.M{"_id": doc.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInstanceNotFound
	}
	return ErrConflict
}

func (s *MongoStore) findStates(ctx context.Context, filter bson.M) ([]*InstanceState, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "initiated_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.instances.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*InstanceState
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		st, err := doc.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, cur.Err()
}

func (s *MongoStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	bfilter := bson.M{}
	if filter.WorkflowID != "" {
		bfilter["workflow_id"] = filter.WorkflowID
	}
	if filter.WorkflowVersion != 0 {
		bfilter["workflow_version"] = filter.WorkflowVersion
	}
	if filter.EntityType != "" {
		bfilter["entity_type"] = filter.EntityType
	}
	if filter.EntityID != "" {
		bfilter["entity_id"] = filter.EntityID
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		bfilter["status"] = bson.M{"$in": statuses}
	}

	states, err := s.findStates(ctx, bfilter)
	if err != nil {
		return nil, err
	}
	out := make([]*api.WorkflowInstance, 0, len(states))
	for _, st := range states {
		out = append(out, st.Instance)
	}
	return out, nil
}

func (s *MongoStore) ListPendingApprovals(ctx context.Context, approverID string) ([]*api.WorkflowApproval, error) {
	states, err := s.findStates(ctx, bson.M{
		"approvals": bson.M{"$elemMatch": bson.M{
			"approver_id": approverID,
			"status":      string(api.ApprovalPending),
		}},
	})
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

type mongoEventDoc struct {
	InstanceID      string `bson:"instance_id"`
	Seq             int64  `bson:"seq"`
	At              int64  `bson:"at"`
	Type            string `bson:"type"`
	WorkflowID      string `bson:"workflow_id"`
	WorkflowVersion int    `bson:"workflow_version"`
	Step            int    `bson:"step"`
	Actor           string `bson:"actor,omitempty"`
	Detail          string `bson:"detail,omitempty"`
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	ctx, cancel := context.WithTimeout(ctx, mongoTimeout)
	defer cancel()

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.events.InsertOne(ctx, mongoEventDoc{
		InstanceID:      ev.InstanceID,
		Seq:             time.Now().UnixNano(),
		At:              at.UnixNano(),
		Type:            string(ev.Type),
		WorkflowID:      ev.WorkflowID,
		WorkflowVersion: ev.WorkflowVersion,
		Step:            ev.Step,
		Actor:           ev.Actor,
		Detail:          ev.Detail,
	})
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.events.Find(ctx, bson.M{"instance_id": instanceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.WorkflowEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.WorkflowEvent{
			InstanceID:      doc.InstanceID,
			At:              time.Unix(0, doc.At).UTC(),
			Type:            api.EventType(doc.Type),
			WorkflowID:      doc.WorkflowID,
			WorkflowVersion: doc.WorkflowVersion,
			Step:            doc.Step,
			Actor:           doc.Actor,
			Detail:          doc.Detail,
		})
	}
	return out, cur.Err()
}
