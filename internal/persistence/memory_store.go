package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/approvalflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe implementation of
// DefinitionStore, InstanceStore and EventStore backed by maps.
// Values are deep-copied on the way in and out.
type InMemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]api.WorkflowDefinition
	instances   map[string]*InstanceState
	events      map[string][]api.WorkflowEvent
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		definitions: make(map[string]map[int]api.WorkflowDefinition),
		instances:   make(map[string]*InstanceState),
		events:      make(map[string][]api.WorkflowEvent),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ DefinitionStore = (*InMemoryStore)(nil)
	_ InstanceStore   = (*InMemoryStore)(nil)
	_ EventStore      = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) SaveDefinition(_ context.Context, def api.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertDefinition(def)
}

func (s *InMemoryStore) insertDefinition(def api.WorkflowDefinition) error {
	versions, ok := s.definitions[def.ID]
	if !ok {
		versions = make(map[int]api.WorkflowDefinition)
		s.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return ErrConflict
	}
	versions[def.Version] = def.Clone()
	return nil
}

func (s *InMemoryStore) PublishVersion(_ context.Context, def api.WorkflowDefinition, previousVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.definitions[def.ID][previousVersion]
	if !ok {
		return ErrVersionNotFound
	}
	if err := s.insertDefinition(def); err != nil {
		return err
	}
	prev.Status = api.DefinitionArchived
	prev.UpdatedAt = def.CreatedAt
	s.definitions[def.ID][previousVersion] = prev
	return nil
}

func (s *InMemoryStore) SetDefinitionStatus(_ context.Context, workflowID string, version int, status api.DefinitionStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, ok := s.definitions[workflowID][version]
	if !ok {
		return ErrVersionNotFound
	}
	def.Status = status
	def.UpdatedAt = at
	s.definitions[workflowID][version] = def
	return nil
}

func (s *InMemoryStore) GetDefinition(_ context.Context, workflowID string, version int) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.definitions[workflowID]
	if !ok {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}
	def, ok := versions[version]
	if !ok {
		return api.WorkflowDefinition{}, ErrVersionNotFound
	}
	return def.Clone(), nil
}

func (s *InMemoryStore) GetLatestDefinition(_ context.Context, workflowID string) (api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.definitions[workflowID]
	latest := -1
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	if latest < 0 {
		return api.WorkflowDefinition{}, ErrWorkflowNotFound
	}
	return versions[latest].Clone(), nil
}

func (s *InMemoryStore) ListDefinitionVersions(_ context.Context, workflowID string) ([]api.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions, ok := s.definitions[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	out := make([]api.WorkflowDefinition, 0, len(versions))
	for _, def := range versions {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *InMemoryStore) CreateInstance(_ context.Context, st *InstanceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[st.Instance.ID]; exists {
		return ErrConflict
	}
	s.instances[st.Instance.ID] = st.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(_ context.Context, id string) (*InstanceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) UpdateInstance(_ context.Context, st *InstanceState, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[st.Instance.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if cur.Instance.Revision != expectedRevision {
		return ErrConflict
	}
	s.instances[st.Instance.ID] = st.Clone()
	return nil
}

func (s *InMemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowInstance
	for _, st := range s.instances {
		if filter.Matches(st.Instance) {
			result = append(result, st.Instance.Clone())
		}
	}
	sortInstances(result)
	return result, nil
}

func (s *InMemoryStore) ListPendingApprovals(_ context.Context, approverID string) ([]*api.WorkflowApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowApproval
	for _, st := range s.instances {
		for _, a := range st.Approvals {
			if a.ApproverID == approverID && a.Status == api.ApprovalPending {
				result = append(result, a.Clone())
			}
		}
	}
	sortPending(result)
	return result, nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, ev api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[instanceID]
	out := make([]api.WorkflowEvent, len(evs))
	copy(out, evs)
	return out, nil
}
