package pipeline_test

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jwalitptl/broadcast-api/internal/model"
)

// memStore is an in-memory workflow store mirroring the Postgres step
// uniqueness semantics.
type memStore struct {
	mu        sync.Mutex
	instances map[uuid.UUID]*model.WorkflowInstance
	steps     map[uuid.UUID]map[int]*model.WorkflowStep
}

func newMemStore() *memStore {
	return &memStore{
		instances: make(map[uuid.UUID]*model.WorkflowInstance),
		steps:     make(map[uuid.UUID]map[int]*model.WorkflowStep),
	}
}

func (s *memStore) CreateInstance(_ context.Context, inst *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *memStore) GetInstance(_ context.Context, id uuid.UUID) (*model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

func (s *memStore) ListRunning(_ context.Context, kind string, limit int) ([]*model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Kind == kind && inst.Status == model.WorkflowStatusRunning {
			cp := *inst
			out = append(out, &cp)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) UpdateInstanceStatus(_ context.Context, id uuid.UUID, status model.WorkflowStatus, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return errors.New("instance not found")
	}
	inst.Status = status
	inst.ErrorMessage = errorMessage
	return nil
}

func (s *memStore) ContinueInstance(_ context.Context, currentID uuid.UUID, next *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.instances[currentID]
	if !ok {
		return errors.New("instance not found")
	}
	cur.Status = model.WorkflowStatusContinued
	cp := *next
	s.instances[next.ID] = &cp
	return nil
}

func (s *memStore) GetSteps(_ context.Context, instanceID uuid.UUID) ([]*model.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkflowStep
	for _, step := range s.steps[instanceID] {
		cp := *step
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) RecordStep(_ context.Context, step *model.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[step.InstanceID] == nil {
		s.steps[step.InstanceID] = make(map[int]*model.WorkflowStep)
	}
	if _, ok := s.steps[step.InstanceID][step.Seq]; ok {
		return nil
	}
	cp := *step
	s.steps[step.InstanceID][step.Seq] = &cp
	return nil
}

func (s *memStore) byStatus(status model.WorkflowStatus) []*model.WorkflowInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out
}
