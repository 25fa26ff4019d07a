// Package memory is the in-memory implementation of the engine's store
// interfaces. It backs single-process deployments and tests; a document
// store can replace it without the engine noticing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/github-joyngroup/dokrouter/engine"
)

// Store is safe for concurrent use. Instances are stored by reference: the
// engine remains the single writer of instance state through its
// per-instance locks, the store only tracks membership.
type Store struct {
	mu sync.RWMutex

	activityConfigs []*engine.ActivityConfiguration
	pipelineConfigs []*engine.PipelineConfiguration

	activityArchive map[string]engine.ActivityConfiguration
	pipelineArchive map[string]engine.PipelineConfiguration

	running  map[engine.PipelineInstanceKey]*engine.PipelineInstance
	terminal map[engine.PipelineInstanceKey]*engine.PipelineInstance
}

func New() *Store {
	return &Store{
		activityArchive: make(map[string]engine.ActivityConfiguration),
		pipelineArchive: make(map[string]engine.PipelineConfiguration),
		running:         make(map[engine.PipelineInstanceKey]*engine.PipelineInstance),
		terminal:        make(map[engine.PipelineInstanceKey]*engine.PipelineInstance),
	}
}

// AddActivityConfiguration seeds one authored activity configuration.
func (s *Store) AddActivityConfiguration(cfg *engine.ActivityConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityConfigs = append(s.activityConfigs, cfg)
}

// AddPipelineConfiguration seeds one authored pipeline configuration.
func (s *Store) AddPipelineConfiguration(cfg *engine.PipelineConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelineConfigs = append(s.pipelineConfigs, cfg)
}

func (s *Store) ListActivityConfigurations(ctx context.Context) ([]*engine.ActivityConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.ActivityConfiguration, len(s.activityConfigs))
	copy(out, s.activityConfigs)
	return out, nil
}

func (s *Store) ListPipelineConfigurations(ctx context.Context) ([]*engine.PipelineConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*engine.PipelineConfiguration, len(s.pipelineConfigs))
	copy(out, s.pipelineConfigs)
	return out, nil
}

// SaveActivityConfiguration archives one configuration version. Re-saving
// an existing hash is a no-op, keeping the archive append-only.
func (s *Store) SaveActivityConfiguration(ctx context.Context, hash string, cfg engine.ActivityConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.activityArchive[hash]; !ok {
		s.activityArchive[hash] = cfg
	}
	return nil
}

func (s *Store) GetActivityConfiguration(ctx context.Context, id uuid.UUID, hash string) (engine.ActivityConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.activityArchive[hash]
	if !ok || cfg.Identifier != id {
		return engine.ActivityConfiguration{}, engine.ErrConfigurationNotFound
	}
	return cfg, nil
}

func (s *Store) SavePipelineConfiguration(ctx context.Context, hash string, cfg engine.PipelineConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelineArchive[hash]; !ok {
		s.pipelineArchive[hash] = cfg
	}
	return nil
}

func (s *Store) GetPipelineConfiguration(ctx context.Context, id uuid.UUID, hash string) (engine.PipelineConfiguration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.pipelineArchive[hash]
	if !ok || cfg.Identifier != id {
		return engine.PipelineConfiguration{}, engine.ErrConfigurationNotFound
	}
	return cfg, nil
}

func (s *Store) SaveRunning(ctx context.Context, inst *engine.PipelineInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[inst.Key] = inst
	return nil
}

func (s *Store) GetRunning(ctx context.Context, key engine.PipelineInstanceKey) (*engine.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.running[key]
	if !ok {
		return nil, engine.ErrInstanceNotFound
	}
	return inst, nil
}

// ListRunning pages through running instances ordered by start time, with
// the instance identifier as tiebreaker so the order is stable.
func (s *Store) ListRunning(ctx context.Context, offset, limit int) ([]*engine.PipelineInstance, error) {
	s.mu.RLock()
	all := make([]*engine.PipelineInstance, 0, len(s.running))
	for _, inst := range s.running {
		all = append(all, inst)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].StartedAt.Equal(all[j].StartedAt) {
			return all[i].StartedAt.Before(all[j].StartedAt)
		}
		return all[i].Key.InstanceID.String() < all[j].Key.InstanceID.String()
	})

	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (s *Store) DeleteRunning(ctx context.Context, key engine.PipelineInstanceKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, key)
	return nil
}

func (s *Store) SaveTerminal(ctx context.Context, inst *engine.PipelineInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal[inst.Key] = inst
	return nil
}

func (s *Store) GetTerminal(ctx context.Context, key engine.PipelineInstanceKey) (*engine.PipelineInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.terminal[key]
	if !ok {
		return nil, engine.ErrInstanceNotFound
	}
	return inst, nil
}

// CountRunning and CountTerminal support tests and operator introspection.
func (s *Store) CountRunning() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.running)
}

func (s *Store) CountTerminal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.terminal)
}
