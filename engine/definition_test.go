package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

// stubStore is the minimal archive-backed store for pool resolution tests.
type stubStore struct {
	activityArchive map[string]ActivityConfiguration
	pipelineArchive map[string]PipelineConfiguration
}

func newStubStore() *stubStore {
	return &stubStore{
		activityArchive: make(map[string]ActivityConfiguration),
		pipelineArchive: make(map[string]PipelineConfiguration),
	}
}

func (s *stubStore) ListActivityConfigurations(ctx context.Context) ([]*ActivityConfiguration, error) {
	return nil, nil
}

func (s *stubStore) ListPipelineConfigurations(ctx context.Context) ([]*PipelineConfiguration, error) {
	return nil, nil
}

func (s *stubStore) SaveActivityConfiguration(ctx context.Context, hash string, cfg ActivityConfiguration) error {
	s.activityArchive[hash] = cfg
	return nil
}

func (s *stubStore) GetActivityConfiguration(ctx context.Context, id uuid.UUID, hash string) (ActivityConfiguration, error) {
	cfg, ok := s.activityArchive[hash]
	if !ok || cfg.Identifier != id {
		return ActivityConfiguration{}, ErrConfigurationNotFound
	}
	return cfg, nil
}

func (s *stubStore) SavePipelineConfiguration(ctx context.Context, hash string, cfg PipelineConfiguration) error {
	s.pipelineArchive[hash] = cfg
	return nil
}

func (s *stubStore) GetPipelineConfiguration(ctx context.Context, id uuid.UUID, hash string) (PipelineConfiguration, error) {
	cfg, ok := s.pipelineArchive[hash]
	if !ok || cfg.Identifier != id {
		return PipelineConfiguration{}, ErrConfigurationNotFound
	}
	return cfg, nil
}

func (s *stubStore) SaveRunning(ctx context.Context, inst *PipelineInstance) error { return nil }
func (s *stubStore) GetRunning(ctx context.Context, key PipelineInstanceKey) (*PipelineInstance, error) {
	return nil, ErrInstanceNotFound
}
func (s *stubStore) ListRunning(ctx context.Context, offset, limit int) ([]*PipelineInstance, error) {
	return nil, nil
}
func (s *stubStore) DeleteRunning(ctx context.Context, key PipelineInstanceKey) error { return nil }
func (s *stubStore) SaveTerminal(ctx context.Context, inst *PipelineInstance) error   { return nil }
func (s *stubStore) GetTerminal(ctx context.Context, key PipelineInstanceKey) (*PipelineInstance, error) {
	return nil, ErrInstanceNotFound
}

func testPools(t *testing.T, store Store) *definitionPools {
	t.Helper()
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	loader := NewLoader(l, store, map[string]DirectHandler{"noop": NoopHandler}, nil)
	pools, err := newDefinitionPools(l, loader, 8)
	if err != nil {
		t.Fatalf("building pools: %v", err)
	}
	return pools
}

func TestResolvePipelinePrefersLiveVersion(t *testing.T) {
	store := newStubStore()
	pools := testPools(t, store)
	ctx := context.Background()

	id := uuid.New()
	live := &PipelineDefinition{
		Configuration: PipelineConfiguration{Identifier: id, Name: "live"},
		Hash:          "live-hash",
	}
	pools.pipelines[id] = live

	if got := pools.resolvePipeline(ctx, id, "live-hash"); got != live {
		t.Error("live version not served from the live pool")
	}
	if got := pools.resolvePipeline(ctx, id, "other-hash"); got != nil {
		t.Error("unknown version resolved to a definition")
	}
}

func TestResolvePipelineRevivesArchivedVersion(t *testing.T) {
	store := newStubStore()
	pools := testPools(t, store)
	ctx := context.Background()

	id := uuid.New()
	archived := PipelineConfiguration{
		Identifier:   id,
		Name:         "v1",
		Instructions: []InstructionConfiguration{{OrderNumber: 1, Kind: InstructionKindActivity, Activities: []uuid.UUID{uuid.New()}}},
	}
	hash, err := configurationHash(&archived)
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	store.pipelineArchive[hash] = archived

	def := pools.resolvePipeline(ctx, id, hash)
	if def == nil {
		t.Fatal("archived version not resolvable")
	}
	if def.Hash != hash || def.Configuration.Name != "v1" {
		t.Errorf("resolved wrong definition: %+v", def)
	}

	// Once cached, the definition survives losing the backing record.
	delete(store.pipelineArchive, hash)
	if pools.resolvePipeline(ctx, id, hash) == nil {
		t.Error("cached archived version not served after store loss")
	}
}

func TestResolveActivityPrefersLiveBindingOverArchivedVersion(t *testing.T) {
	store := newStubStore()
	pools := testPools(t, store)
	ctx := context.Background()

	id := uuid.New()
	live := &ActivityDefinition{
		Configuration: ActivityConfiguration{Identifier: id, Name: "current"},
		Hash:          "current-hash",
	}
	pools.activities[id] = live

	// The live binding wins even when an older version is requested.
	if got := pools.resolveActivity(ctx, id, "old-hash"); got != live {
		t.Error("live binding not preferred for an archived version request")
	}
}

func TestResolveActivityRevivesDroppedActivity(t *testing.T) {
	store := newStubStore()
	pools := testPools(t, store)
	ctx := context.Background()

	id := uuid.New()
	archived := ActivityConfiguration{
		Identifier:  id,
		Name:        "dropped",
		Kind:        ExecutionKindDirect,
		HandlerName: "noop",
	}
	hash, err := configurationHash(&archived)
	if err != nil {
		t.Fatalf("hashing: %v", err)
	}
	store.activityArchive[hash] = archived

	def := pools.resolveActivity(ctx, id, hash)
	if def == nil {
		t.Fatal("archived activity not resolvable")
	}
	if def.Handler == nil {
		t.Error("revived direct activity has no bound handler")
	}

	if pools.resolveActivity(ctx, uuid.New(), hash) != nil {
		t.Error("archive lookup matched the wrong identifier")
	}
}
