package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
)

// ActivityDefinition is the resolved, executable form of an activity
// configuration: the configuration itself, its content hash, the fully
// resolved common settings (default -> engine -> activity), and the bound
// execution target. Immutable after construction.
type ActivityDefinition struct {
	Configuration ActivityConfiguration
	Hash          string
	Common        CommonConfigurations

	// Handler is set for direct-kind activities only.
	Handler DirectHandler
}

// PipelineDefinition is the resolved, executable form of a pipeline
// configuration. Common is fully resolved default -> engine -> pipeline;
// the sequencer layers activity overrides on top per slot. Immutable after
// construction.
type PipelineDefinition struct {
	Configuration PipelineConfiguration
	Hash          string
	Common        CommonConfigurations
}

// archiveKey addresses one archived definition version.
type archiveKey struct {
	id   uuid.UUID
	hash string
}

// definitionPools owns the live definitions (latest hash per identifier)
// and the lazily populated archive caches serving in-flight instances that
// started under an older configuration version. The live maps are read-only
// after startup; the LRU caches are safe for concurrent use, and a cache
// miss falls back to the archive store, so eviction only costs a rebuild.
type definitionPools struct {
	l      *slog.Logger
	loader *Loader

	activities map[uuid.UUID]*ActivityDefinition
	pipelines  map[uuid.UUID]*PipelineDefinition

	activityArchive *lru.Cache
	pipelineArchive *lru.Cache
}

func newDefinitionPools(l *slog.Logger, loader *Loader, cacheSize int) (*definitionPools, error) {
	activityArchive, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	pipelineArchive, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &definitionPools{
		l:               l,
		loader:          loader,
		activities:      make(map[uuid.UUID]*ActivityDefinition),
		pipelines:       make(map[uuid.UUID]*PipelineDefinition),
		activityArchive: activityArchive,
		pipelineArchive: pipelineArchive,
	}, nil
}

// resolvePipeline returns the definition for the given identifier at the
// given configuration version: the live pool when the version still is the
// live one, the archive otherwise. Returns nil when neither resolves.
func (p *definitionPools) resolvePipeline(ctx context.Context, id uuid.UUID, hash string) *PipelineDefinition {
	if def, ok := p.pipelines[id]; ok && def.Hash == hash {
		return def
	}
	if cached, ok := p.pipelineArchive.Get(archiveKey{id: id, hash: hash}); ok {
		return cached.(*PipelineDefinition)
	}
	cfg, err := p.loader.store.GetPipelineConfiguration(ctx, id, hash)
	if err != nil {
		p.l.Error("archived pipeline configuration not resolvable",
			"pipeline", id, "hash", hash, "error", err)
		return nil
	}
	def, err := p.loader.buildPipelineDefinition(&cfg, hash)
	if err != nil {
		p.l.Error("archived pipeline configuration not buildable",
			"pipeline", id, "hash", hash, "error", err)
		return nil
	}
	// Concurrent first access may race here; the values are content-equal
	// for a given hash, so last writer wins is fine.
	p.pipelineArchive.Add(archiveKey{id: id, hash: hash}, def)
	return def
}

// resolveActivity mirrors resolvePipeline for activities. The live pool is
// preferred regardless of version when present, because activity bindings
// (handlers, URLs, topics) should follow the current deployment; the hash
// is only needed to revive activities dropped from the live pool while an
// older pipeline version still references them.
func (p *definitionPools) resolveActivity(ctx context.Context, id uuid.UUID, hash string) *ActivityDefinition {
	if def, ok := p.activities[id]; ok {
		return def
	}
	if cached, ok := p.activityArchive.Get(archiveKey{id: id, hash: hash}); ok {
		return cached.(*ActivityDefinition)
	}
	cfg, err := p.loader.store.GetActivityConfiguration(ctx, id, hash)
	if err != nil {
		return nil
	}
	def, err := p.loader.buildActivityDefinition(&cfg, hash)
	if err != nil {
		p.l.Error("archived activity configuration not buildable",
			"activity", id, "hash", hash, "error", err)
		return nil
	}
	p.activityArchive.Add(archiveKey{id: id, hash: hash}, def)
	return def
}

// lockTable hands out one mutex per pipeline instance. Sequencer entry
// points lock the instance's mutex for the whole inspect+mutate+persist
// span and release it before any external call.
type lockTable struct {
	mu    sync.RWMutex
	locks map[PipelineInstanceKey]*sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[PipelineInstanceKey]*sync.Mutex)}
}

func (t *lockTable) create(key PipelineInstanceKey) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, ok := t.locks[key]
	if !ok {
		lk = &sync.Mutex{}
		t.locks[key] = lk
	}
	return lk
}

// get returns the instance's mutex, or nil when the instance is gone.
func (t *lockTable) get(key PipelineInstanceKey) *sync.Mutex {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.locks[key]
}

func (t *lockTable) remove(key PipelineInstanceKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, key)
}

// runningSet is the in-memory registry of live pipeline instances.
type runningSet struct {
	mu        sync.RWMutex
	instances map[PipelineInstanceKey]*PipelineInstance
}

func newRunningSet() *runningSet {
	return &runningSet{instances: make(map[PipelineInstanceKey]*PipelineInstance)}
}

func (r *runningSet) get(key PipelineInstanceKey) *PipelineInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[key]
}

func (r *runningSet) put(inst *PipelineInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.Key] = inst
}

func (r *runningSet) remove(key PipelineInstanceKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, key)
}

func (r *runningSet) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
