package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors shared by the engine and its store implementations.
var (
	// ErrConfigurationNotFound is returned by archive lookups for an
	// unknown (identifier, hash) pair.
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrInstanceNotFound is returned by instance lookups for a key that is
	// neither running nor terminal.
	ErrInstanceNotFound = errors.New("pipeline instance not found")

	// ErrNoPipeline signals a StartPipeline request naming no pipeline when
	// the engine has no default configured either.
	ErrNoPipeline = errors.New("no pipeline identifier given and no default pipeline configured")

	// ErrUnknownPipeline signals a StartPipeline request for an identifier
	// absent from the live pool.
	ErrUnknownPipeline = errors.New("unknown pipeline identifier")
)

// ConfigurationStore surfaces the authored configurations the loader builds
// definitions from. Entries may be nil (a corrupt record, for example); the
// loader skips them.
type ConfigurationStore interface {
	ListActivityConfigurations(ctx context.Context) ([]*ActivityConfiguration, error)
	ListPipelineConfigurations(ctx context.Context) ([]*PipelineConfiguration, error)
}

// ArchiveStore keeps every configuration version ever loaded, keyed by
// content hash. Saving is append-only: re-saving an existing hash is a
// no-op, so concurrent archival of the same version is harmless.
type ArchiveStore interface {
	SaveActivityConfiguration(ctx context.Context, hash string, cfg ActivityConfiguration) error
	GetActivityConfiguration(ctx context.Context, id uuid.UUID, hash string) (ActivityConfiguration, error)
	SavePipelineConfiguration(ctx context.Context, hash string, cfg PipelineConfiguration) error
	GetPipelineConfiguration(ctx context.Context, id uuid.UUID, hash string) (PipelineConfiguration, error)
}

// InstanceStore persists pipeline instances: the running set the monitor
// sweeps, and the terminal records kept after finish or error.
type InstanceStore interface {
	SaveRunning(ctx context.Context, inst *PipelineInstance) error
	GetRunning(ctx context.Context, key PipelineInstanceKey) (*PipelineInstance, error)
	// ListRunning pages through running instances in a stable order.
	ListRunning(ctx context.Context, offset, limit int) ([]*PipelineInstance, error)
	DeleteRunning(ctx context.Context, key PipelineInstanceKey) error
	SaveTerminal(ctx context.Context, inst *PipelineInstance) error
	GetTerminal(ctx context.Context, key PipelineInstanceKey) (*PipelineInstance, error)
}

// Store is everything the engine needs from its persistence collaborator.
type Store interface {
	ConfigurationStore
	ArchiveStore
	InstanceStore
}
