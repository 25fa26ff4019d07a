package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Loader turns authored configurations into executable definitions: it
// hashes and archives every version it sees, binds the execution target,
// and resolves the layered common settings.
type Loader struct {
	l        *slog.Logger
	store    Store
	handlers map[string]DirectHandler

	// base is the default layer overridden by the engine layer, so every
	// definition resolution only has the pipeline/activity layers left.
	base CommonConfigurations
}

// NewLoader builds a loader. engineDefaults is the engine-layer override of
// the built-in defaults; nil means no engine-level overrides.
func NewLoader(l *slog.Logger, store Store, handlers map[string]DirectHandler, engineDefaults *CommonConfigurations) *Loader {
	return &Loader{
		l:        l,
		store:    store,
		handlers: handlers,
		base:     DefaultCommonConfigurations().Override(engineDefaults),
	}
}

// LoadActivities loads, archives and binds every activity configuration.
// An empty configuration set is a fatal misconfiguration; an individual
// broken entry is skipped.
func (ld *Loader) LoadActivities(ctx context.Context) ([]*ActivityDefinition, error) {
	cfgs, err := ld.store.ListActivityConfigurations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing activity configurations: %w", err)
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no activity configurations in store")
	}

	defs := make([]*ActivityDefinition, 0, len(cfgs))
	for i, cfg := range cfgs {
		if cfg == nil {
			ld.l.Error("skipping null activity configuration", "index", i)
			continue
		}
		if cfg.Disabled {
			ld.l.Info("skipping disabled activity configuration", "activity", cfg.Identifier, "name", cfg.Name)
			continue
		}
		hash, err := configurationHash(cfg)
		if err != nil {
			ld.l.Error("skipping unhashable activity configuration", "activity", cfg.Identifier, "error", err)
			continue
		}
		if err := ld.store.SaveActivityConfiguration(ctx, hash, *cfg); err != nil {
			ld.l.Error("archiving activity configuration failed", "activity", cfg.Identifier, "hash", hash, "error", err)
			continue
		}
		def, err := ld.buildActivityDefinition(cfg, hash)
		if err != nil {
			ld.l.Error("excluding activity from pool", "activity", cfg.Identifier, "name", cfg.Name, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no loadable activity configurations")
	}
	return defs, nil
}

// LoadPipelines loads and archives every pipeline configuration. Same
// fatal/recoverable split as LoadActivities.
func (ld *Loader) LoadPipelines(ctx context.Context) ([]*PipelineDefinition, error) {
	cfgs, err := ld.store.ListPipelineConfigurations(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pipeline configurations: %w", err)
	}
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no pipeline configurations in store")
	}

	defs := make([]*PipelineDefinition, 0, len(cfgs))
	for i, cfg := range cfgs {
		if cfg == nil {
			ld.l.Error("skipping null pipeline configuration", "index", i)
			continue
		}
		if cfg.Disabled {
			ld.l.Info("skipping disabled pipeline configuration", "pipeline", cfg.Identifier, "name", cfg.Name)
			continue
		}
		hash, err := configurationHash(cfg)
		if err != nil {
			ld.l.Error("skipping unhashable pipeline configuration", "pipeline", cfg.Identifier, "error", err)
			continue
		}
		if err := ld.store.SavePipelineConfiguration(ctx, hash, *cfg); err != nil {
			ld.l.Error("archiving pipeline configuration failed", "pipeline", cfg.Identifier, "hash", hash, "error", err)
			continue
		}
		def, err := ld.buildPipelineDefinition(cfg, hash)
		if err != nil {
			ld.l.Error("excluding pipeline from pool", "pipeline", cfg.Identifier, "name", cfg.Name, "error", err)
			continue
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no loadable pipeline configurations")
	}
	return defs, nil
}

// buildActivityDefinition binds the execution target and resolves common
// settings for one activity configuration version.
func (ld *Loader) buildActivityDefinition(cfg *ActivityConfiguration, hash string) (*ActivityDefinition, error) {
	def := &ActivityDefinition{
		Configuration: *cfg,
		Hash:          hash,
		Common:        ld.base.Override(cfg.CommonConfigurations),
	}
	switch cfg.Kind {
	case ExecutionKindDirect:
		handler, ok := ld.handlers[cfg.HandlerName]
		if !ok {
			return nil, fmt.Errorf("direct handler %q not registered", cfg.HandlerName)
		}
		def.Handler = handler
	case ExecutionKindHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("http activity has no url")
		}
	case ExecutionKindEventTopic:
		if cfg.Topic == "" {
			return nil, fmt.Errorf("event topic activity has no topic")
		}
	default:
		return nil, fmt.Errorf("unknown execution kind %q", cfg.Kind)
	}
	return def, nil
}

// buildPipelineDefinition resolves common settings for one pipeline
// configuration version. The instruction list is ordered by OrderNumber so
// the instruction pointer can be a plain index.
func (ld *Loader) buildPipelineDefinition(cfg *PipelineConfiguration, hash string) (*PipelineDefinition, error) {
	if len(cfg.Instructions) == 0 {
		return nil, fmt.Errorf("pipeline has no instructions")
	}
	def := &PipelineDefinition{
		Configuration: *cfg,
		Hash:          hash,
		Common:        ld.base.Override(cfg.CommonConfigurations),
	}
	def.Configuration.Instructions = make([]InstructionConfiguration, len(cfg.Instructions))
	copy(def.Configuration.Instructions, cfg.Instructions)
	sort.SliceStable(def.Configuration.Instructions, func(i, j int) bool {
		return def.Configuration.Instructions[i].OrderNumber < def.Configuration.Instructions[j].OrderNumber
	})
	return def, nil
}
