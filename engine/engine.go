package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Config carries the engine-level settings. Zero values fall back to the
// defaults in withDefaults, so a partially filled YAML file is fine.
type Config struct {
	// DefaultPipeline is started when a request names no pipeline.
	DefaultPipeline *uuid.UUID `yaml:"defaultPipeline,omitempty"`

	// MaxCycles caps every cycle instruction regardless of expressions.
	MaxCycles int `yaml:"maxCycles,omitempty"`

	MonitorIntervalSeconds int `yaml:"monitorIntervalSeconds,omitempty"`
	TriggerMinSleepMillis  int `yaml:"triggerMinSleepMillis,omitempty"`
	DispatchTimeoutSeconds int `yaml:"dispatchTimeoutSeconds,omitempty"`

	// CallbackBaseURL is the externally reachable address executors POST
	// their end-activity callbacks to; EndActivityPath is appended.
	CallbackBaseURL string `yaml:"callbackBaseUrl,omitempty"`

	// TestMode makes every dispatch call back success immediately without
	// reaching the executor.
	TestMode bool `yaml:"testMode,omitempty"`

	PageSize         int `yaml:"pageSize,omitempty"`
	ArchiveCacheSize int `yaml:"archiveCacheSize,omitempty"`

	// Defaults is the engine layer of the common configuration chain.
	Defaults *CommonConfigurations `yaml:"defaults,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.MaxCycles <= 0 {
		c.MaxCycles = 100
	}
	if c.MonitorIntervalSeconds <= 0 {
		c.MonitorIntervalSeconds = 30
	}
	if c.TriggerMinSleepMillis <= 0 {
		c.TriggerMinSleepMillis = 250
	}
	if c.DispatchTimeoutSeconds <= 0 {
		c.DispatchTimeoutSeconds = 30
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.ArchiveCacheSize <= 0 {
		c.ArchiveCacheSize = 128
	}
	return c
}

// Engine is one isolated orchestration engine: definition pools, running
// instances, per-instance locks, dispatcher, SLA monitor and trigger
// scheduler. Multiple engines can coexist in one process; nothing here is
// process-global.
type Engine struct {
	l     *slog.Logger
	cfg   Config
	store Store

	pools *definitionPools
	locks *lockTable

	// running is the authoritative in-memory set of live instances; the
	// store mirrors it for the monitor's paged sweeps and for restarts.
	running *runningSet

	dispatcher *Dispatcher
	monitor    *Monitor
	scheduler  *TriggerScheduler
}

// New loads all configurations from the store and builds a ready engine.
// It fails when either configuration pool comes up empty: an engine with
// nothing to run is a misconfiguration, not a valid idle state.
func New(l *slog.Logger, cfg Config, store Store, handlers map[string]DirectHandler, publisher Publisher) (*Engine, error) {
	if l == nil {
		l = slog.Default()
	}
	cfg = cfg.withDefaults()
	if publisher == nil {
		publisher = noPublisher{}
	}

	loader := NewLoader(l, store, handlers, cfg.Defaults)
	pools, err := newDefinitionPools(l, loader, cfg.ArchiveCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building definition pools: %w", err)
	}

	ctx := context.Background()
	activities, err := loader.LoadActivities(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading activities: %w", err)
	}
	for _, def := range activities {
		if prev, ok := pools.activities[def.Configuration.Identifier]; ok {
			l.Warn("duplicate activity identifier, keeping last",
				"activity", def.Configuration.Identifier, "previous", prev.Configuration.Name)
		}
		pools.activities[def.Configuration.Identifier] = def
	}

	pipelines, err := loader.LoadPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pipelines: %w", err)
	}
	for _, def := range pipelines {
		if prev, ok := pools.pipelines[def.Configuration.Identifier]; ok {
			l.Warn("duplicate pipeline identifier, keeping last",
				"pipeline", def.Configuration.Identifier, "previous", prev.Configuration.Name)
		}
		pools.pipelines[def.Configuration.Identifier] = def
	}

	e := &Engine{
		l:       l,
		cfg:     cfg,
		store:   store,
		pools:   pools,
		locks:   newLockTable(),
		running: newRunningSet(),
	}
	e.dispatcher = NewDispatcher(l, publisher, e, time.Duration(cfg.DispatchTimeoutSeconds)*time.Second)
	e.monitor = newMonitor(l, e, time.Duration(cfg.MonitorIntervalSeconds)*time.Second, cfg.PageSize)
	e.scheduler = newTriggerScheduler(l, e, time.Duration(cfg.TriggerMinSleepMillis)*time.Millisecond)

	e.registerConfiguredTriggers()
	return e, nil
}

// registerConfiguredTriggers registers a trigger instance for every live
// pipeline declaring one.
func (e *Engine) registerConfiguredTriggers() {
	for _, def := range e.pools.pipelines {
		trig := def.Configuration.Trigger
		if trig == nil {
			continue
		}
		var pre *ActivityDefinition
		if trig.PreConditionActivity != nil {
			pre = e.pools.activities[*trig.PreConditionActivity]
			if pre == nil {
				e.l.Error("trigger precondition activity not in pool, skipping trigger",
					"trigger", trig.Identifier, "pipeline", def.Configuration.Identifier,
					"activity", *trig.PreConditionActivity)
				continue
			}
		}
		instance := &TriggerInstance{
			ID:                trig.Identifier,
			PipelineID:        def.Configuration.Identifier,
			Kind:              trig.Kind,
			Frequency:         time.Duration(trig.FrequencySeconds) * time.Second,
			PreCondition:      pre,
			PreConditionField: trig.PreConditionField,
		}
		if err := e.scheduler.Register(instance); err != nil {
			e.l.Error("trigger not registered",
				"trigger", trig.Identifier, "pipeline", def.Configuration.Identifier, "error", err)
		}
	}
}

// Monitor returns the engine's SLA monitor; run it with Monitor().Run(ctx).
func (e *Engine) Monitor() *Monitor { return e.monitor }

// Scheduler returns the engine's trigger scheduler.
func (e *Engine) Scheduler() *TriggerScheduler { return e.scheduler }

// Run starts the background loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.monitor.Run(ctx)
	e.scheduler.Run(ctx)
}

// PipelineDefinition returns the live definition for an identifier.
func (e *Engine) PipelineDefinition(id uuid.UUID) (*PipelineDefinition, bool) {
	def, ok := e.pools.pipelines[id]
	return def, ok
}

// ActivityDefinition returns the live definition for an identifier.
func (e *Engine) ActivityDefinition(id uuid.UUID) (*ActivityDefinition, bool) {
	def, ok := e.pools.activities[id]
	return def, ok
}

func (e *Engine) callbackURL() string {
	return e.cfg.CallbackBaseURL + EndActivityPath
}

// noPublisher rejects topic dispatches on engines wired without a broker.
type noPublisher struct{}

func (noPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	return fmt.Errorf("no publisher configured for topic %q", topic)
}

// secondsOf converts a resolved SLA/retry seconds field.
func secondsOf(p *int) time.Duration {
	if p == nil {
		return 0
	}
	return time.Duration(*p) * time.Second
}

func intOf(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func boolOf(p *bool) bool {
	return p != nil && *p
}
