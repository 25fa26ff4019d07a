package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrTriggerKindNotImplemented is returned when a configuration selects a
// declared but unimplemented trigger kind.
var ErrTriggerKindNotImplemented = fmt.Errorf("trigger kind not implemented")

// TriggerInstance is the runtime state of one automatic pipeline starter.
type TriggerInstance struct {
	ID         uuid.UUID
	PipelineID uuid.UUID
	Kind       TriggerKind
	Frequency  time.Duration

	// PreCondition, when set, is dispatched out-of-band before each firing;
	// the pipeline only starts when the ended activity reports the
	// PreConditionField as "true" in its returned instance data.
	PreCondition      *ActivityDefinition
	PreConditionField string

	LastExecution time.Time
	NextExecution time.Time
}

// TriggerScheduler starts pipelines on timers. One loop sleeps until the
// earliest NextExecution or until pulsed (registration changes, shutdown),
// whichever comes first, bounded below by the configured minimum sleep.
type TriggerScheduler struct {
	l        *slog.Logger
	e        *Engine
	minSleep time.Duration

	mu       sync.Mutex
	triggers map[uuid.UUID]*TriggerInstance
	// pending maps outstanding precondition execution ids to their trigger,
	// so end-activity callbacks can be routed here instead of the
	// sequencer.
	pending map[uuid.UUID]uuid.UUID

	pulse chan struct{}
}

func newTriggerScheduler(l *slog.Logger, e *Engine, minSleep time.Duration) *TriggerScheduler {
	return &TriggerScheduler{
		l:        l,
		e:        e,
		minSleep: minSleep,
		triggers: make(map[uuid.UUID]*TriggerInstance),
		pending:  make(map[uuid.UUID]uuid.UUID),
		pulse:    make(chan struct{}, 1),
	}
}

// Register adds a trigger and wakes the loop so it can recompute its sleep.
// Only frequency triggers are supported; other declared kinds fail loudly.
func (s *TriggerScheduler) Register(t *TriggerInstance) error {
	if t.Kind != TriggerKindFrequency {
		return fmt.Errorf("%w: %q", ErrTriggerKindNotImplemented, t.Kind)
	}
	if t.Frequency <= 0 {
		return fmt.Errorf("trigger %s has no frequency", t.ID)
	}
	s.mu.Lock()
	t.NextExecution = time.Now().Add(t.Frequency)
	s.triggers[t.ID] = t
	s.mu.Unlock()

	s.l.Info("trigger registered",
		"trigger", t.ID, "pipeline", t.PipelineID, "frequency", t.Frequency)
	s.wake()
	return nil
}

// Unregister removes a trigger; outstanding precondition callbacks for it
// become no-ops.
func (s *TriggerScheduler) Unregister(id uuid.UUID) {
	s.mu.Lock()
	delete(s.triggers, id)
	s.mu.Unlock()
	s.l.Info("trigger unregistered", "trigger", id)
	s.wake()
}

func (s *TriggerScheduler) wake() {
	select {
	case s.pulse <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled. The wait is interruptible by both the
// pulse channel and ctx, so shutdown is prompt even mid-sleep.
func (s *TriggerScheduler) Run(ctx context.Context) {
	s.l.Info("trigger scheduler started", "minSleep", s.minSleep)
	for {
		timer := time.NewTimer(s.nextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.l.Info("trigger scheduler stopped")
			return
		case <-s.pulse:
			timer.Stop()
		case <-timer.C:
		}
		s.fireDue(ctx)
	}
}

// nextWake computes how long to sleep: until the earliest NextExecution,
// never less than the minimum sleep, and effectively forever when no
// trigger is registered.
func (s *TriggerScheduler) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.triggers) == 0 {
		return time.Hour
	}
	var earliest time.Time
	for _, t := range s.triggers {
		if earliest.IsZero() || t.NextExecution.Before(earliest) {
			earliest = t.NextExecution
		}
	}
	wait := time.Until(earliest)
	if wait < s.minSleep {
		wait = s.minSleep
	}
	return wait
}

// fireDue fires every due trigger in parallel and reschedules them.
func (s *TriggerScheduler) fireDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*TriggerInstance
	for _, t := range s.triggers {
		if !t.NextExecution.After(now) {
			t.LastExecution = now
			t.NextExecution = now.Add(t.Frequency)
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range due {
		t := t
		g.Go(func() error {
			s.fire(gctx, t)
			return nil
		})
	}
	g.Wait()
}

// fire runs one trigger: either start the pipeline outright, or dispatch
// the precondition activity and wait for its callback to decide.
func (s *TriggerScheduler) fire(ctx context.Context, t *TriggerInstance) {
	if t.PreCondition == nil {
		if _, err := s.e.StartPipeline(ctx, StartPipelineRequest{PipelineID: &t.PipelineID}); err != nil {
			s.l.Error("trigger failed to start pipeline",
				"trigger", t.ID, "pipeline", t.PipelineID, "error", err)
		}
		return
	}

	// The precondition runs outside any pipeline instance: its execution
	// key carries the trigger identifier in the instance slot.
	key := ActivityExecutionKey{
		Instance: PipelineInstanceKey{
			Hash:       t.PreCondition.Hash,
			PipelineID: t.PipelineID,
			InstanceID: t.ID,
		},
		ActivityID:  t.PreCondition.Configuration.Identifier,
		ExecutionID: uuid.New(),
	}
	s.mu.Lock()
	s.pending[key.ExecutionID] = t.ID
	s.mu.Unlock()

	s.l.Info("dispatching trigger precondition",
		"trigger", t.ID, "activity", t.PreCondition.Configuration.Name, "execution", key.ExecutionID)
	s.e.dispatcher.Dispatch(ctx, t.PreCondition, DispatchPayload{
		Key:            key,
		ExecutionToken: key.Token(),
		ActivityName:   t.PreCondition.Configuration.Name,
		CallbackURL:    s.e.callbackURL(),
		TestMode:       s.e.cfg.TestMode,
	})
}

// ownsExecution reports whether an end-activity callback belongs to an
// outstanding trigger precondition.
func (s *TriggerScheduler) ownsExecution(key ActivityExecutionKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key.ExecutionID]
	return ok
}

// OnPreConditionActivityEnd consumes a precondition callback: the pipeline
// starts only when the configured field of the returned instance data is
// "true"; anything else just leaves the trigger rescheduled.
func (s *TriggerScheduler) OnPreConditionActivityEnd(ctx context.Context, req EndActivityRequest) {
	s.mu.Lock()
	triggerID, ok := s.pending[req.Key.ExecutionID]
	delete(s.pending, req.Key.ExecutionID)
	t := s.triggers[triggerID]
	s.mu.Unlock()

	if !ok || t == nil {
		s.l.Warn("precondition callback for unknown trigger", "execution", req.Key.ExecutionID)
		return
	}
	if !req.Success {
		s.l.Warn("trigger precondition failed",
			"trigger", t.ID, "execution", req.Key.ExecutionID, "error", req.ErrorMessage)
		return
	}
	if req.Data[t.PreConditionField] != "true" {
		s.l.Debug("trigger precondition not met",
			"trigger", t.ID, "field", t.PreConditionField, "value", req.Data[t.PreConditionField])
		return
	}

	s.l.Info("trigger precondition met, starting pipeline",
		"trigger", t.ID, "pipeline", t.PipelineID)
	if _, err := s.e.StartPipeline(ctx, StartPipelineRequest{PipelineID: &t.PipelineID}); err != nil {
		s.l.Error("trigger failed to start pipeline",
			"trigger", t.ID, "pipeline", t.PipelineID, "error", err)
	}
}
