package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartPipelineRequest asks the engine to start one pipeline instance.
type StartPipelineRequest struct {
	// PipelineID selects the pipeline; nil falls back to the engine's
	// configured default.
	PipelineID *uuid.UUID
	// TransactionID correlates pipelines run together; nil allocates one.
	TransactionID *uuid.UUID
	// Payload is the opaque external payload handed to every activity.
	Payload []byte
}

// EndActivityRequest is the callback every executor sends exactly once per
// dispatched try. Duplicates and late arrivals are tolerated as no-ops.
type EndActivityRequest struct {
	Key          ActivityExecutionKey
	Success      bool
	ErrorMessage string
	// ExternalPayload, when non-nil, replaces the instance payload.
	ExternalPayload []byte
	// Data is merged key-wise into the instance data map.
	Data map[string]string
}

const supersededMessage = "superseded by new execution"

// StartPipeline allocates a new pipeline instance and immediately asks the
// sequencer for its first activity.
func (e *Engine) StartPipeline(ctx context.Context, req StartPipelineRequest) (PipelineInstanceKey, error) {
	id := req.PipelineID
	if id == nil {
		id = e.cfg.DefaultPipeline
	}
	if id == nil {
		e.l.Error("start pipeline request without pipeline identifier and no default configured")
		return PipelineInstanceKey{}, ErrNoPipeline
	}
	def, ok := e.pools.pipelines[*id]
	if !ok {
		e.l.Error("start pipeline request for unknown pipeline", "pipeline", *id)
		return PipelineInstanceKey{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, *id)
	}

	transaction := uuid.New()
	if req.TransactionID != nil {
		transaction = *req.TransactionID
	}

	now := time.Now()
	inst := &PipelineInstance{
		Key: PipelineInstanceKey{
			Hash:       def.Hash,
			PipelineID: def.Configuration.Identifier,
			InstanceID: uuid.New(),
		},
		Name:            def.Configuration.Name,
		TransactionID:   transaction,
		StartedAt:       now,
		SLAMoment:       now.Add(secondsOf(def.Common.PipelineSLASeconds)),
		ExternalPayload: req.Payload,
		Instructions:    make(map[int]*InstructionInstance),
		Data:            make(map[string]string),
	}

	e.locks.create(inst.Key)
	e.running.put(inst)
	if err := e.store.SaveRunning(ctx, inst); err != nil {
		e.l.Error("persisting new pipeline instance failed", "instance", inst.Key, "error", err)
	}
	e.l.Info("pipeline started",
		"pipeline", def.Configuration.Identifier,
		"name", def.Configuration.Name,
		"instance", inst.Key.InstanceID,
		"transaction", transaction)

	e.StartActivity(ctx, inst.Key)
	return inst.Key, nil
}

// advanceOutcome is what one locked pass over an instance decided. Acting
// on it (dispatching, finishing, erroring) happens after the lock is
// released.
type advanceOutcome struct {
	dispatch *ActivityDefinition
	payload  DispatchPayload
	finish   bool
	errorMsg string
	failed   bool
}

// StartActivity (re)evaluates the named instance and starts whatever runs
// next. It is the single entry point for first dispatch, retries, SLA
// re-drives and the operator escape hatch.
func (e *Engine) StartActivity(ctx context.Context, key PipelineInstanceKey) {
	lk := e.locks.get(key)
	if lk == nil {
		e.l.Warn("start activity for unknown or finished instance", "instance", key)
		return
	}

	lk.Lock()
	outcome := e.advance(ctx, key)
	lk.Unlock()

	switch {
	case outcome.failed:
		e.ErrorPipeline(ctx, key, outcome.errorMsg)
	case outcome.finish:
		e.FinishPipeline(ctx, key)
	case outcome.dispatch != nil:
		go e.dispatcher.Dispatch(context.WithoutCancel(ctx), outcome.dispatch, outcome.payload)
	}
}

// advance walks the instruction list from the instruction pointer and finds
// the next unit of work. Caller holds the instance lock.
func (e *Engine) advance(ctx context.Context, key PipelineInstanceKey) advanceOutcome {
	def := e.pools.resolvePipeline(ctx, key.PipelineID, key.Hash)
	if def == nil {
		e.l.Error("pipeline definition not resolvable", "instance", key)
		return advanceOutcome{}
	}
	inst := e.running.get(key)
	if inst == nil {
		e.l.Warn("instance no longer running", "instance", key)
		return advanceOutcome{}
	}

	instructions := def.Configuration.Instructions
	if inst.InstructionPointer < 0 || inst.InstructionPointer > len(instructions) {
		return advanceOutcome{failed: true, errorMsg: fmt.Sprintf(
			"instruction pointer %d out of range for %d instructions",
			inst.InstructionPointer, len(instructions))}
	}

	for {
		if inst.InstructionPointer >= len(instructions) {
			return advanceOutcome{finish: true}
		}
		instr := instructions[inst.InstructionPointer]

		switch instr.Kind {
		case InstructionKindActivity, InstructionKindCycle:
		default:
			return advanceOutcome{failed: true, errorMsg: fmt.Sprintf(
				"instruction %d kind %q not implemented", inst.InstructionPointer, instr.Kind)}
		}

		ii, ok := inst.Instructions[inst.InstructionPointer]
		if !ok {
			ii = newInstructionInstance(cycleBound(instr, inst.Data, e.cfg.MaxCycles))
			inst.Instructions[inst.InstructionPointer] = ii
		}

		if ii.CycleCounter >= ii.CycleBound {
			inst.InstructionPointer++
			continue
		}
		if ii.ActivityIndex >= len(instr.Activities) {
			ii.ActivityIndex = 0
			ii.CycleCounter++
			continue
		}

		activityID := instr.Activities[ii.ActivityIndex]
		slots := ii.slots(ii.CycleCounter)
		ai := slots[activityID]

		if ai != nil && ai.EndedAt != nil {
			ii.ActivityIndex++
			continue
		}

		actDef := e.pools.resolveActivity(ctx, activityID, key.Hash)
		if actDef == nil {
			e.recordMissingActivity(key, ii, slots, activityID, ai)
			ii.ActivityIndex++
			continue
		}

		common := def.Common.Override(actDef.Configuration.CommonConfigurations)
		now := time.Now()

		if ai == nil {
			ai = &ActivityInstance{
				Hash:      actDef.Hash,
				Name:      actDef.Configuration.Name,
				StartedAt: now,
				SLAMoment: now.Add(secondsOf(common.ActivitySLASeconds)),
			}
			slots[activityID] = ai
		} else {
			if open := ai.openExecution(); open != nil {
				open.EndedAt = &now
				open.Success = false
				open.Superseded = true
				open.ErrorMessage = supersededMessage
				e.l.Warn("superseding open activity execution",
					"instance", key, "activity", activityID, "execution", open.Key.ExecutionID)
			} else if last := ai.lastExecution(); last != nil && !last.Success && !last.Superseded && !boolOf(common.RetryOnError) {
				return advanceOutcome{failed: true, errorMsg: fmt.Sprintf(
					"activity %s failed and retry on error is disabled: %s",
					actDef.Configuration.Name, last.ErrorMessage)}
			}
			if len(ai.Executions) >= intOf(common.MaxRetries)+1 {
				return advanceOutcome{failed: true, errorMsg: fmt.Sprintf(
					"retries exhausted for activity %s after %d executions",
					actDef.Configuration.Name, len(ai.Executions))}
			}
		}

		exec := &ActivityExecution{
			Key: ActivityExecutionKey{
				Instance:    key,
				ActivityID:  activityID,
				ExecutionID: uuid.New(),
				Cycle:       ii.CycleCounter,
			},
			StartedAt: now,
			SLAMoment: now.Add(secondsOf(common.ActivityTrySLASeconds)),
		}
		ai.Executions = append(ai.Executions, exec)

		if err := e.store.SaveRunning(ctx, inst); err != nil {
			e.l.Error("persisting instance before dispatch failed", "instance", key, "error", err)
		}
		e.l.Info("activity execution starting",
			"instance", key,
			"activity", actDef.Configuration.Name,
			"execution", exec.Key.ExecutionID,
			"cycle", ii.CycleCounter,
			"try", len(ai.Executions))

		return advanceOutcome{
			dispatch: actDef,
			payload: DispatchPayload{
				Key:             exec.Key,
				ExecutionToken:  exec.Key.Token(),
				ActivityName:    actDef.Configuration.Name,
				ExternalPayload: inst.ExternalPayload,
				CallbackURL:     e.callbackURL(),
				TestMode:        e.cfg.TestMode,
			},
		}
	}
}

// recordMissingActivity synthesizes a terminal failed slot for an activity
// identifier absent from the pool, so the step is recorded and the scan can
// move past it.
func (e *Engine) recordMissingActivity(key PipelineInstanceKey, ii *InstructionInstance, slots map[uuid.UUID]*ActivityInstance, activityID uuid.UUID, ai *ActivityInstance) {
	now := time.Now()
	if ai == nil {
		ai = &ActivityInstance{
			Hash:      key.Hash,
			Name:      activityID.String(),
			StartedAt: now,
			SLAMoment: now,
			NotFound:  true,
		}
		slots[activityID] = ai
	}
	ai.EndedAt = &now
	ai.Success = false
	ai.NotFound = true
	ai.ErrorMessage = "activity definition not found in pool"
	if open := ai.openExecution(); open != nil {
		open.EndedAt = &now
		open.Success = false
		open.ErrorMessage = ai.ErrorMessage
	}
	if len(ai.Executions) == 0 {
		ai.Executions = append(ai.Executions, &ActivityExecution{
			Key: ActivityExecutionKey{
				Instance:    key,
				ActivityID:  activityID,
				ExecutionID: uuid.New(),
				Cycle:       ii.CycleCounter,
			},
			StartedAt:    now,
			SLAMoment:    now,
			EndedAt:      &now,
			Success:      false,
			ErrorMessage: ai.ErrorMessage,
		})
	}
	e.l.Warn("activity not found in pool, skipping slot",
		"instance", key, "activity", activityID, "cycle", ii.CycleCounter)
}

// EndActivity is the callback contract. Guard failures (unknown execution,
// duplicate or late callback) are logged no-ops so executors can be naive
// about redelivery.
func (e *Engine) EndActivity(ctx context.Context, req EndActivityRequest) {
	if e.scheduler != nil && e.scheduler.ownsExecution(req.Key) {
		e.scheduler.OnPreConditionActivityEnd(ctx, req)
		return
	}

	key := req.Key.Instance
	lk := e.locks.get(key)
	if lk == nil {
		e.l.Warn("end activity for unknown or finished instance", "execution", req.Key)
		return
	}

	lk.Lock()
	proceed := e.applyEnd(ctx, req)
	lk.Unlock()

	if proceed {
		e.StartActivity(ctx, key)
	}
}

// applyEnd records one end-activity callback. Caller holds the instance
// lock; the return value says whether the sequencer should advance.
func (e *Engine) applyEnd(ctx context.Context, req EndActivityRequest) bool {
	key := req.Key.Instance
	if def := e.pools.resolvePipeline(ctx, key.PipelineID, key.Hash); def == nil {
		e.l.Warn("end activity for unresolvable pipeline version", "execution", req.Key)
		return false
	}
	inst := e.running.get(key)
	if inst == nil {
		e.l.Warn("end activity for instance no longer running", "execution", req.Key)
		return false
	}

	ai, exec := findExecution(inst, req.Key)
	switch {
	case exec == nil:
		e.l.Warn("end activity for unknown execution", "execution", req.Key)
		return false
	case exec.EndedAt != nil:
		e.l.Warn("duplicate end activity callback", "execution", req.Key)
		return false
	case ai.EndedAt != nil:
		e.l.Warn("late end activity callback for ended activity", "execution", req.Key)
		return false
	}

	now := time.Now()
	exec.EndedAt = &now
	exec.Success = req.Success
	exec.ErrorMessage = req.ErrorMessage

	ai.ErrorMessage = req.ErrorMessage
	if req.Success {
		ai.EndedAt = &now
		ai.Success = true
	}

	for k, v := range req.Data {
		inst.Data[k] = v
	}
	if req.ExternalPayload != nil {
		inst.ExternalPayload = req.ExternalPayload
	}

	if err := e.store.SaveRunning(ctx, inst); err != nil {
		e.l.Error("persisting instance after end activity failed", "instance", key, "error", err)
	}
	e.l.Info("activity execution ended",
		"instance", key,
		"activity", ai.Name,
		"execution", req.Key.ExecutionID,
		"success", req.Success)
	return true
}

// findExecution locates an execution by exact key within an instance.
func findExecution(inst *PipelineInstance, key ActivityExecutionKey) (*ActivityInstance, *ActivityExecution) {
	for _, ii := range inst.Instructions {
		slots, ok := ii.Cycles[key.Cycle]
		if !ok {
			continue
		}
		ai, ok := slots[key.ActivityID]
		if !ok {
			continue
		}
		for _, exec := range ai.Executions {
			if exec.Key == key {
				return ai, exec
			}
		}
	}
	return nil, nil
}

// FinishPipeline moves an instance that walked off the end of its
// instruction list to the terminal store. Idempotent against an already
// removed instance.
func (e *Engine) FinishPipeline(ctx context.Context, key PipelineInstanceKey) {
	e.terminate(ctx, key, "", false)
}

// ErrorPipeline moves a failed instance to the terminal store, stamping the
// error moment and message. Idempotent against an already removed instance.
func (e *Engine) ErrorPipeline(ctx context.Context, key PipelineInstanceKey, message string) {
	e.terminate(ctx, key, message, true)
}

func (e *Engine) terminate(ctx context.Context, key PipelineInstanceKey, message string, failed bool) {
	lk := e.locks.get(key)
	if lk == nil {
		e.l.Warn("terminating instance that is already gone", "instance", key)
		return
	}
	lk.Lock()
	defer lk.Unlock()

	inst := e.running.get(key)
	if inst == nil {
		e.l.Warn("terminating instance that is already gone", "instance", key)
		return
	}

	now := time.Now()
	if failed {
		inst.ErroredAt = &now
		inst.ErrorMessage = message
		e.l.Error("pipeline errored", "instance", key, "name", inst.Name, "error", message)
	} else {
		inst.FinishedAt = &now
		e.l.Info("pipeline finished", "instance", key, "name", inst.Name,
			"duration", now.Sub(inst.StartedAt))
	}

	if err := e.store.SaveTerminal(ctx, inst); err != nil {
		e.l.Error("persisting terminal instance failed", "instance", key, "error", err)
	}
	if err := e.store.DeleteRunning(ctx, key); err != nil {
		e.l.Error("removing instance from running store failed", "instance", key, "error", err)
	}
	e.running.remove(key)
	e.locks.remove(key)
}
