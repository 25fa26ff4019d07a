package engine

import (
	"context"
	"log/slog"
	"time"
)

// Monitor is the SLA sweep: a periodic pass over all running instances
// that detects expired pipelines, activities and tries, and asks the
// sequencer to re-drive expired tries. It never performs state transitions
// itself beyond stamping the diagnostic expired-by durations; everything
// else funnels through StartActivity so the per-instance single-writer
// discipline holds.
type Monitor struct {
	l        *slog.Logger
	e        *Engine
	interval time.Duration
	pageSize int
}

func newMonitor(l *slog.Logger, e *Engine, interval time.Duration, pageSize int) *Monitor {
	return &Monitor{l: l, e: e, interval: interval, pageSize: pageSize}
}

// Run ticks until ctx is cancelled. The current sweep finishes before the
// loop exits.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.l.Info("sla monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.l.Info("sla monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass. Exported so operators (and tests) can force a
// sweep outside the tick schedule.
func (m *Monitor) Sweep(ctx context.Context) {
	// Accumulating all pages before inspecting keeps the store scan short;
	// it does not scale to very large running sets.
	var instances []*PipelineInstance
	for offset := 0; ; offset += m.pageSize {
		page, err := m.e.store.ListRunning(ctx, offset, m.pageSize)
		if err != nil {
			m.l.Error("listing running instances failed", "offset", offset, "error", err)
			return
		}
		instances = append(instances, page...)
		if len(page) < m.pageSize {
			break
		}
	}

	for _, inst := range instances {
		if m.inspect(ctx, inst.Key) {
			m.e.StartActivity(ctx, inst.Key)
		}
	}
}

// inspect stamps expiry diagnostics on one instance and reports whether the
// current try expired under a retry-on-expiry policy.
func (m *Monitor) inspect(ctx context.Context, key PipelineInstanceKey) bool {
	lk := m.e.locks.get(key)
	if lk == nil {
		return false
	}
	lk.Lock()
	defer lk.Unlock()

	inst := m.e.running.get(key)
	if inst == nil {
		return false
	}

	now := time.Now()
	if now.After(inst.SLAMoment) {
		inst.SLAExpiredBy = now.Sub(inst.SLAMoment)
		m.l.Warn("pipeline sla expired",
			"instance", key, "name", inst.Name, "expiredBy", inst.SLAExpiredBy)
	}

	def := m.e.pools.resolvePipeline(ctx, key.PipelineID, key.Hash)
	if def == nil {
		return false
	}
	instructions := def.Configuration.Instructions
	if inst.InstructionPointer < 0 || inst.InstructionPointer >= len(instructions) {
		return false
	}
	ii := inst.Instructions[inst.InstructionPointer]
	if ii == nil {
		return false
	}
	instr := instructions[inst.InstructionPointer]
	if ii.ActivityIndex >= len(instr.Activities) {
		return false
	}

	// Execution is sequential, so only the activity at the scan position of
	// the current instruction can be live; everything before it is already
	// resolved.
	activityID := instr.Activities[ii.ActivityIndex]
	ai := ii.Cycles[ii.CycleCounter][activityID]
	if ai == nil || ai.EndedAt != nil {
		return false
	}

	if now.After(ai.SLAMoment) {
		ai.SLAExpiredBy = now.Sub(ai.SLAMoment)
		m.l.Warn("activity sla expired",
			"instance", key, "activity", ai.Name, "expiredBy", ai.SLAExpiredBy)
	}

	open := ai.openExecution()
	if open == nil || !now.After(open.SLAMoment) {
		return false
	}
	open.SLAExpiredBy = now.Sub(open.SLAMoment)

	actDef := m.e.pools.resolveActivity(ctx, activityID, key.Hash)
	if actDef == nil {
		return false
	}
	common := def.Common.Override(actDef.Configuration.CommonConfigurations)
	if !boolOf(common.RetryOnSLAExpired) {
		m.l.Warn("activity try sla expired, retry on expiry disabled",
			"instance", key, "activity", ai.Name, "execution", open.Key.ExecutionID,
			"expiredBy", open.SLAExpiredBy)
		return false
	}

	m.l.Warn("activity try sla expired, re-driving",
		"instance", key, "activity", ai.Name, "execution", open.Key.ExecutionID,
		"expiredBy", open.SLAExpiredBy)
	return true
}
