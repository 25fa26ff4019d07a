package engine

import (
	"time"

	"github.com/google/uuid"
)

// PipelineInstance is the mutable root of one running pipeline. All fields
// are mutated only while holding the instance's lock in the engine's lock
// table; the store persists whatever state the sequencer produced.
type PipelineInstance struct {
	Key           PipelineInstanceKey `json:"key"`
	Name          string              `json:"name"`
	TransactionID uuid.UUID           `json:"transactionId"`

	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ErroredAt    *time.Time `json:"erroredAt,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	SLAMoment    time.Time     `json:"slaMoment"`
	SLAExpiredBy time.Duration `json:"slaExpiredBy,omitempty"`

	// ExternalPayload is opaque to the engine and handed untouched to every
	// dispatched activity. Executors may replace it on EndActivity.
	ExternalPayload []byte `json:"externalPayload,omitempty"`

	InstructionPointer int                          `json:"instructionPointer"`
	Instructions       map[int]*InstructionInstance `json:"instructions"`

	// Data is the instance-scoped variable map, written by activity
	// callbacks and read by cycle-count expressions.
	Data map[string]string `json:"data"`
}

// Finished reports whether the instance reached a terminal state.
func (p *PipelineInstance) Finished() bool {
	return p.FinishedAt != nil || p.ErroredAt != nil
}

// InstructionInstance is the per-instruction execution state of a pipeline
// instance: the scan position within the step's activity list, the cycle
// position and bound, and the activity slots recorded per cycle.
type InstructionInstance struct {
	ActivityIndex int `json:"activityIndex"`
	CycleCounter  int `json:"cycleCounter"`
	CycleBound    int `json:"cycleBound"`

	Cycles map[int]map[uuid.UUID]*ActivityInstance `json:"cycles"`
}

func newInstructionInstance(bound int) *InstructionInstance {
	return &InstructionInstance{
		CycleBound: bound,
		Cycles:     make(map[int]map[uuid.UUID]*ActivityInstance),
	}
}

// slots returns the activity slot map for one cycle, creating it on first
// access.
func (ii *InstructionInstance) slots(cycle int) map[uuid.UUID]*ActivityInstance {
	m, ok := ii.Cycles[cycle]
	if !ok {
		m = make(map[uuid.UUID]*ActivityInstance)
		ii.Cycles[cycle] = m
	}
	return m
}

// ActivityInstance is one logical activity slot within a cycle. A slot stays
// open across retries; it is closed on success, on retry exhaustion, or when
// synthesized for an activity missing from the pool.
type ActivityInstance struct {
	Hash string `json:"hash"`
	Name string `json:"name"`

	StartedAt    time.Time     `json:"startedAt"`
	SLAMoment    time.Time     `json:"slaMoment"`
	SLAExpiredBy time.Duration `json:"slaExpiredBy,omitempty"`

	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	// NotFound marks a synthetic slot recorded for an activity identifier
	// absent from the pool.
	NotFound bool `json:"notFound,omitempty"`

	Executions []*ActivityExecution `json:"executions"`
}

// openExecution returns the still-open try, or nil. At most one try is open
// at a time; starting a new try force-closes any leftover open one first.
func (a *ActivityInstance) openExecution() *ActivityExecution {
	for i := len(a.Executions) - 1; i >= 0; i-- {
		if a.Executions[i].EndedAt == nil {
			return a.Executions[i]
		}
	}
	return nil
}

func (a *ActivityInstance) lastExecution() *ActivityExecution {
	if len(a.Executions) == 0 {
		return nil
	}
	return a.Executions[len(a.Executions)-1]
}

// ActivityExecution is one dispatch attempt of an activity slot.
type ActivityExecution struct {
	Key ActivityExecutionKey `json:"key"`

	StartedAt    time.Time     `json:"startedAt"`
	SLAMoment    time.Time     `json:"slaMoment"`
	SLAExpiredBy time.Duration `json:"slaExpiredBy,omitempty"`

	EndedAt      *time.Time `json:"endedAt,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"errorMessage,omitempty"`

	// Superseded marks a try force-closed because a newer try started; it
	// counts toward the retry budget but is not an executor failure.
	Superseded bool `json:"superseded,omitempty"`
}
