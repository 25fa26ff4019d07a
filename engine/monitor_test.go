package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/github-joyngroup/dokrouter/engine"
)

func TestMonitorRedrivesExpiredTry(t *testing.T) {
	a := uuid.New()
	pipeline := uuid.New()

	f := newFixture(t, engine.Config{}, nil,
		[]*engine.ActivityConfiguration{{
			Identifier: a,
			Name:       "slow",
			Kind:       engine.ExecutionKindEventTopic,
			Topic:      "work",
			CommonConfigurations: &engine.CommonConfigurations{
				ActivityTrySLASeconds: intPtr(0),
				RetryOnSLAExpired:     boolPtr(true),
				MaxRetries:            intPtr(3),
			},
		}},
		[]*engine.PipelineConfiguration{{
			Identifier:   pipeline,
			Name:         "monitored",
			Instructions: []engine.InstructionConfiguration{activityStep(1, a)},
		}},
	)

	key, err := f.eng.StartPipeline(context.Background(), engine.StartPipelineRequest{PipelineID: &pipeline})
	require.NoError(t, err)

	first := f.nextDispatch(t)
	time.Sleep(20 * time.Millisecond)

	f.eng.Monitor().Sweep(context.Background())

	second := f.nextDispatch(t)
	require.NotEqual(t, first.Key.ExecutionID, second.Key.ExecutionID)

	inst, err := f.st.GetRunning(context.Background(), key)
	require.NoError(t, err)
	slot := inst.Instructions[0].Cycles[0][a]
	require.Len(t, slot.Executions, 2)
	stale := slot.Executions[0]
	require.True(t, stale.Superseded)
	require.NotNil(t, stale.EndedAt)
	require.False(t, stale.Success)
	require.Greater(t, stale.SLAExpiredBy, time.Duration(0))

	// The stale try's callback is now late and must change nothing.
	f.end(t, first, true, "", nil)
	require.Equal(t, 1, f.st.CountRunning())

	f.end(t, second, true, "", nil)
	inst = f.waitTerminal(t, key)
	require.NotNil(t, inst.FinishedAt)
}

func TestMonitorLeavesExpiredTryWhenRetryDisabled(t *testing.T) {
	a := uuid.New()
	pipeline := uuid.New()

	f := newFixture(t, engine.Config{}, nil,
		[]*engine.ActivityConfiguration{{
			Identifier: a,
			Name:       "slow",
			Kind:       engine.ExecutionKindEventTopic,
			Topic:      "work",
			CommonConfigurations: &engine.CommonConfigurations{
				ActivityTrySLASeconds: intPtr(0),
				RetryOnSLAExpired:     boolPtr(false),
			},
		}},
		[]*engine.PipelineConfiguration{{
			Identifier:   pipeline,
			Name:         "patient",
			Instructions: []engine.InstructionConfiguration{activityStep(1, a)},
			CommonConfigurations: &engine.CommonConfigurations{
				PipelineSLASeconds: intPtr(0),
			},
		}},
	)

	key, err := f.eng.StartPipeline(context.Background(), engine.StartPipelineRequest{PipelineID: &pipeline})
	require.NoError(t, err)

	payload := f.nextDispatch(t)
	time.Sleep(20 * time.Millisecond)

	f.eng.Monitor().Sweep(context.Background())
	f.noDispatch(t, 150*time.Millisecond)

	inst, err := f.st.GetRunning(context.Background(), key)
	require.NoError(t, err)
	require.Greater(t, inst.SLAExpiredBy, time.Duration(0))
	slot := inst.Instructions[0].Cycles[0][a]
	require.Len(t, slot.Executions, 1)
	require.Nil(t, slot.Executions[0].EndedAt)
	require.Greater(t, slot.Executions[0].SLAExpiredBy, time.Duration(0))

	// A late real completion still lands.
	f.end(t, payload, true, "", nil)
	inst = f.waitTerminal(t, key)
	require.NotNil(t, inst.FinishedAt)
}
