package engine_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/github-joyngroup/dokrouter/engine"
	"github.com/github-joyngroup/dokrouter/store/memory"
)

// fixture wires one engine over an in-memory store with a channel publisher,
// so tests act as the executor: they receive dispatches from the channel and
// call EndActivity like any external worker would.
type fixture struct {
	st  *memory.Store
	pub *engine.ChannelPublisher
	eng *engine.Engine
}

func newFixture(t *testing.T, cfg engine.Config, handlers map[string]engine.DirectHandler,
	activities []*engine.ActivityConfiguration, pipelines []*engine.PipelineConfiguration) *fixture {
	t.Helper()

	st := memory.New()
	for _, a := range activities {
		st.AddActivityConfiguration(a)
	}
	for _, p := range pipelines {
		st.AddPipelineConfiguration(p)
	}
	if handlers == nil {
		handlers = engine.BuiltinHandlers()
	}

	pub := engine.NewChannelPublisher(64)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(logger, cfg, st, handlers, pub)
	require.NoError(t, err)
	return &fixture{st: st, pub: pub, eng: eng}
}

func topicActivity(id uuid.UUID, name string) *engine.ActivityConfiguration {
	return &engine.ActivityConfiguration{
		Identifier: id,
		Name:       name,
		Kind:       engine.ExecutionKindEventTopic,
		Topic:      "work",
	}
}

func directActivity(id uuid.UUID, name, handler string) *engine.ActivityConfiguration {
	return &engine.ActivityConfiguration{
		Identifier:  id,
		Name:        name,
		Kind:        engine.ExecutionKindDirect,
		HandlerName: handler,
	}
}

func activityStep(order int, ids ...uuid.UUID) engine.InstructionConfiguration {
	return engine.InstructionConfiguration{
		OrderNumber: order,
		Kind:        engine.InstructionKindActivity,
		Activities:  ids,
	}
}

func cycleStep(order int, count, max string, ids ...uuid.UUID) engine.InstructionConfiguration {
	return engine.InstructionConfiguration{
		OrderNumber:     order,
		Kind:            engine.InstructionKindCycle,
		Activities:      ids,
		NumberCycles:    count,
		MaxNumberCycles: max,
	}
}

// nextDispatch blocks until the executor side of the fixture receives one
// dispatched try, with the execution key recovered from the token.
func (f *fixture) nextDispatch(t *testing.T) engine.DispatchPayload {
	t.Helper()
	select {
	case msg := <-f.pub.Messages():
		var payload engine.DispatchPayload
		require.NoError(t, json.Unmarshal(msg.Body, &payload))
		key, err := engine.ParseActivityExecutionToken(payload.ExecutionToken)
		require.NoError(t, err)
		payload.Key = key
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch")
		return engine.DispatchPayload{}
	}
}

// noDispatch asserts nothing is dispatched within the window.
func (f *fixture) noDispatch(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case msg := <-f.pub.Messages():
		t.Fatalf("unexpected dispatch on topic %s: %s", msg.Topic, msg.Body)
	case <-time.After(window):
	}
}

func (f *fixture) end(t *testing.T, payload engine.DispatchPayload, success bool, errMsg string, data map[string]string) {
	t.Helper()
	f.eng.EndActivity(context.Background(), engine.EndActivityRequest{
		Key:          payload.Key,
		Success:      success,
		ErrorMessage: errMsg,
		Data:         data,
	})
}

// waitTerminal polls until the instance lands in the terminal store.
func (f *fixture) waitTerminal(t *testing.T, key engine.PipelineInstanceKey) *engine.PipelineInstance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if inst, err := f.st.GetTerminal(context.Background(), key); err == nil {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s never reached the terminal store", key)
	return nil
}
