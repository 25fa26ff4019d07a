package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// EndActivityPath is the callback route external executors must POST to.
const EndActivityPath = "/activities/end"

// DispatchPayload is what an executor receives for one activity try. The
// external payload is opaque to the engine; the token is the correlation
// the executor must echo back on the end-activity callback.
type DispatchPayload struct {
	Key ActivityExecutionKey `json:"-"`

	ExecutionToken  string          `json:"executionToken"`
	ActivityName    string          `json:"activityName"`
	ExternalPayload json.RawMessage `json:"externalPayload,omitempty"`
	CallbackURL     string          `json:"callbackUrl"`
	// TestMode tells the executor to skip real work and immediately call
	// back success. The dispatcher short-circuits it without leaving the
	// process.
	TestMode bool `json:"testMode"`
}

// DirectResult is what an in-process handler hands back; both fields are
// optional.
type DirectResult struct {
	// ExternalPayload, when non-nil, replaces the instance's payload.
	ExternalPayload []byte
	// Data is merged into the instance data map.
	Data map[string]string
}

// DirectHandler is an in-process activity executor. It runs inside the
// dispatch goroutine; its result or error becomes the end-activity call.
type DirectHandler func(ctx context.Context, payload DispatchPayload) (DirectResult, error)

// Publisher delivers event-topic dispatches to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// ActivityEnder is the callback half of the dispatch contract; the engine
// implements it.
type ActivityEnder interface {
	EndActivity(ctx context.Context, req EndActivityRequest)
}

// Dispatcher routes dispatch requests to the configured execution kind. It
// is the only component that talks to external executors, and it never
// retries: retry policy lives in the sequencer and the SLA monitor.
type Dispatcher struct {
	l         *slog.Logger
	client    *resty.Client
	publisher Publisher
	ender     ActivityEnder
}

func NewDispatcher(l *slog.Logger, publisher Publisher, ender ActivityEnder, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		l:         l,
		client:    resty.New().SetTimeout(timeout),
		publisher: publisher,
		ender:     ender,
	}
}

// Dispatch hands one activity try to its executor. Failures are logged;
// an undelivered try is recovered by the SLA monitor, not here.
func (d *Dispatcher) Dispatch(ctx context.Context, def *ActivityDefinition, payload DispatchPayload) {
	if payload.TestMode {
		d.ender.EndActivity(ctx, EndActivityRequest{Key: payload.Key, Success: true})
		return
	}

	switch def.Configuration.Kind {
	case ExecutionKindDirect:
		d.dispatchDirect(ctx, def, payload)
	case ExecutionKindHTTP:
		d.dispatchHTTP(ctx, def, payload)
	case ExecutionKindEventTopic:
		d.dispatchTopic(ctx, def, payload)
	default:
		// Unreachable: the loader rejects unknown kinds at startup.
		panic(fmt.Sprintf("dispatch: unknown execution kind %q", def.Configuration.Kind))
	}
}

func (d *Dispatcher) dispatchDirect(ctx context.Context, def *ActivityDefinition, payload DispatchPayload) {
	result, err := def.Handler(ctx, payload)
	end := EndActivityRequest{
		Key:             payload.Key,
		Success:         err == nil,
		ExternalPayload: result.ExternalPayload,
		Data:            result.Data,
	}
	if err != nil {
		end.ErrorMessage = err.Error()
	}
	d.ender.EndActivity(ctx, end)
}

func (d *Dispatcher) dispatchHTTP(ctx context.Context, def *ActivityDefinition, payload DispatchPayload) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(def.Configuration.URL)
	if err != nil {
		d.l.Error("http dispatch failed",
			"activity", def.Configuration.Identifier,
			"url", def.Configuration.URL,
			"execution", payload.Key.String(),
			"error", err)
		return
	}
	if resp.IsError() {
		d.l.Error("http dispatch rejected by executor",
			"activity", def.Configuration.Identifier,
			"url", def.Configuration.URL,
			"execution", payload.Key.String(),
			"status", resp.StatusCode())
	}
}

func (d *Dispatcher) dispatchTopic(ctx context.Context, def *ActivityDefinition, payload DispatchPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		d.l.Error("topic dispatch payload not serializable",
			"activity", def.Configuration.Identifier, "error", err)
		return
	}
	if err := d.publisher.Publish(ctx, def.Configuration.Topic, body); err != nil {
		d.l.Error("topic dispatch failed",
			"activity", def.Configuration.Identifier,
			"topic", def.Configuration.Topic,
			"execution", payload.Key.String(),
			"error", err)
	}
}

// TopicMessage is one published event-topic dispatch.
type TopicMessage struct {
	Topic string
	Body  []byte
}

// ChannelPublisher is an in-process Publisher backed by a channel. It
// stands in for a broker client in local runs and tests; consumers read
// Messages and call back end-activity like any other executor.
type ChannelPublisher struct {
	ch chan TopicMessage
}

func NewChannelPublisher(buffer int) *ChannelPublisher {
	return &ChannelPublisher{ch: make(chan TopicMessage, buffer)}
}

func (p *ChannelPublisher) Publish(ctx context.Context, topic string, body []byte) error {
	select {
	case p.ch <- TopicMessage{Topic: topic, Body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *ChannelPublisher) Messages() <-chan TopicMessage {
	return p.ch
}
