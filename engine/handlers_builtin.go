package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Jeffail/gabs/v2"
)

// BuiltinHandlers returns the direct handlers shipped with the engine,
// keyed by the name activity configurations bind to.
func BuiltinHandlers() map[string]DirectHandler {
	return map[string]DirectHandler{
		"noop":            NoopHandler,
		"payload.stamp":   StampPayloadHandler,
		"payload.extract": ExtractPayloadHandler,
	}
}

// NoopHandler succeeds without touching payload or instance data.
func NoopHandler(ctx context.Context, payload DispatchPayload) (DirectResult, error) {
	return DirectResult{}, nil
}

// StampPayloadHandler records the processing activity and timestamp under
// the "router" object of the external JSON payload.
func StampPayloadHandler(ctx context.Context, payload DispatchPayload) (DirectResult, error) {
	doc, err := parsePayload(payload.ExternalPayload)
	if err != nil {
		return DirectResult{}, err
	}
	if _, err := doc.SetP(payload.ActivityName, "router.lastActivity"); err != nil {
		return DirectResult{}, fmt.Errorf("stamping payload: %w", err)
	}
	if _, err := doc.SetP(time.Now().UTC().Format(time.RFC3339), "router.processedAt"); err != nil {
		return DirectResult{}, fmt.Errorf("stamping payload: %w", err)
	}
	return DirectResult{ExternalPayload: doc.Bytes()}, nil
}

// ExtractPayloadHandler copies the top-level string fields of the external
// JSON payload into the instance data map, where cycle-count expressions
// and trigger preconditions can see them.
func ExtractPayloadHandler(ctx context.Context, payload DispatchPayload) (DirectResult, error) {
	doc, err := parsePayload(payload.ExternalPayload)
	if err != nil {
		return DirectResult{}, err
	}
	data := make(map[string]string)
	for name, child := range doc.ChildrenMap() {
		if s, ok := child.Data().(string); ok {
			data[name] = s
		}
	}
	return DirectResult{Data: data}, nil
}

func parsePayload(raw []byte) (*gabs.Container, error) {
	if len(raw) == 0 {
		return gabs.New(), nil
	}
	doc, err := gabs.ParseJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("external payload is not JSON: %w", err)
	}
	return doc, nil
}
