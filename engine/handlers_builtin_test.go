package engine

import (
	"context"
	"testing"

	"github.com/Jeffail/gabs/v2"
)

func TestStampPayloadHandler(t *testing.T) {
	payload := DispatchPayload{
		ActivityName:    "stamp-me",
		ExternalPayload: []byte(`{"order":"o-1"}`),
	}
	result, err := StampPayloadHandler(context.Background(), payload)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	doc, err := gabs.ParseJSON(result.ExternalPayload)
	if err != nil {
		t.Fatalf("result payload is not JSON: %v", err)
	}
	if got, _ := doc.Path("router.lastActivity").Data().(string); got != "stamp-me" {
		t.Errorf("router.lastActivity = %q, want %q", got, "stamp-me")
	}
	if _, ok := doc.Path("router.processedAt").Data().(string); !ok {
		t.Error("router.processedAt not stamped")
	}
	if got, _ := doc.Path("order").Data().(string); got != "o-1" {
		t.Errorf("original field lost: order = %q", got)
	}
}

func TestStampPayloadHandlerEmptyPayload(t *testing.T) {
	result, err := StampPayloadHandler(context.Background(), DispatchPayload{ActivityName: "first"})
	if err != nil {
		t.Fatalf("handler failed on empty payload: %v", err)
	}
	if _, err := gabs.ParseJSON(result.ExternalPayload); err != nil {
		t.Fatalf("result payload is not JSON: %v", err)
	}
}

func TestExtractPayloadHandler(t *testing.T) {
	payload := DispatchPayload{
		ExternalPayload: []byte(`{"count":"3","label":"x","nested":{"skip":"me"},"number":7}`),
	}
	result, err := ExtractPayloadHandler(context.Background(), payload)
	if err != nil {
		t.Fatalf("handler failed: %v", err)
	}
	if result.Data["count"] != "3" || result.Data["label"] != "x" {
		t.Errorf("string fields not extracted: %v", result.Data)
	}
	if _, ok := result.Data["nested"]; ok {
		t.Error("nested object extracted as instance data")
	}
	if _, ok := result.Data["number"]; ok {
		t.Error("non-string field extracted as instance data")
	}
}

func TestHandlersRejectNonJSONPayload(t *testing.T) {
	payload := DispatchPayload{ExternalPayload: []byte("not json")}
	if _, err := StampPayloadHandler(context.Background(), payload); err == nil {
		t.Error("stamp handler accepted a non-JSON payload")
	}
	if _, err := ExtractPayloadHandler(context.Background(), payload); err == nil {
		t.Error("extract handler accepted a non-JSON payload")
	}
}
