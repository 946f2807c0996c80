package types

import (
	"encoding/json"
	"testing"
)

func TestEvent_FlatWireFormat(t *testing.T) {
	ev := NewEvent(EventToolCallResult, &ExecutionContext{AgentID: "agent-1", Depth: 1}, &ToolCallResultData{
		CallID: "call-1",
		Result: "ok",
	})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatalf("Unmarshal into map failed: %v", err)
	}

	if flat["type"] != string(EventToolCallResult) {
		t.Errorf("type = %v, want %s", flat["type"], EventToolCallResult)
	}
	if flat["version"] != CurrentEventVersion {
		t.Errorf("version = %v, want %s", flat["version"], CurrentEventVersion)
	}
	if flat["callID"] != "call-1" {
		t.Errorf("callID not hoisted to top level: %v", flat)
	}
	if _, nested := flat["data"]; nested {
		t.Errorf("payload should not be nested under \"data\": %v", flat)
	}
}

func TestUnmarshalEvent_RoundTrip(t *testing.T) {
	ev := NewEvent(EventToolCallStart, nil, &ToolCallStartData{CallID: "call-9", Name: "bash"})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalEvent failed: %v", err)
	}

	payload, ok := decoded.Data.(*ToolCallStartData)
	if !ok {
		t.Fatalf("Data has wrong type: %T", decoded.Data)
	}
	if payload.CallID != "call-9" || payload.Name != "bash" {
		t.Errorf("payload mismatch: %+v", payload)
	}
}

func TestUnmarshalEvent_UnknownTypeIsForwardCompatible(t *testing.T) {
	raw := []byte(`{"type":"SOME_FUTURE_EVENT","version":"2.0","futureField":"x"}`)

	decoded, err := UnmarshalEvent(raw)
	if err != nil {
		t.Fatalf("expected unknown event type to decode, got error: %v", err)
	}
	if decoded.Type != "SOME_FUTURE_EVENT" {
		t.Errorf("type = %v", decoded.Type)
	}
	payload, ok := decoded.Data.(*map[string]any)
	if !ok {
		t.Fatalf("expected fallback map payload, got %T", decoded.Data)
	}
	if (*payload)["futureField"] != "x" {
		t.Errorf("fallback payload missing field: %v", *payload)
	}
}

func TestClientToolInvokeResponseData_RoundTrip(t *testing.T) {
	ev := NewEvent(EventClientToolInvokeResponse, nil, &ClientToolInvokeResponseData{
		RequestID: "req-1",
		Content: []ContentItem{
			&TextContent{Type: "text", Text: "result text"},
		},
		Success: true,
		Augmentation: &Augmentation{
			ShowTools: []string{"edit"},
		},
	})

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("UnmarshalEvent failed: %v", err)
	}

	payload, ok := decoded.Data.(*ClientToolInvokeResponseData)
	if !ok {
		t.Fatalf("Data has wrong type: %T", decoded.Data)
	}
	if len(payload.Content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(payload.Content))
	}
	text, ok := payload.Content[0].(*TextContent)
	if !ok || text.Text != "result text" {
		t.Errorf("content mismatch: %+v", payload.Content[0])
	}
	if payload.Augmentation == nil || len(payload.Augmentation.ShowTools) != 1 || payload.Augmentation.ShowTools[0] != "edit" {
		t.Errorf("augmentation mismatch: %+v", payload.Augmentation)
	}
}

func TestExecutionState_CloneIsIndependent(t *testing.T) {
	orig := NewExecutionState()
	orig.CompletedToolCallIDs["call-1"] = true
	orig.MiddlewareState["permission"] = map[string]any{"asked": true}

	clone := orig.Clone()
	clone.CompletedToolCallIDs["call-2"] = true
	clone.MiddlewareState["permission"]["asked"] = false

	if _, ok := orig.CompletedToolCallIDs["call-2"]; ok {
		t.Error("mutating clone leaked into original CompletedToolCallIDs")
	}
	if orig.MiddlewareState["permission"]["asked"] != true {
		t.Error("mutating clone leaked into original MiddlewareState")
	}
}
