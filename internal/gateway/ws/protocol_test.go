package ws

import (
	"encoding/json"
	"testing"
)

func TestMarshalUnmarshal_RequestFrame(t *testing.T) {
	params, _ := json.Marshal(map[string]string{"run_id": "run_1"})
	orig := Frame{
		Type:   FrameTypeRequest,
		ID:     "req-1",
		Method: string(MethodRunStatus),
		Params: params,
	}

	data, err := MarshalFrame(orig)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if got.Type != FrameTypeRequest {
		t.Fatalf("expected type %q, got %q", FrameTypeRequest, got.Type)
	}
	if got.ID != "req-1" {
		t.Fatalf("expected id %q, got %q", "req-1", got.ID)
	}
	if got.Method != string(MethodRunStatus) {
		t.Fatalf("expected method %q, got %q", MethodRunStatus, got.Method)
	}

	var p map[string]string
	if err := json.Unmarshal(got.Params, &p); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if p["run_id"] != "run_1" {
		t.Fatalf("expected params.run_id %q, got %q", "run_1", p["run_id"])
	}
}

func TestMarshalUnmarshal_EventFrame(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"task_id": "build"})
	orig := Frame{
		Type:    FrameTypeEvent,
		Event:   "task.passed",
		RunID:   "run_abc",
		Payload: payload,
	}

	data, err := MarshalFrame(orig)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}

	got, err := UnmarshalFrame(data)
	if err != nil {
		t.Fatalf("UnmarshalFrame: %v", err)
	}

	if got.Type != FrameTypeEvent {
		t.Fatalf("expected type %q, got %q", FrameTypeEvent, got.Type)
	}
	if got.Event != "task.passed" {
		t.Fatalf("expected event %q, got %q", "task.passed", got.Event)
	}
	if got.RunID != "run_abc" {
		t.Fatalf("expected run_id %q, got %q", "run_abc", got.RunID)
	}
}

func TestNewEventFrame(t *testing.T) {
	f, err := NewEventFrame("run.started", "run_42", map[string]string{"tasks": "3"})
	if err != nil {
		t.Fatalf("NewEventFrame: %v", err)
	}
	if f.Type != FrameTypeEvent {
		t.Fatalf("expected type %q, got %q", FrameTypeEvent, f.Type)
	}
	if f.Event != "run.started" {
		t.Fatalf("expected event %q, got %q", "run.started", f.Event)
	}
	if f.RunID != "run_42" {
		t.Fatalf("expected run_id %q, got %q", "run_42", f.RunID)
	}

	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["tasks"] != "3" {
		t.Fatalf("expected payload.tasks %q, got %q", "3", p["tasks"])
	}
}

func TestNewResponseFrame_OK(t *testing.T) {
	f, err := NewResponseFrame("req-5", true, map[string]string{"status": "running"}, "")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.Type != FrameTypeResponse {
		t.Fatalf("expected type %q, got %q", FrameTypeResponse, f.Type)
	}
	if f.ID != "req-5" {
		t.Fatalf("expected id %q, got %q", "req-5", f.ID)
	}
	if f.OK == nil || !*f.OK {
		t.Fatal("expected ok=true")
	}
	if f.Error != "" {
		t.Fatalf("expected no error, got %q", f.Error)
	}

	var p map[string]string
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p["status"] != "running" {
		t.Fatalf("expected payload.status %q, got %q", "running", p["status"])
	}
}

func TestNewResponseFrame_Error(t *testing.T) {
	f, err := NewResponseFrame("req-6", false, nil, "run not found")
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if f.OK == nil || *f.OK {
		t.Fatal("expected ok=false")
	}
	if f.Error != "run not found" {
		t.Fatalf("expected error %q, got %q", "run not found", f.Error)
	}
	if f.Payload != nil {
		t.Fatalf("expected nil payload, got %s", string(f.Payload))
	}
}
