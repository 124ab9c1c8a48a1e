package models

import (
	"encoding/json"
	"testing"
)

func TestPartRoundTrip(t *testing.T) {
	parts := []Part{
		NewReasoningPart("thinking about it", "sig-abc"),
		NewTextPart("hello "),
		NewToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"main.go"}`)),
		NewToolResultPart("call_1", "read_file", json.RawMessage(`{"success":true}`)),
		NewTextPart("world"),
		NewRedactedReasoningPart("b64opaque=="),
		NewErrorPart("rate limited", "error"),
	}

	raw, err := json.Marshal(parts)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded []Part
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != len(parts) {
		t.Fatalf("got %d parts, want %d", len(decoded), len(parts))
	}
	for i, p := range decoded {
		if p.Kind != parts[i].Kind {
			t.Errorf("part %d: kind %q, want %q", i, p.Kind, parts[i].Kind)
		}
	}
	if decoded[0].Reasoning.Signature != "sig-abc" {
		t.Errorf("reasoning signature lost: %+v", decoded[0].Reasoning)
	}
	if decoded[2].ToolCall.Name != "read_file" {
		t.Errorf("tool call name lost: %+v", decoded[2].ToolCall)
	}
	if decoded[6].Error.Message != "rate limited" {
		t.Errorf("error part lost: %+v", decoded[6].Error)
	}
}

func TestPartUnknownKind(t *testing.T) {
	var p Part
	if err := json.Unmarshal([]byte(`{"type":"bogus","body":{}}`), &p); err == nil {
		t.Fatal("expected error for unknown part kind")
	}
}

func TestContentFromParts(t *testing.T) {
	parts := []Part{
		NewReasoningPart("...", ""),
		NewTextPart("foo"),
		NewToolCallPart("c1", "grep_search", json.RawMessage(`{}`)),
		NewTextPart("bar"),
	}
	if got := ContentFromParts(parts); got != "foobar" {
		t.Fatalf("content = %q, want %q", got, "foobar")
	}
}

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskStopped, true},
		{TaskRunning, TaskFailed, true},
		{TaskCompleted, TaskInitializing, true},
		{TaskStopped, TaskInitializing, true},
		{TaskCompleted, TaskArchived, true},
		{TaskArchived, TaskRunning, false},
		{TaskArchived, TaskInitializing, false},
		{TaskArchived, TaskArchived, true},
	}
	for _, tt := range tests {
		task := &Task{Status: tt.from}
		if got := task.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
