package backend

import (
	"testing"

	"github.com/vibedev/vibedev/pkg/events"
)

func TestParseCursorAssistantText(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[{"type":"text","text":"On it."}]}}`

	evs, _, err := parseCursorLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseCursorLine failed: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != events.TypeAssistantMessage {
		t.Fatalf("expected one assistant_message, got %v", evs)
	}
}

func TestParseCursorToolCall(t *testing.T) {
	raw := `{"type":"tool_call","subtype":"started","tool_call":{"name":"edit_file","args":{"path":"src/main.ts"}}}`

	evs, _, err := parseCursorLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseCursorLine failed: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if evs[0].Type != events.TypeToolUse {
		t.Errorf("expected tool_use, got %s", evs[0].Type)
	}
	if evs[0].Payload["tool"] != "edit_file" {
		t.Errorf("expected tool edit_file, got %v", evs[0].Payload["tool"])
	}
	if evs[0].Payload["status"] != "started" {
		t.Errorf("expected status started, got %v", evs[0].Payload["status"])
	}
}

func TestParseCursorResult(t *testing.T) {
	raw := `{"type":"result","subtype":"success","is_error":false,"result":"All changes applied"}`

	_, result, err := parseCursorLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseCursorLine failed: %v", err)
	}
	if result == nil || !result.Success {
		t.Fatalf("expected success result, got %+v", result)
	}
}

func TestParseCursorMalformedLine(t *testing.T) {
	_, _, err := parseCursorLine("proj-1", "sess-1", "{not json")
	if err == nil {
		t.Fatal("expected error for malformed line")
	}
}
