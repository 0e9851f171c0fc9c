package backend

import (
	"testing"

	"github.com/vibedev/vibedev/pkg/events"
)

func TestParseClaudeAssistantText(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[{"type":"text","text":"Creating the todo app now."}]}}`

	evs, result, err := parseClaudeLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseClaudeLine failed: %v", err)
	}
	if result != nil {
		t.Fatal("text line should not produce a result")
	}
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}

	ev := evs[0]
	if ev.Type != events.TypeAssistantMessage {
		t.Errorf("expected assistant_message, got %s", ev.Type)
	}
	if ev.ProjectID != "proj-1" || ev.SessionID != "sess-1" {
		t.Errorf("event not attributed to project/session: %+v", ev)
	}
	if ev.Payload["text"] != "Creating the todo app now." {
		t.Errorf("unexpected payload text: %v", ev.Payload["text"])
	}
}

func TestParseClaudeToolUse(t *testing.T) {
	raw := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Writing the component."},` +
		`{"type":"tool_use","name":"Write","input":{"file_path":"src/App.tsx"}}]}}`

	evs, _, err := parseClaudeLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseClaudeLine failed: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}

	tool := evs[1]
	if tool.Type != events.TypeToolUse {
		t.Errorf("expected tool_use, got %s", tool.Type)
	}
	if tool.Payload["tool"] != "Write" {
		t.Errorf("expected tool Write, got %v", tool.Payload["tool"])
	}
}

func TestParseClaudeResultSuccess(t *testing.T) {
	raw := `{"type":"result","subtype":"success","is_error":false,"result":"Done."}`

	evs, result, err := parseClaudeLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseClaudeLine failed: %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("result line should emit no events, got %d", len(evs))
	}
	if result == nil {
		t.Fatal("expected a result")
	}
	if !result.Success {
		t.Error("expected success result")
	}
	if result.Message != "Done." {
		t.Errorf("unexpected result message: %q", result.Message)
	}
}

func TestParseClaudeResultError(t *testing.T) {
	raw := `{"type":"result","subtype":"error_during_execution","is_error":true,"result":""}`

	_, result, err := parseClaudeLine("proj-1", "sess-1", raw)
	if err != nil {
		t.Fatalf("parseClaudeLine failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result")
	}
	if result.Success {
		t.Error("expected failure result")
	}
	if result.Message != "error_during_execution" {
		t.Errorf("expected subtype as fallback message, got %q", result.Message)
	}
}

func TestParseClaudeMalformedLine(t *testing.T) {
	_, _, err := parseClaudeLine("proj-1", "sess-1", "npm WARN deprecated something")
	if err == nil {
		t.Fatal("expected error for non-JSON line")
	}
}

func TestParseClaudeIgnoredLines(t *testing.T) {
	for _, raw := range []string{
		`{"type":"system","subtype":"init","session_id":"abc"}`,
		`{"type":"user","message":{"content":[]}}`,
		"",
		"   ",
	} {
		evs, result, err := parseClaudeLine("proj-1", "sess-1", raw)
		if err != nil {
			t.Errorf("line %q should be ignored, got error %v", raw, err)
		}
		if len(evs) != 0 || result != nil {
			t.Errorf("line %q should produce nothing", raw)
		}
	}
}
