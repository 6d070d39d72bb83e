package pwsh

import (
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	m := NewCommandMessage("Get-Date")
	if m.CorrelationID == "" {
		t.Fatal("command message must carry a correlation ID")
	}

	line, err := m.Serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}

	decoded, err := DeserializeMessage(line)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if decoded.Kind != MessageCommand {
		t.Errorf("expected command kind, got %q", decoded.Kind)
	}
	if decoded.Payload != "Get-Date" {
		t.Errorf("expected payload %q, got %v", "Get-Date", decoded.Payload)
	}
	if decoded.CorrelationID != m.CorrelationID {
		t.Errorf("correlation ID lost in round trip")
	}
}

func TestDeserializeRejectsUnknownKind(t *testing.T) {
	_, err := DeserializeMessage(`{"type": "bogus", "content": "x"}`)
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
	if !IsCommunication(err) {
		t.Errorf("expected communication error, got %v", err)
	}
}

func TestNewErrorMessageCarriesKind(t *testing.T) {
	cause := &Error{Kind: KindTimeout, Message: "too slow", Detail: "partial output"}
	m := NewErrorMessage(cause, "abc-123")
	payload, ok := m.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", m.Payload)
	}
	if payload["kind"] != "timeout" {
		t.Errorf("expected kind timeout, got %v", payload["kind"])
	}
	if payload["detail"] != "partial output" {
		t.Errorf("expected detail to carry through, got %v", payload["detail"])
	}
	if m.CorrelationID != "abc-123" {
		t.Errorf("correlation ID not set")
	}
}

func TestParseOutputLine(t *testing.T) {
	if m, ok := ParseOutputLine(`{"type": "result", "content": "done", "id": "x"}`); !ok || m.Kind != MessageResult {
		t.Errorf("JSON line should parse as result message, got %v %v", m, ok)
	}

	m, ok := ParseOutputLine("ERROR: something broke")
	if !ok || m.Kind != MessageError {
		t.Fatalf("ERROR line should parse as error message, got %v %v", m, ok)
	}
	payload := m.Payload.(map[string]any)
	if !strings.Contains(payload["message"].(string), "something broke") {
		t.Errorf("error text lost: %v", payload)
	}

	if m, ok := ParseOutputLine(MarkerReady); !ok || m.Kind != MessageSystem {
		t.Errorf("marker line should parse as system message, got %v %v", m, ok)
	}

	if _, ok := ParseOutputLine("plain output line"); ok {
		t.Error("plain output should not parse as a protocol message")
	}
}
