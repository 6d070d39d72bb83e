package pwsh

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MessageKind tags an IPCMessage.
type MessageKind string

const (
	MessageCommand MessageKind = "command"
	MessageResult  MessageKind = "result"
	MessageError   MessageKind = "error"
	MessageSystem  MessageKind = "system"
)

// IPCMessage is the uniform representation of a classified line pulled off
// the child's stdout/stderr, or of a command on its way in.
type IPCMessage struct {
	Kind          MessageKind `json:"type"`
	Payload       any         `json:"content"`
	CorrelationID string      `json:"id,omitempty"`
}

// NewCommandMessage builds a command message with a fresh correlation ID.
func NewCommandMessage(command string) IPCMessage {
	return IPCMessage{Kind: MessageCommand, Payload: command, CorrelationID: uuid.NewString()}
}

// NewResultMessage builds a result message correlated with a command.
func NewResultMessage(result any, correlationID string) IPCMessage {
	return IPCMessage{Kind: MessageResult, Payload: result, CorrelationID: correlationID}
}

// NewErrorMessage builds an error message correlated with a command.
func NewErrorMessage(err error, correlationID string) IPCMessage {
	payload := map[string]any{"message": err.Error()}
	var e *Error
	if errors.As(err, &e) {
		payload["kind"] = e.Kind.String()
		if e.Detail != "" {
			payload["detail"] = e.Detail
		}
	}
	return IPCMessage{Kind: MessageError, Payload: payload, CorrelationID: correlationID}
}

// NewSystemMessage builds a system message (protocol events, diagnostics).
func NewSystemMessage(text string) IPCMessage {
	return IPCMessage{Kind: MessageSystem, Payload: text}
}

// Serialize encodes the message as a single JSON line.
func (m IPCMessage) Serialize() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", wrapError(KindCommunication, err, "failed to serialize message")
	}
	return string(data), nil
}

// DeserializeMessage decodes a JSON line into an IPCMessage.
func DeserializeMessage(data string) (IPCMessage, error) {
	var m IPCMessage
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return IPCMessage{}, wrapError(KindCommunication, err, "failed to deserialize message")
	}
	switch m.Kind {
	case MessageCommand, MessageResult, MessageError, MessageSystem:
	default:
		return IPCMessage{}, newError(KindCommunication, "invalid message type %q", m.Kind)
	}
	return m, nil
}

// ParseOutputLine interprets one raw output line as a protocol message.
// JSON objects deserialize as full messages, "ERROR:"-prefixed lines become
// error messages, and marker lines become system messages. Plain output
// returns ok=false.
func ParseOutputLine(line string) (IPCMessage, bool) {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if m, err := DeserializeMessage(trimmed); err == nil {
			return m, true
		}
	}

	if rest, ok := strings.CutPrefix(trimmed, "ERROR:"); ok {
		return IPCMessage{
			Kind:    MessageError,
			Payload: map[string]any{"message": strings.TrimSpace(rest)},
		}, true
	}

	switch trimmed {
	case MarkerReady, MarkerSuccess, MarkerError:
		return NewSystemMessage(trimmed), true
	}

	return IPCMessage{}, false
}

// String renders the message for logs.
func (m IPCMessage) String() string {
	return fmt.Sprintf("%s[%s]", m.Kind, m.CorrelationID)
}
