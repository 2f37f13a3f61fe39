package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbrandolli/tandem/internal/task"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientPrompt MessageType = "client_prompt"
	TypeClientCancel MessageType = "client_cancel"
	TypeAgentEvent   MessageType = "agent_event"
	TypeLiveUpdate   MessageType = "live_update"
	TypeLiveFinal    MessageType = "live_final"
	TypeTaskState    MessageType = "task_state"
	TypeErrorEvent   MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientPrompt submits one prompt on a channel. SessionID is empty to
// start a new session and set thereafter to continue it.
type ClientPrompt struct {
	Type           MessageType `json:"type"`
	ChannelID      string      `json:"channel_id"`
	SessionID      string      `json:"session_id,omitempty"`
	ProjectPath    string      `json:"project_path,omitempty"`
	Prompt         string      `json:"prompt"`
	PermissionMode string      `json:"permission_mode,omitempty"`
	Model          string      `json:"model,omitempty"`
}

// ClientCancel requests cooperative cancellation of the session's running
// task.
type ClientCancel struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id"`
	SessionID string      `json:"session_id"`
}

// AgentEvent relays one normalized executor event to the browser.
type AgentEvent struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id,omitempty"`
	Event     task.Event  `json:"event"`
}

// LiveUpdate carries a throttled re-render of the in-flight response. The
// client replaces the message identified by MessageID in place.
type LiveUpdate struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id"`
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
}

// LiveFinal is the unthrottled last render of a turn.
type LiveFinal struct {
	Type      MessageType `json:"type"`
	ChannelID string      `json:"channel_id"`
	MessageID string      `json:"message_id"`
	Text      string      `json:"text"`
	IsError   bool        `json:"is_error,omitempty"`
}

// TaskState answers status queries and marks turn boundaries.
type TaskState struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id,omitempty"`
	Status    task.Status `json:"status"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPrompt:
		var msg ClientPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ChannelID == "" || msg.Prompt == "" {
			return nil, errors.New("invalid client_prompt")
		}
		return msg, nil
	case TypeClientCancel:
		var msg ClientCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ChannelID == "" && msg.SessionID == "" {
			return nil, errors.New("invalid client_cancel")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// NewAgentEvent wraps an executor event for the wire.
func NewAgentEvent(channelID string, ev task.Event) AgentEvent {
	return AgentEvent{Type: TypeAgentEvent, ChannelID: channelID, Event: ev}
}

func NewTaskState(sessionID, taskID string, status task.Status) TaskState {
	return TaskState{Type: TypeTaskState, SessionID: sessionID, TaskID: taskID, Status: status}
}

func NewErrorEvent(sessionID, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, SessionID: sessionID, Code: code, Retryable: retryable, Detail: detail}
}
