package task

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

type EventKind string

const (
	EventSessionInit     EventKind = "session_init"
	EventText            EventKind = "text"
	EventToolUse         EventKind = "tool_use"
	EventToolResult      EventKind = "tool_result"
	EventAskUserQuestion EventKind = "ask_user_question"
	EventResult          EventKind = "result"
	EventError           EventKind = "error"
	EventTaskStatus      EventKind = "task_status"
)

// Question is one entry of an ask_user_question tool invocation. Transports
// that cannot answer inline still surface it to the user.
type Question struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
}

// Event is one normalized occurrence in a task's stream. A single flat shape
// keyed by Kind keeps the log, the live stream and the websocket payloads
// structurally identical.
type Event struct {
	Kind EventKind `json:"kind"`

	// session_init
	SessionID   string `json:"session_id,omitempty"`
	IsNew       bool   `json:"is_new,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`

	// text / tool_use
	Content string          `json:"content,omitempty"`
	Model   string          `json:"model,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`

	// tool_use / tool_result / ask_user_question
	ToolUseID string     `json:"tool_use_id,omitempty"`
	IsError   bool       `json:"is_error,omitempty"`
	Questions []Question `json:"questions,omitempty"`

	// result
	Subtype  string        `json:"subtype,omitempty"`
	Result   string        `json:"result,omitempty"`
	CostUSD  float64       `json:"cost_usd,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// task_status
	Status Status `json:"status,omitempty"`
	TaskID string `json:"task_id,omitempty"`

	At time.Time `json:"at"`
}

// Task tracks one session's execution attempts. The record is reused across
// turns; TaskID and Status are regenerated per invocation while Results
// accumulates for the session's whole lifetime.
type Task struct {
	ID        string    `json:"task_id"`
	SessionID string    `json:"session_id,omitempty"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time,omitempty"`
	Error     string    `json:"error,omitempty"`
	Results   []Event   `json:"results,omitempty"`
}

func (t Task) Clone() Task {
	out := t
	if t.Results != nil {
		out.Results = make([]Event, len(t.Results))
		copy(out.Results, t.Results)
	}
	return out
}
