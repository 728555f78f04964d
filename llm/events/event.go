// Package events carries research progress events from agents to clients.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names the kind of a progress event
type Type string

const (
	TypeStatus           Type = "status"
	TypePlan             Type = "plan"
	TypeThinkingChunk    Type = "thinking_chunk"
	TypeThinkingComplete Type = "thinking_complete"
	TypeToolCall         Type = "tool_call"
	TypeToolResult       Type = "tool_result"
	TypeToolError        Type = "tool_error"
	TypeWebSearch        Type = "web_search"
	TypeAnswerChunk      Type = "answer_chunk"
	TypeSubtaskStarted   Type = "subtask_started"
	TypeSubtaskProgress  Type = "subtask_progress"
	TypeSubtaskCompleted Type = "subtask_completed"
	TypeComplete         Type = "complete"
	TypeError            Type = "error"
)

// StatusQueued is the status field value announcing an accepted job
const StatusQueued = "queued"

// Event is an immutable progress notification
type Event struct {
	Type      Type
	Step      int
	Timestamp time.Time
	Message   string
	Fields    map[string]any
}

// New builds an event stamped with the current time. extra is copied.
func New(t Type, step int, message string, extra map[string]any) Event {
	return Event{
		Type:      t,
		Step:      step,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Fields:    copyFields(extra),
	}
}

// Terminal reports whether the event ends a job's stream
func (e Event) Terminal() bool {
	return e.Type == TypeComplete || e.Type == TypeError
}

// Field returns an extra field value or nil
func (e Event) Field(key string) any {
	return e.Fields[key]
}

// String returns an extra field as a string, or "" if absent or not a string
func (e Event) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// Int returns a numeric extra field as an int; decoded JSON numbers are float64
func (e Event) Int(key string) int {
	switch v := e.Fields[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// With returns a copy of the event with fields merged over its extras
func (e Event) With(fields map[string]any) Event {
	out := e
	out.Fields = copyFields(e.Fields)
	if out.Fields == nil && len(fields) > 0 {
		out.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		out.Fields[k] = v
	}
	return out
}

type wireEvent struct {
	Event Type           `json:"event"`
	Data  map[string]any `json:"data"`
}

// MarshalJSON encodes {"event": type, "data": {timestamp, step, message?, ...extra}}
func (e Event) MarshalJSON() ([]byte, error) {
	data := copyFields(e.Fields)
	if data == nil {
		data = make(map[string]any, 3)
	}
	data["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	data["step"] = e.Step
	if e.Message != "" {
		data["message"] = e.Message
	}
	return json.Marshal(wireEvent{Event: e.Type, Data: data})
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Event == "" {
		return fmt.Errorf("event type missing")
	}

	out := Event{Type: w.Event}
	if ts, ok := w.Data["timestamp"].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return fmt.Errorf("event timestamp: %w", err)
		}
		out.Timestamp = parsed
	}
	if step, ok := w.Data["step"].(float64); ok {
		out.Step = int(step)
	}
	out.Message, _ = w.Data["message"].(string)

	delete(w.Data, "timestamp")
	delete(w.Data, "step")
	delete(w.Data, "message")
	if len(w.Data) > 0 {
		out.Fields = w.Data
	}

	*e = out
	return nil
}

func copyFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
