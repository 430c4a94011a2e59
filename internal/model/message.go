package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType is the type tag carried by every inbound websocket frame.
type EventType string

const (
	// Output channel
	EventCommandOutput         EventType = "command_output"
	EventNaturalLanguageOutput EventType = "natural_language_output"
	EventAnalysisProgress      EventType = "analysis_progress"
	EventAnalysisReport        EventType = "analysis_report"

	// Session channel
	EventSessionLoaded EventType = "session_loaded"
	EventSessionClosed EventType = "session_closed"
)

// Known reports whether t is one of the event types the backend emits.
func (t EventType) Known() bool {
	switch t {
	case EventCommandOutput, EventNaturalLanguageOutput, EventAnalysisProgress,
		EventAnalysisReport, EventSessionLoaded, EventSessionClosed:
		return true
	}
	return false
}

// ErrMalformedEnvelope is returned when a frame is not a JSON object with a
// non-empty string "type" field.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// ErrUnknownEvent is returned by Envelope.Event for types without a typed variant.
var ErrUnknownEvent = errors.New("unknown event type")

// Envelope is one inbound frame: {"type": "...", ...fields}.
// It is transient and owned by nobody once dispatch returns.
type Envelope struct {
	Type   EventType
	Fields map[string]json.RawMessage
	Raw    []byte
}

// ParseEnvelope decodes a flat JSON frame into an Envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedEnvelope)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	var t string
	if err := json.Unmarshal(rawType, &t); err != nil {
		return nil, fmt.Errorf("%w: type is not a string", ErrMalformedEnvelope)
	}
	if t == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformedEnvelope)
	}
	delete(fields, "type")

	return &Envelope{Type: EventType(t), Fields: fields, Raw: data}, nil
}

// Decode unmarshals the envelope fields into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Raw) > 0 {
		return json.Unmarshal(e.Raw, v)
	}
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Field returns the raw value of one field, or nil.
func (e *Envelope) Field(name string) json.RawMessage {
	return e.Fields[name]
}

// Event returns the typed variant for the envelope.
func (e *Envelope) Event() (Event, error) {
	var ev Event
	switch e.Type {
	case EventCommandOutput:
		ev = &CommandOutput{}
	case EventNaturalLanguageOutput:
		ev = &NaturalLanguageOutput{}
	case EventAnalysisProgress:
		ev = &AnalysisProgress{}
	case EventAnalysisReport:
		ev = &AnalysisReportEvent{}
	case EventSessionLoaded:
		ev = &SessionLoaded{}
	case EventSessionClosed:
		ev = &SessionClosed{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, e.Type)
	}
	if err := e.Decode(ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return ev, nil
}

// Event is the closed set of typed inbound events.
type Event interface {
	EventType() EventType
}

// CommandOutput is pushed after a WinDBG command ran.
type CommandOutput struct {
	Command string     `json:"command"`
	Output  string     `json:"output"`
	Success bool       `json:"success"`
	Mode    OutputMode `json:"mode"`
}

func (*CommandOutput) EventType() EventType { return EventCommandOutput }

// NaturalLanguageOutput is pushed after a natural-language request was mapped
// to a command and executed.
type NaturalLanguageOutput struct {
	Input   string     `json:"input,omitempty"`
	Command string     `json:"command"`
	Output  string     `json:"output"`
	Success bool       `json:"success"`
	Mode    OutputMode `json:"mode"`
}

func (*NaturalLanguageOutput) EventType() EventType { return EventNaturalLanguageOutput }

// AnalysisProgress reports the state of one analysis task.
type AnalysisProgress struct {
	TaskID   string          `json:"task_id"`
	Status   TaskStatus      `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func (*AnalysisProgress) EventType() EventType { return EventAnalysisProgress }

// HasResult reports whether the event carries a non-null result payload.
func (p *AnalysisProgress) HasResult() bool {
	return hasPayload(p.Result)
}

// AnalysisReportEvent carries a report produced by the synchronous report API.
type AnalysisReportEvent struct {
	Report AnalysisReport `json:"report"`
}

func (*AnalysisReportEvent) EventType() EventType { return EventAnalysisReport }

// SessionLoaded is pushed when a dump file finished loading.
type SessionLoaded struct {
	DumpFile string `json:"dump_file,omitempty"`
}

func (*SessionLoaded) EventType() EventType { return EventSessionLoaded }

// SessionClosed is pushed when the debugging session ended.
type SessionClosed struct{}

func (*SessionClosed) EventType() EventType { return EventSessionClosed }

func hasPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}
