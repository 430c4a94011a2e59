package model

import (
	"encoding/json"
	"fmt"
)

// ─────────────────────────────────────────────
// HTTP Request / Response (backend REST surface)
// ─────────────────────────────────────────────

// OutputMode selects how command output is presented and whether it is analysed.
type OutputMode string

const (
	ModeSmart OutputMode = "smart"
	ModeRaw   OutputMode = "raw"
	ModeBoth  OutputMode = "both"
)

// ParseOutputMode validates s, defaulting to smart when empty.
func ParseOutputMode(s string) (OutputMode, error) {
	switch OutputMode(s) {
	case "":
		return ModeSmart, nil
	case ModeSmart, ModeRaw, ModeBoth:
		return OutputMode(s), nil
	}
	return "", fmt.Errorf("invalid output mode %q (want smart, raw or both)", s)
}

// Analysed reports whether output in this mode is fed to the analyser.
func (m OutputMode) Analysed() bool {
	return m == ModeSmart || m == ModeBoth
}

// CommandRequest is the body of POST /api/command/execute.
type CommandRequest struct {
	Command string     `json:"command"`
	Mode    OutputMode `json:"mode"`
}

// NaturalRequest is the body of POST /api/command/natural.
type NaturalRequest struct {
	Input string     `json:"input"`
	Mode  OutputMode `json:"mode"`
}

// CommandResult is returned by both command endpoints.
type CommandResult struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Command string `json:"command"`
	Error   string `json:"error,omitempty"`
}

// AnalyzeRequest is the body of POST /api/analysis/report.
type AnalyzeRequest struct {
	RawOutput string `json:"raw_output"`
	Command   string `json:"command"`
}

// AnalyzeAsyncRequest is the body of POST /api/analysis/analyze-async.
type AnalyzeAsyncRequest struct {
	RawOutput string `json:"raw_output"`
	Command   string `json:"command"`
	UseCache  bool   `json:"use_cache"`
	Streaming bool   `json:"streaming"`
}

// AnalyzeAsyncResponse carries the server-issued task identifier.
type AnalyzeAsyncResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

// AckResponse is the generic {success, message} reply.
type AckResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LoadDumpRequest is the body of POST /api/session/load.
type LoadDumpRequest struct {
	Filepath string `json:"filepath"`
}

// SessionStatus mirrors GET /api/session/status.
type SessionStatus struct {
	State           string  `json:"state"`
	DumpFile        *string `json:"dump_file"`
	DisplayMode     string  `json:"display_mode"`
	SessionActive   bool    `json:"session_active"`
	SessionPID      *int    `json:"session_pid"`
	WindbgAvailable bool    `json:"windbg_available"`
}

// HistoryResponse mirrors GET /api/session/history.
type HistoryResponse struct {
	History []string `json:"history"`
}

// ErrorResponse is the backend's error body.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// TaskSnapshot is the task dict returned by GET /api/analysis/task/{id}.
// Timestamps are kept as strings: the backend emits naive ISO-8601 values.
type TaskSnapshot struct {
	TaskID          string            `json:"task_id"`
	Status          TaskStatus        `json:"status"`
	Progress        int               `json:"progress"`
	Message         string            `json:"message"`
	Result          json.RawMessage   `json:"result,omitempty"`
	Error           *string           `json:"error,omitempty"`
	ThinkingHistory []ThinkingSnippet `json:"thinking_history,omitempty"`
	CreatedAt       string            `json:"created_at,omitempty"`
	StartedAt       *string           `json:"started_at,omitempty"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
}

// ThinkingSnippet is one thinking_history entry on the wire.
type ThinkingSnippet struct {
	Timestamp string `json:"timestamp"`
	Content   string `json:"content"`
}

// AsProgress converts the snapshot into the same shape as a pushed progress event,
// so both sources go through one code path.
func (s *TaskSnapshot) AsProgress() *AnalysisProgress {
	p := &AnalysisProgress{
		TaskID:   s.TaskID,
		Status:   s.Status,
		Progress: s.Progress,
		Message:  s.Message,
		Result:   s.Result,
	}
	if s.Error != nil {
		p.Error = *s.Error
	}
	return p
}
