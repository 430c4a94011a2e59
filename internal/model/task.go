package model

import (
	"encoding/json"
	"time"
)

// ─────────────────────────────────────────────
// Task State Machine
// ─────────────────────────────────────────────

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusError     TaskStatus = "error"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are accepted from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusError || s == TaskStatusCancelled
}

// Rank orders lifecycle stages: pending < running < terminal.
func (s TaskStatus) Rank() int {
	switch s {
	case TaskStatusPending:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusError, TaskStatusCancelled:
		return 2
	}
	return -1
}

// Source says which path reported a task update.
type Source string

const (
	SourceSubmit Source = "submit"
	SourcePush   Source = "push"
	SourcePoll   Source = "poll"
)

// ThinkingEntry is one streamed reasoning chunk of a running analysis.
type ThinkingEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
}

// TaskRecord is the tracked state of one asynchronous analysis.
type TaskRecord struct {
	TaskID          string          `json:"task_id"`
	Status          TaskStatus      `json:"status"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	ThinkingHistory []ThinkingEntry `json:"thinking_history,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Source          Source          `json:"source,omitempty"`
}

// Report decodes the completed result as an AnalysisReport.
func (r *TaskRecord) Report() (*AnalysisReport, error) {
	if !hasPayload(r.Result) {
		return nil, nil
	}
	var rep AnalysisReport
	if err := json.Unmarshal(r.Result, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// Clone returns a deep copy safe to hand to listeners.
func (r TaskRecord) Clone() TaskRecord {
	out := r
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.ThinkingHistory != nil {
		out.ThinkingHistory = append([]ThinkingEntry(nil), r.ThinkingHistory...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// AnalysisReport is the structured crash analysis produced by the backend.
type AnalysisReport struct {
	Summary              string   `json:"summary"`
	CrashType            string   `json:"crash_type"`
	ExceptionCode        string   `json:"exception_code"`
	ExceptionAddress     string   `json:"exception_address"`
	ExceptionDescription string   `json:"exception_description"`
	RootCause            string   `json:"root_cause"`
	Suggestions          []string `json:"suggestions"`
	Confidence           float64  `json:"confidence"`
}
