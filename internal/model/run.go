package model

import "time"

// RunStatus represents the current state of a pipeline invocation.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusComplete   RunStatus = "complete"
	RunStatusUnverified RunStatus = "unverified"
	RunStatusFailed     RunStatus = "failed"
)

// Run represents a single pipeline invocation for a batch.
type Run struct {
	ID        string    `json:"id"`
	Batch     Batch     `json:"batch"`
	Route     Route     `json:"route"`
	Status    RunStatus `json:"status"`
	Result    *Outcome  `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunPhase represents one step within a run.
type RunPhase struct {
	ID        string       `json:"id"`
	RunID     string       `json:"run_id"`
	Name      string       `json:"name"`
	Status    PhaseStatus  `json:"status"`
	Result    *PhaseResult `json:"result,omitempty"`
	StartedAt time.Time    `json:"started_at"`
}

// PhaseStatus represents the current state of a run step.
type PhaseStatus string

const (
	PhaseStatusRunning    PhaseStatus = "running"
	PhaseStatusComplete   PhaseStatus = "complete"
	PhaseStatusUnverified PhaseStatus = "unverified"
	PhaseStatusFailed     PhaseStatus = "failed"
	PhaseStatusSkipped    PhaseStatus = "skipped"
)

// PhaseResult holds the outcome of a run step.
type PhaseResult struct {
	Name         string         `json:"name"`
	Status       PhaseStatus    `json:"status"`
	Duration     int64          `json:"duration_ms"`
	Verification *Verification  `json:"verification,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Outcome is the final result of a pipeline invocation. A failed gate is a
// normal outcome (Verified false, Error empty); an operational fault sets
// Error.
type Outcome struct {
	RunID    string        `json:"run_id,omitempty"`
	Route    Route         `json:"route"`
	Platform string        `json:"platform"`
	Filename string        `json:"filename"`
	Verified bool          `json:"verified"`
	Stage    string        `json:"stage,omitempty"`
	Message  string        `json:"message"`
	Error    string        `json:"error,omitempty"`
	Initial  *Verification `json:"initial,omitempty"`
	Phases   []PhaseResult `json:"phases,omitempty"`
}

// Status maps the outcome to its run status.
func (o *Outcome) Status() RunStatus {
	switch {
	case o.Error != "":
		return RunStatusFailed
	case !o.Verified:
		return RunStatusUnverified
	default:
		return RunStatusComplete
	}
}
