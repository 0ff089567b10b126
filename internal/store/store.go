package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/model"
)

var (
	// ErrRunNotFound is returned when no run has the requested ID.
	ErrRunNotFound   = eris.New("run not found")
	ErrPhaseNotFound = eris.New("phase not found")
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	Platform     string          `json:"platform,omitempty"`
	Filename     string          `json:"filename,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the pipeline run log.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, batch model.Batch) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	UpdateRunResult(ctx context.Context, runID string, outcome *model.Outcome) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Phases
	CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error)
	CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error
	ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100
