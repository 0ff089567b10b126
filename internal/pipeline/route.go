package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/nosey/viewership-pipeline/internal/model"
)

// Destination names the table a gate counts against.
type Destination int

const (
	Landing Destination = iota
	Staging
	Final
)

// Table resolves the destination to a fully qualified table name.
func (d Destination) Table(t model.Tables) string {
	switch d {
	case Landing:
		return t.Landing
	case Staging:
		return t.Staging
	case Final:
		return t.Final
	}
	return ""
}

func (d Destination) String() string {
	switch d {
	case Landing:
		return "landing"
	case Staging:
		return "staging"
	case Final:
		return "final"
	}
	return "unknown"
}

// ParseDestination is the inverse of Destination.String.
func ParseDestination(s string) (Destination, error) {
	for _, d := range []Destination{Landing, Staging, Final} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, eris.Errorf("pipeline: unknown destination %q", s)
}

// Env is what an action sees of the pipeline.
type Env struct {
	Stages Stages
	Batch  model.Batch
	Tables model.Tables
}

// Action advances a batch through one stage. The returned metadata is
// recorded on the run phase.
type Action func(ctx context.Context, env Env) (map[string]any, error)

// Gate is a verification check that must pass before the route advances.
type Gate struct {
	Destination   Destination
	Phase         model.Phase
	WithUnmatched bool

	// Message is returned to the caller when the gate fails.
	Message string
	// Body renders the failure notification.
	Body func(b model.Batch, t model.Tables) string
	// AttachUnmatched adds a workbook of unmatched staging rows to the
	// failure notification.
	AttachUnmatched bool
}

// Step is one row of a route table. Exactly one of Action and Gate is set.
type Step struct {
	Name   string
	Action Action
	Gate   *Gate
	// When, if set, skips the step for batches it rejects.
	When func(b model.Batch) bool
}

func (s Step) isGate() bool { return s.Gate != nil }

// Steps returns the route table for r.
func Steps(r model.Route) ([]Step, error) {
	switch r {
	case model.RouteLegacy:
		return legacySteps, nil
	case model.RoutePreNormalized:
		return preNormalizedSteps, nil
	default:
		return nil, eris.Errorf("pipeline: unknown route %q", r)
	}
}

func moveToStaging(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.MoveToStaging(ctx, env.Batch)
}

func copyToStaging(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.CopyToStaging(ctx, env.Batch)
}

func normalize(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.Normalize(ctx, env.Batch)
}

func calculateMetrics(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.CalculateViewershipMetrics(ctx, env.Batch)
}

func setDateColumns(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.SetDateColumns(ctx, env.Batch)
}

func setContentReferences(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.SetContentReferences(ctx, env.Batch)
}

func moveToFinal(ctx context.Context, env Env) (map[string]any, error) {
	return nil, env.Stages.MoveToFinal(ctx, env.Batch)
}

func markProcessed(d Destination) Action {
	return func(ctx context.Context, env Env) (map[string]any, error) {
		table := d.Table(env.Tables)
		n, err := env.Stages.MarkProcessed(ctx, table, env.Batch.Filename)
		if err != nil {
			return nil, err
		}
		return map[string]any{"table": table, "rows": n}, nil
	}
}

func mentionsViewership(b model.Batch) bool { return b.Type.MentionsViewership() }

var legacySteps = []Step{
	{Name: "verify_landing", Gate: &Gate{
		Destination: Landing, Phase: model.PhaseNone,
		Message: "Unable to verify intial lambda verfication phase",
		Body:    legacyLandingBody,
	}},
	{Name: "move_to_staging", Action: moveToStaging},
	{Name: "verify_staging", Gate: &Gate{
		Destination: Staging, Phase: model.PhaseStaged,
		Message: "Unable to verify phase while moving the data to staging",
		Body:    legacyStagingBody,
	}},
	{Name: "mark_landing_processed", Action: markProcessed(Landing)},
	{Name: "normalize", Action: normalize},
	{Name: "verify_normalized", Gate: &Gate{
		Destination: Staging, Phase: model.PhaseNormalized,
		Message: "Unable to verify phase 1 after normalizing the data",
		Body:    legacyNormalizedBody,
	}},
	{Name: "set_content_references", Action: setContentReferences},
	{Name: "verify_matched", Gate: &Gate{
		Destination: Staging, Phase: model.PhaseMatched,
		Message:         "Unable to verify phase 2 after setting content references",
		Body:            legacyMatchedBody,
		AttachUnmatched: true,
	}},
	{Name: "move_to_final", Action: moveToFinal},
	{Name: "verify_final", Gate: &Gate{
		Destination: Final, Phase: model.PhaseMatched, WithUnmatched: true,
		Message: "Unable to complete final verify phase while moving to final table",
		Body:    finalBody,
	}},
	{Name: "mark_staging_processed", Action: markProcessed(Staging)},
}

var preNormalizedSteps = []Step{
	{Name: "verify_landing", Gate: &Gate{
		Destination: Landing, Phase: model.PhaseNone,
		Message: "Unable to verify data in upload_db",
		Body:    preNormalizedLandingBody,
	}},
	{Name: "copy_to_staging", Action: copyToStaging},
	{Name: "verify_staging", Gate: &Gate{
		Destination: Staging, Phase: model.PhaseStaged,
		Message: "Unable to verify phase 0",
		Body:    preNormalizedStagingBody,
	}},
	{Name: "mark_landing_processed", Action: markProcessed(Landing)},
	{Name: "calculate_viewership_metrics", Action: calculateMetrics, When: mentionsViewership},
	{Name: "set_date_columns", Action: setDateColumns},
	{Name: "set_content_references", Action: setContentReferences},
	{Name: "verify_matched", Gate: &Gate{
		Destination: Staging, Phase: model.PhaseMatched,
		Message:         "Unable to verify phase 2",
		Body:            preNormalizedMatchedBody,
		AttachUnmatched: true,
	}},
	{Name: "move_to_final", Action: moveToFinal},
	{Name: "verify_final", Gate: &Gate{
		Destination: Final, Phase: model.PhaseMatched, WithUnmatched: true,
		Message: "Unable to complete final verify phase",
		Body:    finalBody,
	}},
	{Name: "mark_staging_processed", Action: markProcessed(Staging)},
}
