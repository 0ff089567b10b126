package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nosey/viewership-pipeline/internal/config"
	"github.com/nosey/viewership-pipeline/internal/lease"
	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/notify"
	"github.com/nosey/viewership-pipeline/internal/report"
	"github.com/nosey/viewership-pipeline/internal/store"
	"github.com/nosey/viewership-pipeline/internal/verify"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

// ErrGateTimeout is returned when a verification check outlives the
// stage deadline.
var ErrGateTimeout = eris.New("pipeline: gate timed out")

// Stages advances a batch through the warehouse. *stage.Runner
// implements it.
type Stages interface {
	MoveToStaging(ctx context.Context, b model.Batch) error
	CopyToStaging(ctx context.Context, b model.Batch) error
	Normalize(ctx context.Context, b model.Batch) error
	CalculateViewershipMetrics(ctx context.Context, b model.Batch) error
	SetDateColumns(ctx context.Context, b model.Batch) error
	SetContentReferences(ctx context.Context, b model.Batch) error
	MoveToFinal(ctx context.Context, b model.Batch) error
	MarkProcessed(ctx context.Context, table, filename string) (int64, error)
	UnmatchedRows(ctx context.Context, b model.Batch, limit int) (*warehouse.Table, error)
}

// Verifier runs gate checks. *verify.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, c verify.Check) model.Verification
}

// Notifier delivers uploader notifications. *notify.Mailer implements it.
type Notifier interface {
	Notify(ctx context.Context, platform string, to []string, subject, body string, att *notify.Attachment) bool
}

// Pipeline sequences stages and gates for one batch at a time.
type Pipeline struct {
	cfg      config.PipelineConfig
	tables   model.Tables
	stages   Stages
	verifier Verifier
	notifier Notifier
	store    store.Store
	leaser   lease.Leaser
}

// New creates a Pipeline. A nil leaser disables batch leasing.
func New(
	cfg config.PipelineConfig,
	tables model.Tables,
	stages Stages,
	verifier Verifier,
	notifier Notifier,
	st store.Store,
	leaser lease.Leaser,
) *Pipeline {
	if leaser == nil {
		leaser = lease.Noop{}
	}
	return &Pipeline{
		cfg:      cfg,
		tables:   tables,
		stages:   stages,
		verifier: verifier,
		notifier: notifier,
		store:    st,
		leaser:   leaser,
	}
}

// Run drives b through its route. A failed gate is reported in the
// outcome with a nil error; an operational fault returns the outcome and
// the error.
func (p *Pipeline) Run(ctx context.Context, b model.Batch) (*model.Outcome, error) {
	route := b.Route()
	log := zap.L().With(
		zap.String("platform", b.Platform),
		zap.String("filename", b.Filename),
		zap.String("route", string(route)),
	)
	log.Info("pipeline: starting batch",
		zap.String("type", string(b.Type)),
		zap.Int64("record_count", b.RecordCount),
	)

	outcome := &model.Outcome{
		Route:    route,
		Platform: b.Platform,
		Filename: b.Filename,
	}

	steps, err := Steps(route)
	if err != nil {
		outcome.Error = err.Error()
		return outcome, err
	}

	held, err := p.leaser.Acquire(ctx, b)
	if err != nil {
		outcome.Error = err.Error()
		outcome.Message = err.Error()
		log.Warn("pipeline: batch not leased", zap.Error(err))
		return outcome, eris.Wrap(err, "pipeline: lease")
	}
	defer func() {
		if relErr := held.Release(context.WithoutCancel(ctx)); relErr != nil {
			log.Warn("pipeline: failed to release lease", zap.Error(relErr))
		}
	}()

	// The run log is an audit trail; losing it never stops the batch.
	run, err := p.store.CreateRun(ctx, b)
	if err != nil {
		log.Warn("pipeline: failed to create run", zap.Error(err))
	} else {
		outcome.RunID = run.ID
		log = log.With(zap.String("run_id", run.ID))
		if statusErr := p.store.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning); statusErr != nil {
			log.Warn("pipeline: failed to update status", zap.Error(statusErr))
		}
	}

	finish := func() {
		if run == nil {
			return
		}
		if resErr := p.store.UpdateRunResult(context.WithoutCancel(ctx), run.ID, outcome); resErr != nil {
			log.Warn("pipeline: failed to record outcome", zap.Error(resErr))
		}
	}

	trackPhase := func(name string, fn func() (*model.PhaseResult, error)) (*model.PhaseResult, error) {
		var phase *model.RunPhase
		if run != nil {
			var phaseErr error
			phase, phaseErr = p.store.CreatePhase(ctx, run.ID, name)
			if phaseErr != nil {
				log.Warn("pipeline: failed to create phase", zap.String("phase", name), zap.Error(phaseErr))
			}
		}

		start := time.Now()
		phaseResult, fnErr := fn()
		duration := time.Since(start).Milliseconds()

		if phaseResult == nil {
			phaseResult = &model.PhaseResult{}
		}
		phaseResult.Name = name
		phaseResult.Duration = duration

		if fnErr != nil {
			phaseResult.Status = model.PhaseStatusFailed
			phaseResult.Error = fnErr.Error()
			log.Error("pipeline: phase failed",
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
				zap.Error(fnErr),
			)
		} else {
			if phaseResult.Status == "" {
				phaseResult.Status = model.PhaseStatusComplete
			}
			log.Info("pipeline: phase "+string(phaseResult.Status),
				zap.String("phase", name),
				zap.Int64("duration_ms", duration),
			)
		}

		if phase != nil {
			if compErr := p.store.CompletePhase(ctx, phase.ID, phaseResult); compErr != nil {
				log.Warn("pipeline: failed to complete phase", zap.String("phase", name), zap.Error(compErr))
			}
		}
		outcome.Phases = append(outcome.Phases, *phaseResult)
		return phaseResult, fnErr
	}

	env := Env{Stages: p.stages, Batch: b, Tables: p.tables}

	fault := func(stage string, err error) (*model.Outcome, error) {
		outcome.Stage = stage
		outcome.Error = err.Error()
		outcome.Message = err.Error()
		if p.cfg.NotifyOnFault {
			p.notifier.Notify(ctx, b.Platform, b.UserEmail, notify.SubjectError, faultBody(err), nil)
		}
		finish()
		return outcome, eris.Wrapf(err, "pipeline: %s", stage)
	}

	for i, step := range steps {
		if i > 0 {
			if extErr := held.Extend(ctx); extErr != nil {
				if eris.Is(extErr, lease.ErrLeaseLost) {
					log.Error("pipeline: lease lost", zap.String("phase", step.Name), zap.Error(extErr))
					return fault(step.Name, extErr)
				}
				log.Warn("pipeline: failed to extend lease", zap.Error(extErr))
			}
		}

		if step.When != nil && !step.When(b) {
			_, _ = trackPhase(step.Name, func() (*model.PhaseResult, error) {
				return &model.PhaseResult{Status: model.PhaseStatusSkipped}, nil
			})
			continue
		}

		if step.isGate() {
			v, gateErr := p.runGate(ctx, step, b, trackPhase)
			if gateErr != nil {
				return fault(step.Name, gateErr)
			}
			if outcome.Initial == nil {
				outcome.Initial = &v
			}
			if !v.Verified {
				outcome.Stage = step.Name
				outcome.Message = step.Gate.Message
				p.notifyGateFailure(ctx, step, b, v)
				finish()
				return outcome, nil
			}
			continue
		}

		_, actErr := trackPhase(step.Name, func() (*model.PhaseResult, error) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, eris.Wrap(ctxErr, "pipeline: cancelled")
			}
			meta, err := step.Action(ctx, env)
			return &model.PhaseResult{Metadata: meta}, err
		})
		if actErr != nil {
			return fault(step.Name, actErr)
		}
	}

	outcome.Verified = true
	outcome.Message = successMessage(route)
	p.notifier.Notify(ctx, b.Platform, b.UserEmail, notify.SubjectComplete, successBody(b), nil)
	finish()
	log.Info("pipeline: batch complete")
	return outcome, nil
}

const defaultGateTimeout = 5 * time.Minute

type tracker func(name string, fn func() (*model.PhaseResult, error)) (*model.PhaseResult, error)

// runGate verifies one gate under the stage deadline. Running out of time
// is a fault, not a failed verification.
func (p *Pipeline) runGate(ctx context.Context, step Step, b model.Batch, track tracker) (model.Verification, error) {
	g := step.Gate
	check := verify.Check{
		Platform: b.Platform,
		Table:    g.Destination.Table(p.tables),
		Phase:    g.Phase,
		Expected: b.RecordCount,
		Filename: b.Filename,
		Type:     b.Type,
	}
	if g.WithUnmatched {
		check.UnmatchedTable = p.tables.Unmatched
	}

	timeout := p.cfg.StageTimeout()
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}

	var v model.Verification
	_, err := track(step.Name, func() (*model.PhaseResult, error) {
		gctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		v = p.verifier.Verify(gctx, check)
		if !v.Verified && eris.Is(gctx.Err(), context.DeadlineExceeded) {
			return nil, eris.Wrapf(ErrGateTimeout, "pipeline: %s exceeded %s", step.Name, timeout)
		}
		status := model.PhaseStatusComplete
		if !v.Verified {
			status = model.PhaseStatusUnverified
		}
		return &model.PhaseResult{
			Status:       status,
			Verification: &v,
			Metadata: map[string]any{
				"destination": g.Destination.String(),
				"phase":       g.Phase.String(),
				"expected":    b.RecordCount,
			},
		}, nil
	})
	return v, err
}

func (p *Pipeline) notifyGateFailure(ctx context.Context, step Step, b model.Batch, v model.Verification) {
	g := step.Gate
	body := g.Body(b, p.tables)
	if v.Reason != "" {
		body += "\n\nReason: " + v.Reason
	}

	var att *notify.Attachment
	if g.AttachUnmatched && p.cfg.AttachUnmatched {
		att = p.unmatchedAttachment(ctx, b)
	}
	p.notifier.Notify(ctx, b.Platform, b.UserEmail, notify.SubjectError, body, att)
}

// unmatchedAttachment builds the workbook of staging rows still missing
// content references. Failures only drop the attachment.
func (p *Pipeline) unmatchedAttachment(ctx context.Context, b model.Batch) *notify.Attachment {
	log := zap.L().With(zap.String("platform", b.Platform), zap.String("filename", b.Filename))

	rows, err := p.stages.UnmatchedRows(ctx, b, p.cfg.UnmatchedRowLimit)
	if err != nil {
		log.Warn("pipeline: failed to read unmatched rows", zap.Error(err))
		return nil
	}
	if rows == nil || len(rows.Rows) == 0 {
		return nil
	}
	data, err := report.UnmatchedWorkbook(rows)
	if err != nil {
		log.Warn("pipeline: failed to build unmatched workbook", zap.Error(err))
		return nil
	}
	return &notify.Attachment{
		Filename:    report.UnmatchedFilename(b),
		ContentType: report.ContentTypeXLSX,
		Data:        data,
	}
}
