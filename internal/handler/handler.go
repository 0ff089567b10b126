package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nosey/viewership-pipeline/internal/archive"
	"github.com/nosey/viewership-pipeline/internal/lease"
	"github.com/nosey/viewership-pipeline/internal/model"
)

// Runner drives one batch. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, b model.Batch) (*model.Outcome, error)
}

// Body is the invocation result returned to the caller.
type Body struct {
	Message           string `json:"message,omitempty"`
	VerifyPhaseResult *bool  `json:"verifyPhaseResult,omitempty"`
	Error             string `json:"error,omitempty"`
	Stage             string `json:"stage,omitempty"`
	RunID             string `json:"run_id,omitempty"`
}

// Response is the invocation envelope.
type Response struct {
	StatusCode int  `json:"statusCode"`
	Body       Body `json:"body"`
}

// Handler turns raw events into pipeline runs. By default every response
// carries status 200 and the body tells success from failure; strict mode
// maps failures onto HTTP status codes.
type Handler struct {
	runner   Runner
	archiver archive.Archiver
	strict   bool
}

// New creates a Handler. archiver may be nil.
func New(runner Runner, archiver archive.Archiver, strict bool) *Handler {
	return &Handler{runner: runner, archiver: archiver, strict: strict}
}

func (h *Handler) status(code int) int {
	if h.strict {
		return code
	}
	return http.StatusOK
}

// Handle decodes raw and runs the batch. It never panics.
func (h *Handler) Handle(ctx context.Context, raw []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("handler: recovered panic", zap.Any("panic", r), zap.Stack("stack"))
			resp = Response{
				StatusCode: h.status(http.StatusInternalServerError),
				Body:       Body{Error: fmt.Sprintf("internal error: %v", r)},
			}
		}
	}()

	b, err := ParseEvent(raw)
	if err != nil {
		zap.L().Warn("handler: rejected event", zap.Error(err))
		return Response{
			StatusCode: h.status(http.StatusBadRequest),
			Body:       Body{Error: err.Error()},
		}
	}
	return h.HandleBatch(ctx, b)
}

// HandleBatch runs an already decoded batch.
func (h *Handler) HandleBatch(ctx context.Context, b model.Batch) Response {
	zap.L().Info("handler: invoked",
		zap.String("platform", b.Platform),
		zap.String("filename", b.Filename),
		zap.String("type", string(b.Type)),
		zap.String("domain", b.Domain),
		zap.String("territory", b.Territory),
		zap.String("channel", b.Channel),
		zap.String("year", b.Year),
		zap.String("quarter", b.Quarter),
		zap.String("month", b.Month),
		zap.Int64("record_count", b.RecordCount),
		zap.String("job_type", b.JobType),
	)

	outcome, err := h.runner.Run(ctx, b)
	h.archive(ctx, outcome)

	if err != nil {
		zap.L().Error("handler: pipeline fault",
			zap.String("platform", b.Platform),
			zap.String("filename", b.Filename),
			zap.Error(err),
		)
		body := Body{Error: err.Error()}
		if outcome != nil {
			body.Stage = outcome.Stage
			body.RunID = outcome.RunID
			if outcome.Error != "" {
				body.Error = outcome.Error
			}
		}
		code := http.StatusInternalServerError
		if eris.Is(err, lease.ErrBatchInFlight) {
			code = http.StatusConflict
		}
		return Response{StatusCode: h.status(code), Body: body}
	}

	if !outcome.Verified {
		return Response{
			StatusCode: h.status(http.StatusUnprocessableEntity),
			Body: Body{
				Message: outcome.Message,
				Stage:   outcome.Stage,
				RunID:   outcome.RunID,
			},
		}
	}

	body := Body{Message: outcome.Message, RunID: outcome.RunID}
	if outcome.Initial != nil {
		verified := outcome.Initial.Verified
		body.VerifyPhaseResult = &verified
	}
	return Response{StatusCode: http.StatusOK, Body: body}
}

func (h *Handler) archive(ctx context.Context, outcome *model.Outcome) {
	if h.archiver == nil || outcome == nil {
		return
	}
	key, err := h.archiver.Archive(context.WithoutCancel(ctx), outcome)
	if err != nil {
		zap.L().Warn("handler: archive outcome failed",
			zap.String("platform", outcome.Platform),
			zap.String("filename", outcome.Filename),
			zap.Error(err),
		)
		return
	}
	zap.L().Debug("handler: outcome archived", zap.String("key", key))
}
