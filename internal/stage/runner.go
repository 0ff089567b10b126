// Package stage wraps the stored procedures and statements that advance a
// batch from one pipeline phase to the next.
package stage

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

// ErrStageTimeout is returned when a stage exceeds its deadline.
var ErrStageTimeout = eris.New("stage: timed out")

// Procedure names, resolved in <uploader_db>.public.
const (
	ProcMoveToStaging           = "move_viewership_to_staging"
	ProcNormalize               = "normalize_data_in_staging"
	ProcCalculateMetrics        = "calculate_viewership_metrics"
	ProcSetDateColumns          = "set_date_columns_dynamic"
	ProcSetDealParent           = "set_deal_parent_generic"
	ProcSetChannel              = "set_channel_generic"
	ProcSetTerritory            = "set_territory_generic"
	ProcSetDealParentNormalized = "set_deal_parent_normalized_generic"
	ProcSendUnmatchedDealsAlert = "send_unmatched_deals_alert"
	ProcSetSeriesWithExtraction = "SET_INTERNAL_SERIES_WITH_EXTRACTION"
	ProcSetInternalSeries       = "set_internal_series_generic"
	ProcAnalyzeAndProcess       = "analyze_and_process_viewership_data_generic"
	ProcSetPhase                = "set_phase_generic"
	ProcHandleFinalInsert       = "handle_final_insert_dynamic_generic"
)

const (
	loadTimestampColumn      = "LOAD_TIMESTAMP"
	defaultUnmatchedRowLimit = 500

	unmatchedRowPredicate = "(REF_ID IS NULL OR ASSET_SERIES IS NULL OR CONTENT_PROVIDER IS NULL)"
	stagingMatchedColumns = " AND REF_ID IS NOT NULL AND ASSET_SERIES IS NOT NULL AND CONTENT_PROVIDER IS NOT NULL"
)

// Runner executes pipeline stages against the warehouse.
type Runner struct {
	store   warehouse.Store
	tables  model.Tables
	timeout time.Duration
}

// New creates a Runner. A zero timeout disables the per-stage deadline.
func New(store warehouse.Store, tables model.Tables, timeout time.Duration) *Runner {
	return &Runner{store: store, tables: tables, timeout: timeout}
}

// Tables returns the tables the runner operates on.
func (r *Runner) Tables() model.Tables { return r.tables }

func (r *Runner) proc(name string) string {
	return r.tables.UploaderDatabase + ".public." + name
}

// run applies the stage deadline and names the stage in any error.
func (r *Runner) run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		if eris.Is(ctx.Err(), context.DeadlineExceeded) {
			return eris.Wrapf(ErrStageTimeout, "stage: %s exceeded %s", name, r.timeout)
		}
		return eris.Wrapf(err, "stage: %s", name)
	}

	zap.L().Debug("stage: complete",
		zap.String("stage", name),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (r *Runner) call(ctx context.Context, name, proc string, args ...any) error {
	return r.run(ctx, name, func(ctx context.Context) error {
		return r.store.Call(ctx, r.proc(proc), args...)
	})
}

// MoveToStaging copies landing rows into staging with phase 0.
func (r *Runner) MoveToStaging(ctx context.Context, b model.Batch) error {
	return r.call(ctx, "move_to_staging", ProcMoveToStaging, b.Platform, b.Filename)
}

// CopyToStaging copies already-normalized landing rows column for column
// into staging, then sets phase 0. The generated load timestamp is left for
// the staging table to fill.
func (r *Runner) CopyToStaging(ctx context.Context, b model.Batch) error {
	return r.run(ctx, "copy_to_staging", func(ctx context.Context) error {
		cols, err := r.store.Columns(ctx, r.tables.Landing)
		if err != nil {
			return err
		}

		var keep []string
		for _, c := range cols {
			if strings.EqualFold(c, loadTimestampColumn) {
				continue
			}
			if err := warehouse.ValidateIdent(c); err != nil {
				return err
			}
			keep = append(keep, c)
		}
		if len(keep) == 0 {
			return eris.Errorf("stage: no columns found for %s", r.tables.Landing)
		}

		list := strings.Join(keep, ", ")
		insert := "INSERT INTO " + r.tables.Staging + " (" + list + ")" +
			" SELECT " + list + " FROM " + r.tables.Landing +
			" WHERE platform = ? AND filename = ? AND processed IS NULL AND (phase IS NULL OR phase = '')"

		n, err := r.store.Exec(ctx, insert, b.Platform, b.Filename)
		if err != nil {
			return err
		}
		zap.L().Info("stage: copied rows to staging",
			zap.String("platform", b.Platform),
			zap.String("filename", b.Filename),
			zap.Int64("rows", n),
			zap.Int("columns", len(keep)),
		)

		return r.store.Call(ctx, r.proc(ProcSetPhase), b.Platform, string(model.PhaseStaged), b.Filename)
	})
}

// Normalize runs the staging normalization procedure (phase 1).
func (r *Runner) Normalize(ctx context.Context, b model.Batch) error {
	return r.call(ctx, "normalize", ProcNormalize, b.Platform, b.Filename)
}

// CalculateViewershipMetrics back-fills hours from minutes and vice versa.
func (r *Runner) CalculateViewershipMetrics(ctx context.Context, b model.Batch) error {
	return r.call(ctx, "calculate_viewership_metrics", ProcCalculateMetrics, b.Platform, b.Filename)
}

// SetDateColumns derives the calendar columns from the row date.
func (r *Runner) SetDateColumns(ctx context.Context, b model.Batch) error {
	return r.call(ctx, "set_date_columns", ProcSetDateColumns, b.Platform, b.Filename)
}

// enrichmentStep is one procedure of the content-reference sequence.
type enrichmentStep struct {
	proc string
	args func(b model.Batch, t model.Tables) []any
}

func platformFilename(b model.Batch, _ model.Tables) []any {
	return []any{b.Platform, b.Filename}
}

// contentReferenceSteps is the ordered enrichment sequence ending in phase 2.
var contentReferenceSteps = []enrichmentStep{
	{ProcSetDealParent, platformFilename},
	{ProcSetChannel, platformFilename},
	{ProcSetTerritory, platformFilename},
	{ProcSetDealParentNormalized, platformFilename},
	{ProcSendUnmatchedDealsAlert, platformFilename},
	{ProcSetSeriesWithExtraction, func(b model.Batch, t model.Tables) []any {
		return []any{t.Staging, "filename", b.Filename}
	}},
	{ProcSetInternalSeries, platformFilename},
	{ProcAnalyzeAndProcess, platformFilename},
	{ProcSetPhase, func(b model.Batch, _ model.Tables) []any {
		return []any{b.Platform, string(model.PhaseMatched), b.Filename}
	}},
}

// ContentReferenceProcedures lists the enrichment procedures in order.
func ContentReferenceProcedures() []string {
	out := make([]string, len(contentReferenceSteps))
	for i, s := range contentReferenceSteps {
		out[i] = s.proc
	}
	return out
}

// SetContentReferences runs the enrichment sequence. The first failing
// procedure aborts the rest.
func (r *Runner) SetContentReferences(ctx context.Context, b model.Batch) error {
	return r.run(ctx, "set_content_references", func(ctx context.Context) error {
		for _, step := range contentReferenceSteps {
			if err := r.store.Call(ctx, r.proc(step.proc), step.args(b, r.tables)...); err != nil {
				return eris.Wrapf(err, "stage: %s", step.proc)
			}
		}
		return nil
	})
}

// MoveToFinal inserts matched staging rows into the final table.
func (r *Runner) MoveToFinal(ctx context.Context, b model.Batch) error {
	return r.call(ctx, "move_to_final", ProcHandleFinalInsert, b.Platform, string(b.Type), b.Filename)
}

// MarkProcessed flags the batch's rows in table as processed. Rows already
// processed are left untouched, so repeating the call is a no-op. On the
// staging table only fully matched rows are flagged.
func (r *Runner) MarkProcessed(ctx context.Context, table, filename string) (int64, error) {
	var n int64
	err := r.run(ctx, "mark_processed", func(ctx context.Context) error {
		if err := warehouse.ValidateIdent(table); err != nil {
			return err
		}
		q := "UPDATE " + table + " SET processed = TRUE WHERE filename = ? AND processed IS NULL"
		if table == r.tables.Staging {
			q += stagingMatchedColumns
		}
		var err error
		n, err = r.store.Exec(ctx, q, filename)
		return err
	})
	if err != nil {
		return 0, err
	}
	zap.L().Info("stage: marked processed",
		zap.String("table", table),
		zap.String("filename", filename),
		zap.Int64("rows", n),
	)
	return n, nil
}

// UnmatchedRows returns up to limit staging rows of the batch still missing
// a content reference.
func (r *Runner) UnmatchedRows(ctx context.Context, b model.Batch, limit int) (*warehouse.Table, error) {
	if limit <= 0 {
		limit = defaultUnmatchedRowLimit
	}
	var out *warehouse.Table
	err := r.run(ctx, "unmatched_rows", func(ctx context.Context) error {
		q := "SELECT * FROM " + r.tables.Staging +
			" WHERE platform = ? AND filename = ? AND " + unmatchedRowPredicate +
			" LIMIT " + strconv.Itoa(limit)
		var err error
		out, err = r.store.Select(ctx, q, b.Platform, b.Filename)
		return err
	})
	return out, err
}
