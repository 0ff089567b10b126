package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nosey/viewership-pipeline/internal/config"
	"github.com/nosey/viewership-pipeline/internal/lease"
	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/notify"
	"github.com/nosey/viewership-pipeline/internal/report"
	"github.com/nosey/viewership-pipeline/internal/verify"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

var testTables = model.Tables{
	UploaderDatabase: "UPLOAD_DB",
	Landing:          "UPLOAD_DB.PUBLIC.platform_viewership",
	Staging:          "TEST_STAGING.PUBLIC.platform_viewership",
	Final:            "EPISODE_DB.PUBLIC.episode_details",
	Unmatched:        "META_DB.PUBLIC.reprocessing_log",
}

var recipients = []string{"ops@example.com"}

func legacyBatch() model.Batch {
	return model.Batch{
		Platform:    "Pluto",
		Filename:    "pluto_q1.csv",
		Type:        model.UploadTypeViewership,
		Domain:      "AVOD",
		RecordCount: 100,
		TotHOV:      12.5,
		UserEmail:   recipients,
	}
}

func streamlitBatch(t model.UploadType) model.Batch {
	b := legacyBatch()
	b.Type = t
	b.JobType = model.JobTypeStreamlit
	return b
}

type fixture struct {
	stages   *mockStages
	verifier *mockVerifier
	notifier *mockNotifier
	store    *mockStore

	mu     sync.Mutex
	checks []verify.Check
}

func newFixture() *fixture {
	f := &fixture{
		stages:   new(mockStages),
		verifier: new(mockVerifier),
		notifier: new(mockNotifier),
		store:    new(mockStore),
	}

	f.store.On("CreateRun", mock.Anything, mock.Anything).Return(&model.Run{ID: "run-1"}, nil).Maybe()
	f.store.On("UpdateRunStatus", mock.Anything, "run-1", model.RunStatusRunning).Return(nil).Maybe()
	f.store.On("CreatePhase", mock.Anything, "run-1", mock.Anything).Return(&model.RunPhase{ID: "phase-1"}, nil).Maybe()
	f.store.On("CompletePhase", mock.Anything, "phase-1", mock.Anything).Return(nil).Maybe()
	f.store.On("UpdateRunResult", mock.Anything, "run-1", mock.Anything).Return(nil).Maybe()

	for _, name := range []string{
		"MoveToStaging", "CopyToStaging", "Normalize", "CalculateViewershipMetrics",
		"SetDateColumns", "SetContentReferences", "MoveToFinal",
	} {
		f.stages.On(name, mock.Anything, mock.Anything).Return(nil).Maybe()
	}
	f.stages.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(int64(100), nil).Maybe()

	f.notifier.On("Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(true).Maybe()
	return f
}

// failGate makes the check against (table, phase) fail. Call before passGates.
func (f *fixture) failGate(table string, phase model.Phase, reason string) {
	f.verifier.On("Verify", mock.Anything, mock.MatchedBy(func(c verify.Check) bool {
		return c.Table == table && c.Phase == phase
	})).Run(f.recordCheck).Return(model.Verification{Verified: false, Reason: reason})
}

func (f *fixture) passGates() {
	f.verifier.On("Verify", mock.Anything, mock.Anything).Run(f.recordCheck).Return(model.Verification{Verified: true})
}

func (f *fixture) recordCheck(args mock.Arguments) {
	f.mu.Lock()
	f.checks = append(f.checks, args.Get(1).(verify.Check))
	f.mu.Unlock()
}

func (f *fixture) pipeline(cfg config.PipelineConfig) *Pipeline {
	return New(cfg, testTables, f.stages, f.verifier, f.notifier, f.store, nil)
}

func defaultCfg() config.PipelineConfig {
	return config.PipelineConfig{NotifyOnFault: true, AttachUnmatched: true, UnmatchedRowLimit: 500}
}

func phaseNames(o *model.Outcome) []string {
	names := make([]string, len(o.Phases))
	for i, ph := range o.Phases {
		names[i] = ph.Name
	}
	return names
}

// --- Legacy route ---

func TestRun_LegacyHappyPath(t *testing.T) {
	f := newFixture()
	f.passGates()

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
	require.NoError(t, err)

	assert.True(t, out.Verified)
	assert.Equal(t, model.RouteLegacy, out.Route)
	assert.Equal(t, MessageLegacyComplete, out.Message)
	assert.Equal(t, "run-1", out.RunID)
	require.NotNil(t, out.Initial)
	assert.True(t, out.Initial.Verified)
	assert.Equal(t, model.RunStatusComplete, out.Status())

	assert.Equal(t, []string{
		"MoveToStaging",
		"MarkProcessed:" + testTables.Landing,
		"Normalize",
		"SetContentReferences",
		"MoveToFinal",
		"MarkProcessed:" + testTables.Staging,
	}, f.stages.Order())

	require.Len(t, f.checks, 5)
	want := []struct {
		table     string
		phase     model.Phase
		unmatched string
	}{
		{testTables.Landing, model.PhaseNone, ""},
		{testTables.Staging, model.PhaseStaged, ""},
		{testTables.Staging, model.PhaseNormalized, ""},
		{testTables.Staging, model.PhaseMatched, ""},
		{testTables.Final, model.PhaseMatched, testTables.Unmatched},
	}
	for i, w := range want {
		c := f.checks[i]
		assert.Equal(t, w.table, c.Table, "check %d", i)
		assert.Equal(t, w.phase, c.Phase, "check %d", i)
		assert.Equal(t, w.unmatched, c.UnmatchedTable, "check %d", i)
		assert.Equal(t, int64(100), c.Expected)
		assert.Equal(t, "Pluto", c.Platform)
		assert.Equal(t, "pluto_q1.csv", c.Filename)
		assert.Equal(t, model.UploadTypeViewership, c.Type)
	}

	assert.Equal(t, []string{
		"verify_landing", "move_to_staging", "verify_staging", "mark_landing_processed",
		"normalize", "verify_normalized", "set_content_references", "verify_matched",
		"move_to_final", "verify_final", "mark_staging_processed",
	}, phaseNames(out))
	for _, ph := range out.Phases {
		assert.Equal(t, model.PhaseStatusComplete, ph.Status, ph.Name)
	}

	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectComplete,
		mock.MatchedBy(func(body string) bool {
			return strings.Contains(body, "Total Records: 100,") &&
				strings.Contains(body, "Total Hours of Viewership: 12.5") &&
				!strings.Contains(body, "Processing Path")
		}), (*notify.Attachment)(nil))
	f.store.AssertCalled(t, "UpdateRunResult", mock.Anything, "run-1", out)
}

func TestRun_LegacyGateFailureHalts(t *testing.T) {
	tests := []struct {
		name      string
		table     string
		phase     model.Phase
		wantStage string
		wantMsg   string
		wantBody  string
		wantOrder []string
	}{
		{
			name: "landing", table: testTables.Landing, phase: model.PhaseNone,
			wantStage: "verify_landing",
			wantMsg:   "Unable to verify intial lambda verfication phase",
			wantBody:  "intial lambda verfication phase for platform Pluto, filename pluto_q1.csv",
			wantOrder: nil,
		},
		{
			name: "staging", table: testTables.Staging, phase: model.PhaseStaged,
			wantStage: "verify_staging",
			wantMsg:   "Unable to verify phase while moving the data to staging",
			wantBody:  "moving the data to staging",
			wantOrder: []string{"MoveToStaging"},
		},
		{
			name: "normalized", table: testTables.Staging, phase: model.PhaseNormalized,
			wantStage: "verify_normalized",
			wantMsg:   "Unable to verify phase 1 after normalizing the data",
			wantBody:  "total viewership hours",
			wantOrder: []string{"MoveToStaging", "MarkProcessed:" + testTables.Landing, "Normalize"},
		},
		{
			name: "matched", table: testTables.Staging, phase: model.PhaseMatched,
			wantStage: "verify_matched",
			wantMsg:   "Unable to verify phase 2 after setting content references",
			wantBody:  "Please check records in " + testTables.Staging,
			wantOrder: []string{"MoveToStaging", "MarkProcessed:" + testTables.Landing, "Normalize", "SetContentReferences"},
		},
		{
			name: "final", table: testTables.Final, phase: model.PhaseMatched,
			wantStage: "verify_final",
			wantMsg:   "Unable to complete final verify phase while moving to final table",
			wantBody:  "Unable to complete final verify phase while moving to final table.",
			wantOrder: []string{"MoveToStaging", "MarkProcessed:" + testTables.Landing, "Normalize", "SetContentReferences", "MoveToFinal"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.stages.On("UnmatchedRows", mock.Anything, mock.Anything, 500).
				Return(&warehouse.Table{Columns: []string{"REF_ID"}}, nil).Maybe()
			f.failGate(tt.table, tt.phase, "record count mismatch: expected 100, actual 7")
			f.passGates()

			out, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
			require.NoError(t, err)

			assert.False(t, out.Verified)
			assert.Empty(t, out.Error)
			assert.Equal(t, tt.wantStage, out.Stage)
			assert.Equal(t, tt.wantMsg, out.Message)
			assert.Equal(t, model.RunStatusUnverified, out.Status())
			assert.Equal(t, tt.wantOrder, f.stages.Order())

			last := out.Phases[len(out.Phases)-1]
			assert.Equal(t, tt.wantStage, last.Name)
			assert.Equal(t, model.PhaseStatusUnverified, last.Status)
			require.NotNil(t, last.Verification)
			assert.False(t, last.Verification.Verified)

			f.notifier.AssertNumberOfCalls(t, "Notify", 1)
			f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectError,
				mock.MatchedBy(func(body string) bool {
					return strings.Contains(body, tt.wantBody) &&
						strings.Contains(body, "Reason: record count mismatch: expected 100, actual 7")
				}), (*notify.Attachment)(nil))
			f.store.AssertCalled(t, "UpdateRunResult", mock.Anything, "run-1", out)
		})
	}
}

func TestRun_MatchedGateFailureAttachesUnmatchedRows(t *testing.T) {
	f := newFixture()
	f.stages.On("UnmatchedRows", mock.Anything, mock.Anything, 500).Return(&warehouse.Table{
		Columns: []string{"FILENAME", "REF_ID", "ASSET_TITLE"},
		Rows:    [][]string{{"pluto_q1.csv", "", "Pilot"}},
	}, nil).Once()
	f.failGate(testTables.Staging, model.PhaseMatched, "record count mismatch")
	f.passGates()

	_, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
	require.NoError(t, err)

	f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectError, mock.Anything,
		mock.MatchedBy(func(att *notify.Attachment) bool {
			return att != nil &&
				att.Filename == "pluto_q1_unmatched.xlsx" &&
				att.ContentType == report.ContentTypeXLSX &&
				len(att.Data) > 0
		}))
}

func TestRun_AttachmentDisabled(t *testing.T) {
	f := newFixture()
	f.failGate(testTables.Staging, model.PhaseMatched, "record count mismatch")
	f.passGates()

	cfg := defaultCfg()
	cfg.AttachUnmatched = false
	_, err := f.pipeline(cfg).Run(context.Background(), legacyBatch())
	require.NoError(t, err)

	f.stages.AssertNotCalled(t, "UnmatchedRows", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_UnmatchedRowsErrorDropsAttachment(t *testing.T) {
	f := newFixture()
	f.stages.On("UnmatchedRows", mock.Anything, mock.Anything, 500).Return(nil, eris.New("warehouse down"))
	f.failGate(testTables.Staging, model.PhaseMatched, "record count mismatch")
	f.passGates()

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
	require.NoError(t, err)
	assert.Equal(t, "verify_matched", out.Stage)
	f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectError, mock.Anything, (*notify.Attachment)(nil))
}

// --- Pre-normalized route ---

func TestRun_PreNormalizedViewershipRunsMetricsOnce(t *testing.T) {
	f := newFixture()
	f.passGates()

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), streamlitBatch(model.UploadTypeViewership))
	require.NoError(t, err)

	assert.True(t, out.Verified)
	assert.Equal(t, model.RoutePreNormalized, out.Route)
	assert.Equal(t, MessagePreNormalizedComplete, out.Message)
	assert.Equal(t, []string{
		"CopyToStaging",
		"MarkProcessed:" + testTables.Landing,
		"CalculateViewershipMetrics",
		"SetDateColumns",
		"SetContentReferences",
		"MoveToFinal",
		"MarkProcessed:" + testTables.Staging,
	}, f.stages.Order())
	f.stages.AssertNumberOfCalls(t, "CalculateViewershipMetrics", 1)
	f.stages.AssertNotCalled(t, "Normalize", mock.Anything, mock.Anything)
	f.stages.AssertNotCalled(t, "MoveToStaging", mock.Anything, mock.Anything)

	// No gate on the enrichment stages.
	require.Len(t, f.checks, 4)
	assert.Equal(t, model.PhaseStaged, f.checks[1].Phase)
	assert.Equal(t, model.PhaseMatched, f.checks[2].Phase)

	f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectComplete,
		mock.MatchedBy(func(body string) bool {
			return strings.Contains(body, "Processing Path: Streamlit (with transformations)")
		}), (*notify.Attachment)(nil))
}

func TestRun_PreNormalizedRevenueSkipsMetrics(t *testing.T) {
	f := newFixture()
	f.passGates()

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), streamlitBatch(model.UploadTypeRevenue))
	require.NoError(t, err)

	assert.True(t, out.Verified)
	f.stages.AssertNotCalled(t, "CalculateViewershipMetrics", mock.Anything, mock.Anything)
	f.stages.AssertNotCalled(t, "Normalize", mock.Anything, mock.Anything)

	var skipped []string
	for _, ph := range out.Phases {
		if ph.Status == model.PhaseStatusSkipped {
			skipped = append(skipped, ph.Name)
		}
	}
	assert.Equal(t, []string{"calculate_viewership_metrics"}, skipped)
}

func TestRun_PreNormalizedGateMessages(t *testing.T) {
	tests := []struct {
		table string
		phase model.Phase
		msg   string
	}{
		{testTables.Landing, model.PhaseNone, "Unable to verify data in upload_db"},
		{testTables.Staging, model.PhaseStaged, "Unable to verify phase 0"},
		{testTables.Staging, model.PhaseMatched, "Unable to verify phase 2"},
		{testTables.Final, model.PhaseMatched, "Unable to complete final verify phase"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			f := newFixture()
			f.stages.On("UnmatchedRows", mock.Anything, mock.Anything, mock.Anything).Return(nil, nil).Maybe()
			f.failGate(tt.table, tt.phase, "mismatch")
			f.passGates()

			out, err := f.pipeline(defaultCfg()).Run(context.Background(), streamlitBatch(model.UploadTypeViewership))
			require.NoError(t, err)
			assert.False(t, out.Verified)
			assert.Equal(t, tt.msg, out.Message)
		})
	}
}

func TestRun_RouteSelectionIsExact(t *testing.T) {
	f := newFixture()
	f.passGates()

	b := legacyBatch()
	b.JobType = "streamlit"
	out, err := f.pipeline(defaultCfg()).Run(context.Background(), b)
	require.NoError(t, err)

	assert.Equal(t, model.RouteLegacy, out.Route)
	f.stages.AssertCalled(t, "Normalize", mock.Anything, b)
}

// --- Operational faults ---

func TestRun_ActionFaultReturnsError(t *testing.T) {
	f := newFixture()
	f.passGates()
	faulty := new(mockStages)
	faulty.On("MoveToStaging", mock.Anything, mock.Anything).Return(nil)
	faulty.On("MarkProcessed", mock.Anything, mock.Anything, mock.Anything).Return(int64(100), nil)
	faulty.On("Normalize", mock.Anything, mock.Anything).Return(nil)
	faulty.On("SetContentReferences", mock.Anything, mock.Anything).
		Return(eris.New("stage: set_channel_generic: procedure failed"))
	f.stages = faulty

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: set_content_references")

	assert.False(t, out.Verified)
	assert.Equal(t, "set_content_references", out.Stage)
	assert.Contains(t, out.Error, "set_channel_generic")
	assert.Equal(t, model.RunStatusFailed, out.Status())
	faulty.AssertNotCalled(t, "MoveToFinal", mock.Anything, mock.Anything)

	last := out.Phases[len(out.Phases)-1]
	assert.Equal(t, model.PhaseStatusFailed, last.Status)

	f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectError,
		mock.MatchedBy(func(body string) bool {
			return strings.HasPrefix(body, "Error during post-processing: ")
		}), (*notify.Attachment)(nil))
	f.store.AssertCalled(t, "UpdateRunResult", mock.Anything, "run-1", out)
}

func TestRun_ActionFaultWithoutNotification(t *testing.T) {
	f := newFixture()
	f.passGates()
	faulty := new(mockStages)
	faulty.On("MoveToStaging", mock.Anything, mock.Anything).Return(eris.New("stage: move_viewership_to_staging: timeout"))
	f.stages = faulty

	cfg := defaultCfg()
	cfg.NotifyOnFault = false
	_, err := f.pipeline(cfg).Run(context.Background(), legacyBatch())
	require.Error(t, err)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_CancelledContextFaults(t *testing.T) {
	f := newFixture()
	f.passGates()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.pipeline(defaultCfg()).Run(ctx, legacyBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
	assert.Equal(t, "move_to_staging", out.Stage)
	assert.Empty(t, f.stages.Order())
}

func TestRun_GatesRunUnderDeadline(t *testing.T) {
	f := newFixture()
	var deadlines []time.Duration
	f.verifier.On("Verify", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		deadline, ok := args.Get(0).(context.Context).Deadline()
		require.True(t, ok)
		deadlines = append(deadlines, time.Until(deadline))
	}).Return(model.Verification{Verified: true})

	cfg := defaultCfg()
	cfg.StageTimeoutSecs = 1
	_, err := f.pipeline(cfg).Run(context.Background(), legacyBatch())
	require.NoError(t, err)

	require.Len(t, deadlines, 5)
	for _, d := range deadlines {
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestRun_GateTimeoutFaults(t *testing.T) {
	f := newFixture()
	f.verifier.On("Verify", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		<-args.Get(0).(context.Context).Done()
	}).Return(model.Verification{Reason: "count failed: context deadline exceeded"})

	cfg := defaultCfg()
	cfg.StageTimeoutSecs = 1
	out, err := f.pipeline(cfg).Run(context.Background(), legacyBatch())
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrGateTimeout))

	assert.Equal(t, "verify_landing", out.Stage)
	assert.Contains(t, out.Error, "verify_landing exceeded 1s")
	assert.Equal(t, model.RunStatusFailed, out.Status())
	assert.Nil(t, out.Initial)
	require.Len(t, out.Phases, 1)
	assert.Equal(t, model.PhaseStatusFailed, out.Phases[0].Status)
	assert.Empty(t, f.stages.Order())

	f.notifier.AssertCalled(t, "Notify", mock.Anything, "Pluto", recipients, notify.SubjectError,
		mock.MatchedBy(func(body string) bool {
			return strings.HasPrefix(body, "Error during post-processing: ")
		}), (*notify.Attachment)(nil))
}

// --- Lease and run log ---

func TestRun_LeaseBusy(t *testing.T) {
	f := newFixture()
	leaser := new(mockLeaser)
	leaser.On("Acquire", mock.Anything, mock.Anything).
		Return(nil, eris.Wrap(lease.ErrBatchInFlight, "lease: lease:Pluto/pluto_q1.csv"))

	p := New(defaultCfg(), testTables, f.stages, f.verifier, f.notifier, f.store, leaser)
	out, err := p.Run(context.Background(), legacyBatch())
	require.Error(t, err)
	assert.True(t, eris.Is(err, lease.ErrBatchInFlight))
	assert.NotEmpty(t, out.Error)

	assert.Empty(t, f.stages.Order())
	f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "CreateRun", mock.Anything, mock.Anything)
}

func TestRun_LeaseReleased(t *testing.T) {
	f := newFixture()
	f.passGates()
	held := new(mockLease)
	held.On("Extend", mock.Anything).Return(nil)
	held.On("Release", mock.Anything).Return(nil).Once()
	leaser := new(mockLeaser)
	leaser.On("Acquire", mock.Anything, mock.Anything).Return(held, nil)

	p := New(defaultCfg(), testTables, f.stages, f.verifier, f.notifier, f.store, leaser)
	_, err := p.Run(context.Background(), legacyBatch())
	require.NoError(t, err)
	held.AssertExpectations(t)
}

func TestRun_LeaseExtendedBetweenSteps(t *testing.T) {
	f := newFixture()
	f.passGates()
	held := new(mockLease)
	held.On("Extend", mock.Anything).Return(nil)
	held.On("Release", mock.Anything).Return(nil)
	leaser := new(mockLeaser)
	leaser.On("Acquire", mock.Anything, mock.Anything).Return(held, nil)

	p := New(defaultCfg(), testTables, f.stages, f.verifier, f.notifier, f.store, leaser)
	out, err := p.Run(context.Background(), streamlitBatch(model.UploadTypeViewership))
	require.NoError(t, err)
	assert.True(t, out.Verified)
	held.AssertNumberOfCalls(t, "Extend", len(preNormalizedSteps)-1)
}

func TestRun_LeaseLostFaults(t *testing.T) {
	f := newFixture()
	f.passGates()
	held := new(mockLease)
	held.On("Extend", mock.Anything).Return(nil).Once()
	held.On("Extend", mock.Anything).Return(eris.Wrap(lease.ErrLeaseLost, "lease: lease:Pluto/pluto_q1.csv"))
	held.On("Release", mock.Anything).Return(nil)
	leaser := new(mockLeaser)
	leaser.On("Acquire", mock.Anything, mock.Anything).Return(held, nil)

	p := New(defaultCfg(), testTables, f.stages, f.verifier, f.notifier, f.store, leaser)
	out, err := p.Run(context.Background(), legacyBatch())
	require.Error(t, err)
	assert.True(t, eris.Is(err, lease.ErrLeaseLost))
	assert.Equal(t, "verify_staging", out.Stage)
	assert.Equal(t, model.RunStatusFailed, out.Status())
	assert.Equal(t, []string{"MoveToStaging"}, f.stages.Order())
	held.AssertCalled(t, "Release", mock.Anything)
}

func TestRun_LeaseExtendErrorIsLogged(t *testing.T) {
	f := newFixture()
	f.passGates()
	held := new(mockLease)
	held.On("Extend", mock.Anything).Return(eris.New("lease: extend: connection refused"))
	held.On("Release", mock.Anything).Return(nil)
	leaser := new(mockLeaser)
	leaser.On("Acquire", mock.Anything, mock.Anything).Return(held, nil)

	p := New(defaultCfg(), testTables, f.stages, f.verifier, f.notifier, f.store, leaser)
	out, err := p.Run(context.Background(), legacyBatch())
	require.NoError(t, err)
	assert.True(t, out.Verified)
}

func TestRun_RunLogFailureDoesNotStopBatch(t *testing.T) {
	f := newFixture()
	f.passGates()
	st := new(mockStore)
	st.On("CreateRun", mock.Anything, mock.Anything).Return(nil, eris.New("sqlite: locked"))
	f.store = st

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Empty(t, out.RunID)
	st.AssertNotCalled(t, "CreatePhase", mock.Anything, mock.Anything, mock.Anything)
	st.AssertNotCalled(t, "UpdateRunResult", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_PhaseLogFailureDoesNotStopBatch(t *testing.T) {
	f := newFixture()
	f.passGates()
	st := new(mockStore)
	st.On("CreateRun", mock.Anything, mock.Anything).Return(&model.Run{ID: "run-2"}, nil)
	st.On("UpdateRunStatus", mock.Anything, "run-2", mock.Anything).Return(eris.New("busy"))
	st.On("CreatePhase", mock.Anything, "run-2", mock.Anything).Return(nil, eris.New("busy"))
	st.On("UpdateRunResult", mock.Anything, "run-2", mock.Anything).Return(eris.New("busy"))
	f.store = st

	out, err := f.pipeline(defaultCfg()).Run(context.Background(), legacyBatch())
	require.NoError(t, err)
	assert.True(t, out.Verified)
	assert.Equal(t, "run-2", out.RunID)
	st.AssertNotCalled(t, "CompletePhase", mock.Anything, mock.Anything, mock.Anything)
}
