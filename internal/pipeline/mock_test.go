package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/nosey/viewership-pipeline/internal/lease"
	"github.com/nosey/viewership-pipeline/internal/model"
	"github.com/nosey/viewership-pipeline/internal/notify"
	"github.com/nosey/viewership-pipeline/internal/store"
	"github.com/nosey/viewership-pipeline/internal/verify"
	"github.com/nosey/viewership-pipeline/internal/warehouse"
)

// --- Stages Mock ---

// mockStages records the order of stage calls alongside the testify
// expectations.
type mockStages struct {
	mock.Mock
	mu    sync.Mutex
	calls []string
}

func (m *mockStages) record(name string) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	m.mu.Unlock()
}

func (m *mockStages) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockStages) MoveToStaging(ctx context.Context, b model.Batch) error {
	m.record("MoveToStaging")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) CopyToStaging(ctx context.Context, b model.Batch) error {
	m.record("CopyToStaging")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) Normalize(ctx context.Context, b model.Batch) error {
	m.record("Normalize")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) CalculateViewershipMetrics(ctx context.Context, b model.Batch) error {
	m.record("CalculateViewershipMetrics")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) SetDateColumns(ctx context.Context, b model.Batch) error {
	m.record("SetDateColumns")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) SetContentReferences(ctx context.Context, b model.Batch) error {
	m.record("SetContentReferences")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) MoveToFinal(ctx context.Context, b model.Batch) error {
	m.record("MoveToFinal")
	return m.Called(ctx, b).Error(0)
}

func (m *mockStages) MarkProcessed(ctx context.Context, table, filename string) (int64, error) {
	m.record("MarkProcessed:" + table)
	args := m.Called(ctx, table, filename)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockStages) UnmatchedRows(ctx context.Context, b model.Batch, limit int) (*warehouse.Table, error) {
	args := m.Called(ctx, b, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*warehouse.Table), args.Error(1)
}

// --- Verifier Mock ---

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, c verify.Check) model.Verification {
	args := m.Called(ctx, c)
	return args.Get(0).(model.Verification)
}

// --- Notifier Mock ---

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, platform string, to []string, subject, body string, att *notify.Attachment) bool {
	args := m.Called(ctx, platform, to, subject, body, att)
	return args.Bool(0)
}

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateRun(ctx context.Context, batch model.Batch) (*model.Run, error) {
	args := m.Called(ctx, batch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	args := m.Called(ctx, runID, status)
	return args.Error(0)
}

func (m *mockStore) UpdateRunResult(ctx context.Context, runID string, outcome *model.Outcome) error {
	args := m.Called(ctx, runID, outcome)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Run), args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Run), args.Error(1)
}

func (m *mockStore) CreatePhase(ctx context.Context, runID string, name string) (*model.RunPhase, error) {
	args := m.Called(ctx, runID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.RunPhase), args.Error(1)
}

func (m *mockStore) CompletePhase(ctx context.Context, phaseID string, result *model.PhaseResult) error {
	args := m.Called(ctx, phaseID, result)
	return args.Error(0)
}

func (m *mockStore) ListPhases(ctx context.Context, runID string) ([]model.RunPhase, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RunPhase), args.Error(1)
}

func (m *mockStore) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

// --- Leaser Mock ---

type mockLeaser struct {
	mock.Mock
}

func (m *mockLeaser) Acquire(ctx context.Context, b model.Batch) (lease.Lease, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(lease.Lease), args.Error(1)
}

type mockLease struct {
	mock.Mock
}

func (m *mockLease) Extend(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockLease) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
