package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/nosey/viewership-pipeline/internal/model"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, b model.Batch) (*model.Outcome, error) {
	args := m.Called(ctx, b)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Outcome), args.Error(1)
}

type mockArchiver struct {
	mock.Mock
}

func (m *mockArchiver) Archive(ctx context.Context, outcome *model.Outcome) (string, error) {
	args := m.Called(ctx, outcome)
	return args.String(0), args.Error(1)
}
