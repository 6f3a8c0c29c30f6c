package testutil

import (
	"context"

	"github.com/louhela/crateci/internal/service"
	"github.com/louhela/crateci/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockPipelineService struct {
	mock.Mock
}

func (m *MockPipelineService) CreatePipeline(
	ctx context.Context,
	agentID int64,
	name, description, repository, branch, manifestPath string,
) (*store.Pipeline, error) {
	args := m.Called(ctx, agentID, name, description, repository, branch, manifestPath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	args := m.Called(ctx, pipelineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) GetPipelineByRepository(
	ctx context.Context,
	repository string,
) (*store.Pipeline, error) {
	args := m.Called(ctx, repository)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

func (m *MockPipelineService) UpdatePipeline(
	ctx context.Context,
	pipelineID, agentID int64,
	name, description, repository, branch, manifestPath string,
) error {
	args := m.Called(
		ctx, pipelineID, agentID, name, description, repository, branch, manifestPath,
	)
	return args.Error(0)
}

func (m *MockPipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule *string,
) error {
	args := m.Called(ctx, id, schedule)
	return args.Error(0)
}

func (m *MockPipelineService) DeletePipeline(ctx context.Context, pipelineID int64) error {
	args := m.Called(ctx, pipelineID)
	return args.Error(0)
}

func (m *MockPipelineService) CollectRunArtifacts(
	ctx context.Context,
	pipelineID, runID int64,
) (string, error) {
	args := m.Called(ctx, pipelineID, runID)
	return args.String(0), args.Error(1)
}

func (m *MockPipelineService) CreateRun(
	ctx context.Context,
	pipelineID int64,
	branch, commitSHA string,
	trigger store.TriggerKind,
) (*store.Run, error) {
	args := m.Called(ctx, pipelineID, branch, commitSHA, trigger)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineService) GetRunByID(
	ctx context.Context,
	runID int64,
) (*store.Run, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineService) DeleteRun(ctx context.Context, runID int64) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockPipelineService) TriggerPush(
	ctx context.Context,
	repository, branch, commitSHA string,
) (*store.Run, error) {
	args := m.Called(ctx, repository, branch, commitSHA)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineService) TriggerPullRequest(
	ctx context.Context,
	repository, baseBranch, headBranch, commitSHA string,
) (*store.Run, error) {
	args := m.Called(ctx, repository, baseBranch, headBranch, commitSHA)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockPipelineService) CancelRun(ctx context.Context, pipelineID, runID int64) error {
	args := m.Called(ctx, pipelineID, runID)
	return args.Error(0)
}

func (m *MockPipelineService) ListLatestPipelineRuns(
	ctx context.Context,
	id, limit int64,
) ([]store.Run, error) {
	args := m.Called(ctx, id, limit)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockPipelineService) ListPipelineRunsPaginated(
	ctx context.Context,
	id, limit, offset int64,
) ([]store.Run, error) {
	args := m.Called(ctx, id, limit, offset)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockPipelineService) GetPipelineRunCount(
	ctx context.Context,
	id int64,
) (int64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPipelineService) ListRunSteps(
	ctx context.Context,
	runID int64,
) ([]store.Step, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).([]store.Step), args.Error(1)
}

func (m *MockPipelineService) GetFirstFailedStep(
	ctx context.Context,
	runID int64,
) (*store.Step, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Step), args.Error(1)
}

func (m *MockPipelineService) GetPipelineRunQueue(id int64) (*service.RunQueue, bool) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Bool(1)
	}
	return args.Get(0).(*service.RunQueue), args.Bool(1)
}

func (m *MockPipelineService) EnqueueRun(run *store.Run) error {
	args := m.Called(run)
	return args.Error(0)
}
