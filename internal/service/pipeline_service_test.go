package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockPipelineStore struct {
	mock.Mock
}

func (m *MockPipelineStore) CreatePipeline(
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

func (m *MockPipelineStore) ReadPipelineByID(
	ctx context.Context,
	id int64,
) (*store.Pipeline, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineStore) ReadPipelineByRepository(
	ctx context.Context,
	repository string,
) (*store.Pipeline, error) {
	args := m.Called(ctx, repository)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Pipeline), args.Error(1)
}

func (m *MockPipelineStore) ReadPipelineRunData(
	ctx context.Context,
	id int64,
) (*store.PipelineRunData, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.PipelineRunData), args.Error(1)
}

func (m *MockPipelineStore) UpdatePipeline(
	ctx context.Context,
	id, agentID int64,
	name, description, repository, branch, manifestPath string,
) error {
	args := m.Called(ctx, id, agentID, name, description, repository, branch, manifestPath)
	return args.Error(0)
}

func (m *MockPipelineStore) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule, jobID *string,
) error {
	args := m.Called(ctx, id, schedule, jobID)
	return args.Error(0)
}

func (m *MockPipelineStore) UpdatePipelineScheduleJobID(
	ctx context.Context,
	id int64,
	jobID *string,
) error {
	args := m.Called(ctx, id, jobID)
	return args.Error(0)
}

func (m *MockPipelineStore) DeletePipeline(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockPipelineStore) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

func (m *MockPipelineStore) ListScheduledPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) CreateRun(
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

func (m *MockRunStore) ReadRunByID(ctx context.Context, id int64) (*store.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Run), args.Error(1)
}

func (m *MockRunStore) UpdateRunStartedOn(
	ctx context.Context,
	id int64,
	workingDirectory string,
	status store.RunStatus,
	startedOn *time.Time,
) error {
	args := m.Called(ctx, id, workingDirectory, status, startedOn)
	return args.Error(0)
}

func (m *MockRunStore) UpdateRunEndedOn(
	ctx context.Context,
	id int64,
	status store.RunStatus,
	artifacts *string,
	endedOn *time.Time,
) error {
	args := m.Called(ctx, id, status, artifacts, endedOn)
	return args.Error(0)
}

func (m *MockRunStore) UpdateRunStatus(
	ctx context.Context,
	id int64,
	status store.RunStatus,
) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockRunStore) AppendRunOutput(ctx context.Context, id int64, out string) error {
	args := m.Called(ctx, id, out)
	return args.Error(0)
}

func (m *MockRunStore) DeleteRun(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRunStore) ListLatestPipelineRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID, limit)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockRunStore) ListPipelineRunsPaginated(
	ctx context.Context,
	pipelineID, limit, offset int64,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID, limit, offset)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockRunStore) ListActivePushRuns(
	ctx context.Context,
	pipelineID int64,
	branch string,
) ([]store.Run, error) {
	args := m.Called(ctx, pipelineID, branch)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockRunStore) CountPipelineRuns(
	ctx context.Context,
	pipelineID int64,
) (int64, error) {
	args := m.Called(ctx, pipelineID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRunStore) CreateRunSteps(
	ctx context.Context,
	runID int64,
	names []string,
) ([]store.Step, error) {
	args := m.Called(ctx, runID, names)
	return args.Get(0).([]store.Step), args.Error(1)
}

func (m *MockRunStore) UpdateRunStepStartedOn(
	ctx context.Context,
	stepID int64,
	status store.StepStatus,
	startedOn *time.Time,
) error {
	args := m.Called(ctx, stepID, status, startedOn)
	return args.Error(0)
}

func (m *MockRunStore) UpdateRunStepEndedOn(
	ctx context.Context,
	stepID int64,
	status store.StepStatus,
	endedOn *time.Time,
) error {
	args := m.Called(ctx, stepID, status, endedOn)
	return args.Error(0)
}

func (m *MockRunStore) MarkPendingStepsSkipped(ctx context.Context, runID int64) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func (m *MockRunStore) ListRunSteps(ctx context.Context, runID int64) ([]store.Step, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).([]store.Step), args.Error(1)
}

func (m *MockRunStore) ReadFirstFailedStep(
	ctx context.Context,
	runID int64,
) (*store.Step, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Step), args.Error(1)
}

type MockEncrypter struct {
	mock.Mock
}

func (m *MockEncrypter) EncryptAES(s string) string {
	args := m.Called(s)
	return args.String(0)
}

func (m *MockEncrypter) DecryptAES(s string) ([]byte, error) {
	args := m.Called(s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func newTestPipelineService(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	encrypter *MockEncrypter,
) *PipelineService {
	return NewPipelineService(pipelineStore, runStore, nil, nil, nil, nil, encrypter)
}

func TestPipelineService_TriggerPush(t *testing.T) {
	repository := "git@github.com:louhela/rv-predicter.git"
	pipeline := &store.Pipeline{
		PipelineID: 1,
		Name:       "rv-predicter",
		Repository: repository,
		Branch:     "main",
	}

	t.Run("success - run created and queued", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		svc.AddRunQueue(pipeline.PipelineID, 3)
		expectedRun := &store.Run{
			RunID:         11,
			RunPipelineID: pipeline.PipelineID,
			Branch:        "main",
			CommitSHA:     "abc123",
			TriggerKind:   store.TriggerPush,
			Status:        store.StatusQueued,
		}
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, repository).
			Return(pipeline, nil)
		runStore.On("ListActivePushRuns", mock.Anything, pipeline.PipelineID, "main").
			Return([]store.Run{}, nil)
		runStore.On(
			"CreateRun", mock.Anything, pipeline.PipelineID,
			"main", "abc123", store.TriggerPush,
		).Return(expectedRun, nil)

		// act
		r, err := svc.TriggerPush(context.Background(), repository, "main", "abc123")

		// assert
		assert.NoError(t, err)
		assert.Equal(t, expectedRun, r)
		runStore.AssertExpectations(t)
	})
	t.Run("success - superseded queued run is cancelled", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		svc.AddRunQueue(pipeline.PipelineID, 3)
		oldRun := store.Run{
			RunID:         7,
			RunPipelineID: pipeline.PipelineID,
			Branch:        "main",
			TriggerKind:   store.TriggerPush,
			Status:        store.StatusQueued,
		}
		newRun := &store.Run{
			RunID:         8,
			RunPipelineID: pipeline.PipelineID,
			Branch:        "main",
			CommitSHA:     "def456",
			TriggerKind:   store.TriggerPush,
			Status:        store.StatusQueued,
		}
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, repository).
			Return(pipeline, nil)
		runStore.On("ListActivePushRuns", mock.Anything, pipeline.PipelineID, "main").
			Return([]store.Run{oldRun}, nil)
		runStore.On("ReadRunByID", mock.Anything, oldRun.RunID).Return(&oldRun, nil)
		runStore.On(
			"UpdateRunStatus", mock.Anything, oldRun.RunID, store.StatusCancelled,
		).Return(nil)
		runStore.On(
			"CreateRun", mock.Anything, pipeline.PipelineID,
			"main", "def456", store.TriggerPush,
		).Return(newRun, nil)

		// act
		r, err := svc.TriggerPush(context.Background(), repository, "main", "def456")

		// assert
		assert.NoError(t, err)
		assert.Equal(t, newRun, r)
		runStore.AssertCalled(
			t, "UpdateRunStatus", mock.Anything, oldRun.RunID, store.StatusCancelled,
		)
	})
	t.Run("success - push to another branch is ignored", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, repository).
			Return(pipeline, nil)

		// act
		r, err := svc.TriggerPush(context.Background(), repository, "feature", "abc123")

		// assert
		assert.NoError(t, err)
		assert.Nil(t, r)
		runStore.AssertNotCalled(t, "CreateRun")
	})
	t.Run("failure - unknown repository", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, "unknown").
			Return(nil, sql.ErrNoRows)

		// act
		r, err := svc.TriggerPush(context.Background(), "unknown", "main", "abc123")

		// assert
		assert.Error(t, err)
		assert.True(t, errors.Is(err, sql.ErrNoRows))
		assert.Nil(t, r)
	})
	t.Run("failure - run queue is full", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		svc.AddRunQueue(pipeline.PipelineID, 0)
		expectedRun := &store.Run{
			RunID:         12,
			RunPipelineID: pipeline.PipelineID,
			Branch:        "main",
			TriggerKind:   store.TriggerPush,
		}
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, repository).
			Return(pipeline, nil)
		runStore.On("ListActivePushRuns", mock.Anything, pipeline.PipelineID, "main").
			Return([]store.Run{}, nil)
		runStore.On(
			"CreateRun", mock.Anything, pipeline.PipelineID,
			"main", "abc123", store.TriggerPush,
		).Return(expectedRun, nil)

		// act
		r, err := svc.TriggerPush(context.Background(), repository, "main", "abc123")

		// assert
		assert.Error(t, err)
		var fullErr *ErrRunQueueFull
		assert.True(t, errors.As(err, &fullErr))
		assert.Nil(t, r)
	})
}

func TestPipelineService_TriggerPullRequest(t *testing.T) {
	repository := "git@github.com:louhela/rv-predicter.git"
	pipeline := &store.Pipeline{
		PipelineID: 2,
		Repository: repository,
		Branch:     "main",
	}

	t.Run("success - run created for head commit", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		svc.AddRunQueue(pipeline.PipelineID, 3)
		expectedRun := &store.Run{
			RunID:         21,
			RunPipelineID: pipeline.PipelineID,
			Branch:        "feature/astar",
			CommitSHA:     "fed987",
			TriggerKind:   store.TriggerPullRequest,
		}
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, repository).
			Return(pipeline, nil)
		runStore.On(
			"CreateRun", mock.Anything, pipeline.PipelineID,
			"feature/astar", "fed987", store.TriggerPullRequest,
		).Return(expectedRun, nil)

		// act
		r, err := svc.TriggerPullRequest(
			context.Background(), repository, "main", "feature/astar", "fed987",
		)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, expectedRun, r)
	})
	t.Run("success - pull request against another base is ignored", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		pipelineStore.On("ReadPipelineByRepository", mock.Anything, repository).
			Return(pipeline, nil)

		// act
		r, err := svc.TriggerPullRequest(
			context.Background(), repository, "develop", "feature/astar", "fed987",
		)

		// assert
		assert.NoError(t, err)
		assert.Nil(t, r)
		runStore.AssertNotCalled(t, "CreateRun")
	})
}

func TestPipelineService_CancelRun(t *testing.T) {
	t.Run("success - queued run is marked cancelled", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		run := &store.Run{RunID: 31, RunPipelineID: 3, Status: store.StatusQueued}
		runStore.On("ReadRunByID", mock.Anything, run.RunID).Return(run, nil)
		runStore.On(
			"UpdateRunStatus", mock.Anything, run.RunID, store.StatusCancelled,
		).Return(nil)

		// act
		err := svc.CancelRun(context.Background(), run.RunPipelineID, run.RunID)

		// assert
		assert.NoError(t, err)
		runStore.AssertExpectations(t)
	})
	t.Run("success - running run only triggers the cancel func", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		run := &store.Run{RunID: 32, RunPipelineID: 3, Status: store.StatusRunning}
		runStore.On("ReadRunByID", mock.Anything, run.RunID).Return(run, nil)

		// act
		err := svc.CancelRun(context.Background(), run.RunPipelineID, run.RunID)

		// assert
		assert.NoError(t, err)
		runStore.AssertNotCalled(
			t, "UpdateRunStatus", mock.Anything, run.RunID, store.StatusCancelled,
		)
	})
	t.Run("failure - unknown run", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		runStore.On("ReadRunByID", mock.Anything, int64(99)).Return(nil, sql.ErrNoRows)

		// act
		err := svc.CancelRun(context.Background(), 3, 99)

		// assert
		assert.Error(t, err)
		assert.True(t, errors.Is(err, sql.ErrNoRows))
	})
}

func TestPipelineService_GetFirstFailedStep(t *testing.T) {
	t.Run("success - failed step returned", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		expectedStep := &store.Step{
			StepID:    5,
			StepRunID: 41,
			Position:  3,
			Name:      "build",
			Status:    store.StepFailed,
		}
		runStore.On("ReadFirstFailedStep", mock.Anything, int64(41)).
			Return(expectedStep, nil)

		// act
		step, err := svc.GetFirstFailedStep(context.Background(), 41)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, expectedStep, step)
	})
	t.Run("success - nil when no step failed", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		svc := newTestPipelineService(pipelineStore, runStore, new(MockEncrypter))
		runStore.On("ReadFirstFailedStep", mock.Anything, int64(42)).
			Return(nil, sql.ErrNoRows)

		// act
		step, err := svc.GetFirstFailedStep(context.Background(), 42)

		// assert
		assert.NoError(t, err)
		assert.Nil(t, step)
	})
}

func TestPipelineService_GetPipelineRunData(t *testing.T) {
	t.Run("success - ssh key is decrypted", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		encrypter := new(MockEncrypter)
		svc := newTestPipelineService(pipelineStore, runStore, encrypter)
		prd := &store.PipelineRunData{
			PipelineID:        1,
			CredentialID:      util.AsPtr(int64(4)),
			SSHPrivateKeyHash: util.AsPtr("ciphertext"),
		}
		pipelineStore.On("ReadPipelineRunData", mock.Anything, int64(1)).Return(prd, nil)
		encrypter.On("DecryptAES", "ciphertext").Return([]byte("plaintext key"), nil)

		// act
		got, err := svc.GetPipelineRunData(context.Background(), 1)

		// assert
		assert.NoError(t, err)
		assert.Equal(t, []byte("plaintext key"), got.SSHPrivateKey)
	})
	t.Run("success - controller pipeline has no key to decrypt", func(t *testing.T) {
		// arrange
		pipelineStore := new(MockPipelineStore)
		runStore := new(MockRunStore)
		encrypter := new(MockEncrypter)
		svc := newTestPipelineService(pipelineStore, runStore, encrypter)
		prd := &store.PipelineRunData{PipelineID: 2}
		pipelineStore.On("ReadPipelineRunData", mock.Anything, int64(2)).Return(prd, nil)

		// act
		got, err := svc.GetPipelineRunData(context.Background(), 2)

		// assert
		assert.NoError(t, err)
		assert.Nil(t, got.SSHPrivateKey)
		encrypter.AssertNotCalled(t, "DecryptAES", mock.Anything)
	})
}
