package store

import (
	"context"
	"time"
)

type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
	StatusPassed    RunStatus = "passed"
)

type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerManual      TriggerKind = "manual"
	TriggerSchedule    TriggerKind = "schedule"
)

type Run struct {
	RunID            int64       `json:"run_id" param:"run_id"`
	RunPipelineID    int64       `json:"run_pipeline_id"`
	Branch           string      `json:"branch"`
	CommitSHA        string      `json:"commit_sha"`
	TriggerKind      TriggerKind `json:"trigger_kind"`
	WorkingDirectory *string     `json:"working_directory"`
	Output           *string     `json:"output"`
	Artifacts        *string     `json:"artifacts"`
	Status           RunStatus   `json:"status"`
	CreatedOn        time.Time   `json:"created_on"`
	StartedOn        *time.Time  `json:"started_on"`
	EndedOn          *time.Time  `json:"ended_on"`

	PipelineName string `json:"pipeline_name"`
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
	StepFailed    StepStatus = "failed"
	StepPassed    StepStatus = "passed"
)

// Step is one stage of a run's fixed command sequence, recorded
// individually so the first failing step of a run can be identified.
type Step struct {
	StepID    int64      `json:"step_id"`
	StepRunID int64      `json:"step_run_id"`
	Position  int64      `json:"position"`
	Name      string     `json:"name"`
	Status    StepStatus `json:"status"`
	StartedOn *time.Time `json:"started_on"`
	EndedOn   *time.Time `json:"ended_on"`
}

type RunStore interface {
	CreateRun(context.Context, int64, string, string, TriggerKind) (*Run, error)
	ReadRunByID(context.Context, int64) (*Run, error)
	UpdateRunStartedOn(context.Context, int64, string, RunStatus, *time.Time) error
	UpdateRunEndedOn(context.Context, int64, RunStatus, *string, *time.Time) error
	UpdateRunStatus(context.Context, int64, RunStatus) error
	AppendRunOutput(context.Context, int64, string) error
	DeleteRun(context.Context, int64) error
	ListLatestPipelineRuns(context.Context, int64, int64) ([]Run, error)
	ListPipelineRunsPaginated(context.Context, int64, int64, int64) ([]Run, error)
	ListActivePushRuns(context.Context, int64, string) ([]Run, error)
	CountPipelineRuns(context.Context, int64) (int64, error)

	CreateRunSteps(context.Context, int64, []string) ([]Step, error)
	UpdateRunStepStartedOn(context.Context, int64, StepStatus, *time.Time) error
	UpdateRunStepEndedOn(context.Context, int64, StepStatus, *time.Time) error
	MarkPendingStepsSkipped(context.Context, int64) error
	ListRunSteps(context.Context, int64) ([]Step, error)
	ReadFirstFailedStep(context.Context, int64) (*Step, error)
}
