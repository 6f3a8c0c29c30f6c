package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/louhela/crateci/internal"
)

type RunSQLiteStore struct {
	rdb, rwdb *sql.DB
}

func NewRunSQLiteStore(rdb, rwdb *sql.DB) *RunSQLiteStore {
	return &RunSQLiteStore{rdb, rwdb}
}

func (store *RunSQLiteStore) CreateRun(
	ctx context.Context,
	pipelineID int64,
	branch, commitSHA string,
	trigger TriggerKind,
) (*Run, error) {
	r := &Run{
		RunPipelineID: pipelineID,
		Branch:        branch,
		CommitSHA:     commitSHA,
		TriggerKind:   trigger,
		Status:        StatusQueued,
	}
	query := `insert into runs (
		run_pipeline_id,
		branch,
		commit_sha,
		trigger_kind,
		status
	)
	values ($1, $2, $3, $4, $5)
	returning run_id, created_on`
	if err := sqlscan.Get(
		ctx, store.rwdb, r, query,
		r.RunPipelineID,
		r.Branch,
		r.CommitSHA,
		r.TriggerKind,
		r.Status,
	); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) ReadRunByID(ctx context.Context, id int64) (*Run, error) {
	r := &Run{RunID: id}
	query := "select * from runs where run_id = $1"
	if err := sqlscan.Get(ctx, store.rdb, r, query, r.RunID); err != nil {
		return nil, err
	}
	return r, nil
}

func (store *RunSQLiteStore) UpdateRunStartedOn(
	ctx context.Context,
	id int64,
	workingDirectory string,
	status RunStatus,
	startedOn *time.Time,
) error {
	query := `update runs
	set working_directory = $1,
		status = $2,
		started_on = $3
	where run_id = $4`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		workingDirectory,
		status,
		startedOn.Format(internal.DBTimestampLayout),
		id,
	)
	return err
}

func (store *RunSQLiteStore) UpdateRunEndedOn(
	ctx context.Context,
	id int64,
	status RunStatus,
	artifacts *string,
	endedOn *time.Time,
) error {
	query := `update runs
	set status = $1,
		artifacts = $2,
		ended_on = $3
	where run_id = $4`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		artifacts,
		endedOn.Format(internal.DBTimestampLayout),
		id,
	)
	return err
}

func (store *RunSQLiteStore) UpdateRunStatus(
	ctx context.Context,
	id int64,
	status RunStatus,
) error {
	query := `update runs
	set status = $1
	where run_id = $2`
	_, err := store.rwdb.ExecContext(ctx, query, status, id)
	return err
}

func (store *RunSQLiteStore) AppendRunOutput(ctx context.Context, id int64, out string) error {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r := &Run{RunID: id}
	readQuery := `select * from runs where run_id = $1`
	err = sqlscan.Get(ctx, tx, r, readQuery, r.RunID)
	if err != nil {
		return err
	}

	var existingOutput string
	if r.Output != nil {
		existingOutput = *r.Output
	}
	updateQuery := `update runs
	set output = $1
	where run_id = $2`
	_, err = tx.ExecContext(ctx, updateQuery, existingOutput+out, r.RunID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (store *RunSQLiteStore) DeleteRun(ctx context.Context, id int64) error {
	query := "delete from runs where run_id = $1"
	_, err := store.rwdb.ExecContext(ctx, query, id)
	return err
}

func (store *RunSQLiteStore) ListPipelineRunsPaginated(
	ctx context.Context,
	pipelineID, limit, offset int64,
) ([]Run, error) {
	query := `select
		r.run_id,
		r.run_pipeline_id,
		r.branch,
		r.commit_sha,
		r.trigger_kind,
		r.status,
		r.created_on,
		r.started_on,
		r.ended_on,
		p.name as pipeline_name
	from runs r
	join pipelines p
	on r.run_pipeline_id = p.pipeline_id
	where run_pipeline_id = $1
	order by created_on desc limit $2 offset $3`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, pipelineID, limit, offset)
	return runs, err
}

func (store *RunSQLiteStore) ListLatestPipelineRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]Run, error) {
	query := `select * from runs
	where run_pipeline_id = $1
	order by created_on desc limit $2`
	runs := make([]Run, 0)
	err := sqlscan.Select(ctx, store.rdb, &runs, query, pipelineID, limit)
	return runs, err
}

// ListActivePushRuns returns the queued and running push-triggered runs
// of a pipeline branch. A newer push supersedes these.
func (store *RunSQLiteStore) ListActivePushRuns(
	ctx context.Context,
	pipelineID int64,
	branch string,
) ([]Run, error) {
	query := `select * from runs
	where run_pipeline_id = $1
	and branch = $2
	and trigger_kind = $3
	and status in ($4, $5)`
	runs := make([]Run, 0)
	err := sqlscan.Select(
		ctx, store.rdb, &runs, query,
		pipelineID, branch, TriggerPush, StatusQueued, StatusRunning,
	)
	return runs, err
}

func (store *RunSQLiteStore) CountPipelineRuns(
	ctx context.Context,
	pipelineID int64,
) (int64, error) {
	var count int64
	query := `select count(*) from runs where run_pipeline_id = $1`
	err := sqlscan.Get(ctx, store.rdb, &count, query, pipelineID)
	return count, err
}

func (store *RunSQLiteStore) CreateRunSteps(
	ctx context.Context,
	runID int64,
	names []string,
) ([]Step, error) {
	tx, err := store.rwdb.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	steps := make([]Step, 0, len(names))
	query := `insert into steps (
		step_run_id,
		position,
		name,
		status
	)
	values ($1, $2, $3, $4)
	returning step_id`
	for i, name := range names {
		s := Step{
			StepRunID: runID,
			Position:  int64(i + 1),
			Name:      name,
			Status:    StepPending,
		}
		if err := sqlscan.Get(
			ctx, tx, &s, query,
			s.StepRunID, s.Position, s.Name, s.Status,
		); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (store *RunSQLiteStore) UpdateRunStepStartedOn(
	ctx context.Context,
	stepID int64,
	status StepStatus,
	startedOn *time.Time,
) error {
	query := `update steps
	set status = $1,
		started_on = $2
	where step_id = $3`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		startedOn.Format(internal.DBTimestampLayout),
		stepID,
	)
	return err
}

func (store *RunSQLiteStore) UpdateRunStepEndedOn(
	ctx context.Context,
	stepID int64,
	status StepStatus,
	endedOn *time.Time,
) error {
	query := `update steps
	set status = $1,
		ended_on = $2
	where step_id = $3`
	_, err := store.rwdb.ExecContext(
		ctx, query,
		status,
		endedOn.Format(internal.DBTimestampLayout),
		stepID,
	)
	return err
}

// MarkPendingStepsSkipped marks every step of a run that never started
// as skipped. Called after a step fails or the run is cancelled.
func (store *RunSQLiteStore) MarkPendingStepsSkipped(ctx context.Context, runID int64) error {
	query := `update steps
	set status = $1
	where step_run_id = $2
	and status = $3`
	_, err := store.rwdb.ExecContext(ctx, query, StepSkipped, runID, StepPending)
	return err
}

func (store *RunSQLiteStore) ListRunSteps(ctx context.Context, runID int64) ([]Step, error) {
	query := `select * from steps
	where step_run_id = $1
	order by position`
	steps := make([]Step, 0)
	err := sqlscan.Select(ctx, store.rdb, &steps, query, runID)
	return steps, err
}

func (store *RunSQLiteStore) ReadFirstFailedStep(ctx context.Context, runID int64) (*Step, error) {
	s := new(Step)
	query := `select * from steps
	where step_run_id = $1
	and status = $2
	order by position
	limit 1`
	if err := sqlscan.Get(ctx, store.rdb, s, query, runID, StepFailed); err != nil {
		return nil, err
	}
	return s, nil
}
