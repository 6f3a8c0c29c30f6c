package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sync"
	"time"

	"github.com/louhela/crateci/internal"
	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/util"
)

// PipelineServicer is the slice of PipelineService the run queue needs
// to execute runs and record their progress.
type PipelineServicer interface {
	GetPipelineRunData(ctx context.Context, pipelineID int64) (*store.PipelineRunData, error)
	GetRunByID(ctx context.Context, runID int64) (*store.Run, error)
	UpdateRunStartedOn(
		ctx context.Context,
		runID int64,
		workingDirectory string,
		status store.RunStatus,
		startedOn *time.Time,
	) error
	UpdateRunEndedOn(
		ctx context.Context,
		runID int64,
		status store.RunStatus,
		artifacts *string,
		endedOn *time.Time,
	) error
	AppendRunOutput(ctx context.Context, runID int64, out string) error
	CreateRunSteps(ctx context.Context, runID int64, names []string) ([]store.Step, error)
	UpdateRunStepStartedOn(
		ctx context.Context,
		stepID int64,
		status store.StepStatus,
		startedOn *time.Time,
	) error
	UpdateRunStepEndedOn(
		ctx context.Context,
		stepID int64,
		status store.StepStatus,
		endedOn *time.Time,
	) error
	MarkPendingStepsSkipped(ctx context.Context, runID int64) error
}

func NewRunQueue(pipelineService PipelineServicer, maxRuns int64) *RunQueue {
	rq := &RunQueue{
		pipelineService:  pipelineService,
		OutputSSEClients: NewSSEClientMap[string](),
		StatusSSEClients: NewSSEClientMap[store.Run](),
		queue:            make(chan *store.Run, maxRuns),
		done:             make(chan struct{}),
		cancelRunMap:     NewCancelMap[int64](),
	}
	rq.executorFactory = rq.newExecutor
	return rq
}

// RunQueue executes one pipeline's runs strictly one at a time, in
// enqueue order. Each run gets a fresh timestamped working directory
// on the pipeline's agent and its five steps run fail-fast: the first
// non-zero exit ends the run and the remaining steps are skipped.
type RunQueue struct {
	pipelineService  PipelineServicer
	OutputSSEClients *SSEClientMap[string]
	StatusSSEClients *SSEClientMap[store.Run]

	queue        chan *store.Run
	done         chan struct{}
	shutdownOnce sync.Once
	cancelRunMap *CancelMap[int64]

	// connects to the run's agent; replaceable in tests
	executorFactory func(prd *store.PipelineRunData) (StepExecutor, error)

	outputCh chan string
	statusCh chan store.Run
}

func (rq *RunQueue) CancelRun(runID int64) {
	rq.cancelRunMap.Call(runID)
}

func (rq *RunQueue) Enqueue(r *store.Run) error {
	select {
	case rq.queue <- r:
		return nil
	default:
		return NewErrRunQueueFull()
	}
}

func (rq *RunQueue) Run() {
	for {
		select {
		case run := <-rq.queue:
			rq.outputCh = make(chan string)
			rq.statusCh = make(chan store.Run)

			ctx, cancel := context.WithCancel(context.Background())
			rq.cancelRunMap.AddCancel(run.RunID, cancel)

			go rq.handleOutput(ctx, run.RunID)
			go rq.handleStatus()

			if err := rq.processRun(ctx, run); err != nil {
				endedOn := time.Now().UTC()
				run.EndedOn = &endedOn
				if _, ok := err.(RunCancelError); ok {
					run.Status = store.StatusCancelled
				} else {
					run.Status = store.StatusFailed
				}
				if sqlErr := rq.pipelineService.MarkPendingStepsSkipped(
					context.Background(), run.RunID,
				); sqlErr != nil {
					log.Println("err skipping pending steps:", sqlErr)
				}
				if sqlErr := rq.pipelineService.UpdateRunEndedOn(
					context.Background(),
					run.RunID,
					run.Status,
					run.Artifacts,
					run.EndedOn,
				); sqlErr != nil {
					log.Println("err updating run status to failed:", errors.Join(err, sqlErr))
				}
				log.Println("err processing run:", err)
				r, err := rq.pipelineService.GetRunByID(context.Background(), run.RunID)
				if err != nil {
					log.Println("err getting run by id")
				} else {
					run = r
					rq.statusCh <- *r
				}

				failMessage := `
=============================================
FAIL || Run failed.
=============================================
`
				rq.outputCh <- failMessage
			}

			close(rq.outputCh)
			close(rq.statusCh)
			rq.cancelRunMap.RemoveCancel(run.RunID)
		case <-rq.done:
			close(rq.queue)
			return
		}
	}
}

func (rq *RunQueue) Shutdown() {
	rq.shutdownOnce.Do(func() {
		close(rq.done)
	})
}

func (rq *RunQueue) handleOutput(ctx context.Context, runID int64) {
	for out := range rq.outputCh {
		if err := rq.pipelineService.AppendRunOutput(ctx, runID, out); err != nil {
			log.Printf("err appending run output: %+v\n", err)
		}
		rq.OutputSSEClients.SendToClients(out)
	}
}

func (rq *RunQueue) handleStatus() {
	for r := range rq.statusCh {
		rq.StatusSSEClients.SendToClients(r)
	}
}

func (rq *RunQueue) processRun(
	ctx context.Context,
	run *store.Run,
) error {
	r, err := rq.pipelineService.GetRunByID(ctx, run.RunID)
	if err != nil {
		rq.outputCh <- "err getting run by ID"
		return err
	}
	// a superseding push may have cancelled the run while it was queued
	if r.Status == store.StatusCancelled {
		return RunCancelError{Message: "run cancelled while queued"}
	}
	run = r

	prd, err := rq.pipelineService.GetPipelineRunData(ctx, run.RunPipelineID)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err getting pipeline/agent/credential: %+v\n", err)
		return err
	}
	workdir := time.Now().UTC().Format(internal.RunDirLayout)

	run.Status = store.StatusRunning
	startedOn := time.Now().UTC()
	run.StartedOn = &startedOn

	if err := rq.pipelineService.UpdateRunStartedOn(
		context.Background(),
		run.RunID,
		workdir,
		run.Status,
		run.StartedOn,
	); err != nil {
		rq.outputCh <- "err updating run started on"
		return err
	}

	r, err = rq.pipelineService.GetRunByID(context.Background(), run.RunID)
	if err != nil {
		rq.outputCh <- "err getting run by ID"
		return err
	}
	run = r
	rq.statusCh <- *r

	executor, err := rq.executorFactory(prd)
	if err != nil {
		rq.outputCh <- "err connecting to agent\n"
		return err
	}
	defer executor.Close()

	runDir := path.Join(prd.Workspace, workdir)
	repoDir := path.Join(runDir, util.RepositoryDir(prd.Repository))

	if err := executor.Prepare(ctx, runDir); err != nil {
		rq.outputCh <- "err creating run working directory\n"
		return err
	}

	// the step sequence is fixed, so the rows can be created before the
	// manifest is known
	defaultPlan := new(Manifest).StepPlan(prd.Repository, run.Branch, run.CommitSHA)
	steps, err := rq.pipelineService.CreateRunSteps(ctx, run.RunID, defaultPlan.StepNames())
	if err != nil {
		rq.outputCh <- "err creating run steps\n"
		return err
	}

	if err := rq.executeStep(
		ctx, executor, steps[0], defaultPlan.Steps[0], runDir, defaultPlan.Env,
	); err != nil {
		return err
	}
	rq.outputCh <- fmt.Sprintf("Cloned repository %s\n", prd.Repository)

	manifestBytes := executor.ReadManifest(ctx, repoDir, prd.ManifestPath)
	manifest, err := ParseManifest(manifestBytes)
	if err != nil {
		rq.outputCh <- fmt.Sprintf("err parsing manifest %s: %+v\n", prd.ManifestPath, err)
		return err
	}
	plan := manifest.StepPlan(prd.Repository, run.Branch, run.CommitSHA)

	for i, ps := range plan.Steps {
		if !ps.InRepoDir {
			continue
		}
		if err := rq.executeStep(ctx, executor, steps[i], ps, repoDir, plan.Env); err != nil {
			return err
		}
	}

	passMessage := `
=============================================
PASS || Executed all steps successfully.
=============================================
`
	rq.outputCh <- passMessage

	run.Status = store.StatusPassed
	run.EndedOn = util.AsPtr(time.Now().UTC())
	if manifest.Artifacts != "" {
		run.Artifacts = &manifest.Artifacts
	}
	if err := rq.pipelineService.UpdateRunEndedOn(
		context.Background(),
		run.RunID,
		run.Status,
		run.Artifacts,
		run.EndedOn,
	); err != nil {
		rq.outputCh <- "err updating run ended on"
		return err
	}

	r, err = rq.pipelineService.GetRunByID(context.Background(), run.RunID)
	if err != nil {
		rq.outputCh <- "err getting run by id"
		return err
	}

	run = r
	rq.statusCh <- *r

	return nil
}

func (rq *RunQueue) newExecutor(prd *store.PipelineRunData) (StepExecutor, error) {
	if prd.CredentialID == nil {
		return NewLocalExecutor(), nil
	}
	var username string
	if prd.Username != nil {
		username = *prd.Username
	}
	executor, err := NewSSHExecutor(username, prd.Hostname, prd.SSHPrivateKey)
	if err != nil {
		return nil, err
	}
	rq.outputCh <- fmt.Sprintf("SSH connected to %s\n", prd.Hostname)
	return executor, nil
}

func (rq *RunQueue) executeStep(
	ctx context.Context,
	executor StepExecutor,
	step store.Step,
	ps PlannedStep,
	dir string,
	env []string,
) error {
	rq.outputCh <- fmt.Sprintf("Executing step '%s'\n", ps.Name)
	if err := rq.pipelineService.UpdateRunStepStartedOn(
		ctx, step.StepID, store.StepRunning, util.AsPtr(time.Now().UTC()),
	); err != nil {
		return err
	}

	err := executor.ExecuteStep(ctx, dir, ps.Script, env, ps.Timeout, rq.outputCh)

	endedOn := util.AsPtr(time.Now().UTC())
	status := store.StepPassed
	if err != nil {
		status = store.StepFailed
		if _, ok := err.(RunCancelError); ok {
			status = store.StepCancelled
		}
	}
	if sqlErr := rq.pipelineService.UpdateRunStepEndedOn(
		context.Background(), step.StepID, status, endedOn,
	); sqlErr != nil {
		log.Println("err updating step ended on:", sqlErr)
	}

	if err != nil {
		if _, ok := err.(RunCancelError); ok {
			return err
		}
		return StepFailedError{Step: ps.Name, Err: err}
	}
	return nil
}
