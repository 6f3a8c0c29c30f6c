package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/louhela/crateci/internal"
	"github.com/louhela/crateci/internal/security"
	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/util"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type PipelineService struct {
	pipelineStore   store.PipelineStore
	runStore        store.RunStore
	credentialStore store.CredentialStore
	agentStore      store.AgentStore
	apiKeyStore     store.APIKeyStore
	scheduler       gocron.Scheduler
	aesEncrypter    security.Encrypter

	mu     sync.Mutex
	queues map[int64]*RunQueue
}

func NewPipelineService(
	pipelineStore store.PipelineStore,
	runStore store.RunStore,
	credentialStore store.CredentialStore,
	agentStore store.AgentStore,
	apiKeyStore store.APIKeyStore,
	scheduler gocron.Scheduler,
	aesEncrypter security.Encrypter,
) *PipelineService {
	return &PipelineService{
		pipelineStore:   pipelineStore,
		runStore:        runStore,
		credentialStore: credentialStore,
		agentStore:      agentStore,
		apiKeyStore:     apiKeyStore,
		scheduler:       scheduler,
		aesEncrypter:    aesEncrypter,
		queues:          make(map[int64]*RunQueue),
	}
}

func (s *PipelineService) InitializeRunQueues(ctx context.Context) error {
	pipelines, err := s.ListPipelines(ctx)
	if err != nil {
		return err
	}

	ids := make([]int64, len(pipelines))
	for i, p := range pipelines {
		ids[i] = p.PipelineID
	}

	s.AddRunQueues(ids, internal.Config.QueueSize)
	s.StartRunQueues()
	return nil
}

// InitializeSchedules re-registers cron jobs for scheduled pipelines
// after a restart. Job IDs are not stable across scheduler instances,
// so each pipeline gets a fresh job and the stored ID is replaced.
func (s *PipelineService) InitializeSchedules(ctx context.Context) error {
	pipelines, err := s.ListScheduledPipelines(ctx)
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		jobID, err := s.SchedulePipelineRun(p.PipelineID, *p.Schedule, p.Branch)
		if err != nil {
			return err
		}
		if err := s.pipelineStore.UpdatePipelineScheduleJobID(
			ctx, p.PipelineID, jobID,
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *PipelineService) CreatePipeline(
	ctx context.Context,
	agentID int64,
	name, description, repository, branch, manifestPath string,
) (*store.Pipeline, error) {
	p, err := s.pipelineStore.CreatePipeline(
		ctx,
		agentID,
		name,
		description,
		repository,
		branch,
		manifestPath,
	)
	if err != nil {
		return nil, err
	}
	s.AddRunQueue(p.PipelineID, internal.Config.QueueSize)
	if err := s.StartRunQueue(p.PipelineID); err != nil {
		return p, err
	}
	return p, nil
}

func (s *PipelineService) GetPipelineByID(
	ctx context.Context,
	pipelineID int64,
) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
}

func (s *PipelineService) GetPipelineByRepository(
	ctx context.Context,
	repository string,
) (*store.Pipeline, error) {
	return s.pipelineStore.ReadPipelineByRepository(ctx, repository)
}

func (s *PipelineService) GetPipelineRunData(
	ctx context.Context,
	id int64,
) (*store.PipelineRunData, error) {
	prd, err := s.pipelineStore.ReadPipelineRunData(ctx, id)
	if err != nil {
		return nil, err
	}

	if prd.SSHPrivateKeyHash != nil {
		privateKey, err := s.aesEncrypter.DecryptAES(*prd.SSHPrivateKeyHash)
		if err != nil {
			return nil, err
		}
		prd.SSHPrivateKey = privateKey
	}

	return prd, nil
}

func (s *PipelineService) ListPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *PipelineService) ListScheduledPipelines(
	ctx context.Context,
) ([]*store.Pipeline, error) {
	pipelines, err := s.pipelineStore.ListScheduledPipelines(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return pipelines, nil
}

func (s *PipelineService) UpdatePipeline(
	ctx context.Context,
	pipelineID, agentID int64,
	name, description, repository, branch, manifestPath string,
) error {
	return s.pipelineStore.UpdatePipeline(
		ctx,
		pipelineID,
		agentID,
		name,
		description,
		repository,
		branch,
		manifestPath,
	)
}

func (s *PipelineService) UpdatePipelineSchedule(
	ctx context.Context,
	id int64,
	schedule *string,
) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, id)
	if err != nil {
		return err
	}

	if schedule == nil {
		if p.ScheduleJobID != nil && s.scheduler != nil {
			if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
				log.Println("unable to remove existing job: ", err)
			}
		}
		return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, nil, nil)
	}

	if p.ScheduleJobID != nil && s.scheduler != nil {
		if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
			log.Println("unable to remove existing job: ", err)
		}
	}
	jobID, err := s.SchedulePipelineRun(p.PipelineID, *schedule, p.Branch)
	if err != nil {
		return err
	}
	return s.pipelineStore.UpdatePipelineSchedule(ctx, p.PipelineID, schedule, jobID)
}

func (s *PipelineService) AppendRunOutput(
	ctx context.Context,
	runID int64,
	out string,
) error {
	return s.runStore.AppendRunOutput(ctx, runID, out)
}

func (s *PipelineService) DeletePipeline(
	ctx context.Context, pipelineID int64,
) error {
	p, err := s.pipelineStore.ReadPipelineByID(ctx, pipelineID)
	if err != nil {
		return err
	}
	if p.ScheduleJobID != nil && s.scheduler != nil {
		if err := s.scheduler.RemoveJob(uuid.MustParse(*p.ScheduleJobID)); err != nil {
			log.Println("unable to remove existing job: ", err)
		}
	}
	if err := s.pipelineStore.DeletePipeline(ctx, pipelineID); err != nil {
		return err
	}
	s.ShutdownRunQueue(pipelineID)
	s.RemoveRunQueue(pipelineID)
	return nil
}

// CollectRunArtifacts downloads a passed run's artifact directory from
// the run's agent into artifacts/<run id> and returns the local path.
// Controller agent runs are copied from the local filesystem instead of
// going through SFTP.
func (s *PipelineService) CollectRunArtifacts(
	ctx context.Context,
	pipelineID, runID int64,
) (string, error) {
	if exists, _ := util.PathExists("artifacts"); !exists {
		os.Mkdir("artifacts", os.ModePerm)
	}

	p, err := s.GetPipelineByID(ctx, pipelineID)
	if err != nil {
		return "", err
	}
	a, err := s.agentStore.ReadAgentByID(ctx, p.PipelineAgentID)
	if err != nil {
		return "", err
	}
	r, err := s.GetRunByID(ctx, runID)
	if err != nil {
		return "", err
	}
	if r.WorkingDirectory == nil {
		return "", fmt.Errorf("run %d has not started", runID)
	}
	if r.Artifacts == nil || *r.Artifacts == "" {
		return "", fmt.Errorf("run %d produced no artifacts", runID)
	}

	artifactsDir := path.Join("artifacts", fmt.Sprintf("%d", r.RunID))
	if exists, _ := util.PathExists(artifactsDir); exists {
		return artifactsDir, nil
	}
	if err := os.Mkdir(artifactsDir, os.ModePerm); err != nil {
		return "", err
	}

	remoteDir := filepath.Join(
		a.Workspace,
		*r.WorkingDirectory,
		util.RepositoryDir(p.Repository),
		*r.Artifacts,
	)

	if a.IsController() {
		if err := copyDirectory(remoteDir, path.Join(artifactsDir, *r.Artifacts)); err != nil {
			return "", err
		}
		return artifactsDir, nil
	}

	c, err := s.credentialStore.ReadCredentialByID(ctx, *a.AgentCredentialID)
	if err != nil {
		return "", err
	}
	privateKey, err := s.aesEncrypter.DecryptAES(c.SSHPrivateKeyHash)
	if err != nil {
		return "", err
	}
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	cc := &ssh.ClientConfig{
		User:            c.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	client, err := ssh.Dial("tcp", util.SSHAddress(a.Hostname), cc)
	if err != nil {
		return "", err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return "", err
	}
	defer sftpClient.Close()

	if err := recursiveDownload(
		sftpClient,
		remoteDir,
		filepath.Join(artifactsDir, *r.Artifacts),
	); err != nil {
		return "", err
	}

	return artifactsDir, nil
}

func recursiveDownload(sftpClient *sftp.Client, remotePath, localPath string) error {
	files, err := sftpClient.ReadDir(remotePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(localPath, os.ModePerm); err != nil {
		return err
	}

	for _, f := range files {
		remoteFilePath := filepath.Join(remotePath, f.Name())
		localFilePath := filepath.Join(localPath, f.Name())

		if f.IsDir() {
			if err := recursiveDownload(
				sftpClient, remoteFilePath, localFilePath,
			); err != nil {
				return err
			}
		} else {
			if err := downloadFile(
				sftpClient, remoteFilePath, localFilePath,
			); err != nil {
				return err
			}
		}
	}

	return nil
}

func downloadFile(sftpClient *sftp.Client, remotePath, localPath string) error {
	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return err
	}
	defer remoteFile.Close()

	localFile, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		return err
	}

	return nil
}

func copyDirectory(srcDir, dstDir string) error {
	return filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(dst, os.ModePerm)
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, src)
		return err
	})
}

func (s *PipelineService) CreateRun(
	ctx context.Context,
	pipelineID int64,
	branch, commitSHA string,
	trigger store.TriggerKind,
) (*store.Run, error) {
	return s.runStore.CreateRun(ctx, pipelineID, branch, commitSHA, trigger)
}

func (s *PipelineService) GetRunByID(
	ctx context.Context, runID int64,
) (*store.Run, error) {
	return s.runStore.ReadRunByID(ctx, runID)
}

func (s *PipelineService) UpdateRunStartedOn(
	ctx context.Context,
	runID int64,
	workingDirectory string,
	status store.RunStatus,
	startedOn *time.Time,
) error {
	return s.runStore.UpdateRunStartedOn(
		ctx, runID, workingDirectory, status, startedOn,
	)
}

func (s *PipelineService) UpdateRunEndedOn(
	ctx context.Context,
	runID int64,
	status store.RunStatus,
	artifacts *string,
	endedOn *time.Time,
) error {
	return s.runStore.UpdateRunEndedOn(
		ctx, runID, status, artifacts, endedOn,
	)
}

func (s *PipelineService) DeleteRun(
	ctx context.Context, runID int64,
) error {
	return s.runStore.DeleteRun(ctx, runID)
}

func (s *PipelineService) ListLatestPipelineRuns(
	ctx context.Context,
	pipelineID, limit int64,
) ([]store.Run, error) {
	return s.runStore.ListLatestPipelineRuns(ctx, pipelineID, limit)
}

func (s *PipelineService) ListPipelineRunsPaginated(
	ctx context.Context,
	pipelineID, limit, offset int64,
) ([]store.Run, error) {
	return s.runStore.ListPipelineRunsPaginated(
		ctx, pipelineID, limit, offset,
	)
}

func (s *PipelineService) GetPipelineRunCount(
	ctx context.Context, id int64,
) (int64, error) {
	return s.runStore.CountPipelineRuns(ctx, id)
}

func (s *PipelineService) CreateRunSteps(
	ctx context.Context,
	runID int64,
	names []string,
) ([]store.Step, error) {
	return s.runStore.CreateRunSteps(ctx, runID, names)
}

func (s *PipelineService) UpdateRunStepStartedOn(
	ctx context.Context,
	stepID int64,
	status store.StepStatus,
	startedOn *time.Time,
) error {
	return s.runStore.UpdateRunStepStartedOn(ctx, stepID, status, startedOn)
}

func (s *PipelineService) UpdateRunStepEndedOn(
	ctx context.Context,
	stepID int64,
	status store.StepStatus,
	endedOn *time.Time,
) error {
	return s.runStore.UpdateRunStepEndedOn(ctx, stepID, status, endedOn)
}

func (s *PipelineService) MarkPendingStepsSkipped(
	ctx context.Context,
	runID int64,
) error {
	return s.runStore.MarkPendingStepsSkipped(ctx, runID)
}

func (s *PipelineService) ListRunSteps(
	ctx context.Context,
	runID int64,
) ([]store.Step, error) {
	steps, err := s.runStore.ListRunSteps(ctx, runID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return steps, nil
}

// GetFirstFailedStep returns the step a failed run stopped at, or nil
// when the run has no failed step.
func (s *PipelineService) GetFirstFailedStep(
	ctx context.Context,
	runID int64,
) (*store.Step, error) {
	step, err := s.runStore.ReadFirstFailedStep(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return step, nil
}

func (s *PipelineService) GetAPIKeyByValue(
	ctx context.Context,
	value string,
) (*store.APIKey, error) {
	return s.apiKeyStore.ReadAPIKeyByValue(ctx, value)
}

// TriggerPush starts a run for a push to the pipeline's branch. Active
// push runs on the same branch are superseded: queued ones are marked
// cancelled in place and a running one is interrupted through its
// cancel func, then the new head commit's run is enqueued.
func (s *PipelineService) TriggerPush(
	ctx context.Context,
	repository, branch, commitSHA string,
) (*store.Run, error) {
	p, err := s.pipelineStore.ReadPipelineByRepository(ctx, repository)
	if err != nil {
		return nil, err
	}
	if p.Branch != branch {
		return nil, nil
	}

	active, err := s.runStore.ListActivePushRuns(ctx, p.PipelineID, branch)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	for _, old := range active {
		if err := s.CancelRun(ctx, p.PipelineID, old.RunID); err != nil {
			log.Println("err cancelling superseded run:", err)
		}
	}

	r, err := s.CreateRun(ctx, p.PipelineID, branch, commitSHA, store.TriggerPush)
	if err != nil {
		return nil, err
	}
	if err := s.EnqueueRun(r); err != nil {
		return nil, err
	}
	return r, nil
}

// TriggerPullRequest starts a run for a pull request whose base is the
// pipeline's branch. The head commit is what gets built.
func (s *PipelineService) TriggerPullRequest(
	ctx context.Context,
	repository, baseBranch, headBranch, commitSHA string,
) (*store.Run, error) {
	p, err := s.pipelineStore.ReadPipelineByRepository(ctx, repository)
	if err != nil {
		return nil, err
	}
	if p.Branch != baseBranch {
		return nil, nil
	}

	r, err := s.CreateRun(
		ctx, p.PipelineID, headBranch, commitSHA, store.TriggerPullRequest,
	)
	if err != nil {
		return nil, err
	}
	if err := s.EnqueueRun(r); err != nil {
		return nil, err
	}
	return r, nil
}

// CancelRun cancels a run in whichever state it is in. A queued run is
// marked cancelled so the queue skips it on dequeue; a running run is
// interrupted through its context cancel func.
func (s *PipelineService) CancelRun(ctx context.Context, pipelineID, runID int64) error {
	r, err := s.runStore.ReadRunByID(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status == store.StatusQueued {
		if err := s.runStore.UpdateRunStatus(ctx, runID, store.StatusCancelled); err != nil {
			return err
		}
	}
	if rq, ok := s.GetPipelineRunQueue(pipelineID); ok {
		rq.CancelRun(runID)
	}
	return nil
}

func (s *PipelineService) SchedulePipelineRun(
	pipelineID int64,
	schedule, branch string,
) (*string, error) {
	if s.scheduler == nil {
		return nil, nil
	}
	job, err := s.scheduler.NewJob(
		gocron.CronJob(schedule, false),
		gocron.NewTask(func() {
			if r, err := s.CreateRun(
				context.Background(),
				pipelineID,
				branch,
				"",
				store.TriggerSchedule,
			); err == nil {
				if err := s.EnqueueRun(r); err != nil {
					log.Println("queue is full")
					return
				}
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("error scheduling pipeline job: %w", err)
	}
	return util.AsPtr(job.ID().String()), nil
}

func (s *PipelineService) AddRunQueues(ids []int64, maxRuns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.queues[id] = NewRunQueue(s, maxRuns)
	}
}

func (s *PipelineService) StartRunQueues() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queues {
		go s.queues[i].Run()
	}
}

func (s *PipelineService) AddRunQueue(id int64, maxRuns int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[id] = NewRunQueue(s, maxRuns)
}

func (s *PipelineService) StartRunQueue(id int64) error {
	rq, ok := s.GetPipelineRunQueue(id)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", id)
	}
	go rq.Run()
	return nil
}

func (s *PipelineService) GetPipelineRunQueue(id int64) (*RunQueue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rq, ok := s.queues[id]
	return rq, ok
}

func (s *PipelineService) RemoveRunQueue(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, id)
}

func (s *PipelineService) EnqueueRun(r *store.Run) error {
	rq, ok := s.GetPipelineRunQueue(r.RunPipelineID)
	if !ok {
		return fmt.Errorf("run queue for pipeline %d does not exist", r.RunPipelineID)
	}

	return rq.Enqueue(r)
}

func (s *PipelineService) ShutdownRunQueue(id int64) {
	rq, ok := s.GetPipelineRunQueue(id)
	if !ok {
		return
	}
	rq.Shutdown()
}

func (s *PipelineService) ShutdownAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wg sync.WaitGroup
	for _, rq := range s.queues {
		wg.Go(func() {
			rq.Shutdown()
		})
	}
	wg.Wait()
}
