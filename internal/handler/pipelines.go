package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/louhela/crateci/internal/service"
	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/util"
	"github.com/labstack/echo/v4"
)

const maxRunsPerPage int64 = 10

func SetupPipelineRoutes(
	g *echo.Group,
	pipelineService PipelineServicer,
) {
	h := NewPipelineHandler(pipelineService)
	pipelinesGroup := g.Group("/pipelines", IsAuthenticated)
	pipelinesGroup.GET("", h.GetPipelines)
	pipelinesGroup.POST("", h.PostPipeline, RoleMiddleware(store.Admin))
	pipelinesGroup.GET("/:pipeline_id", h.GetPipeline)
	pipelinesGroup.PATCH("/:pipeline_id", h.PatchPipeline, RoleMiddleware(store.Admin))
	pipelinesGroup.DELETE("/:pipeline_id", h.DeletePipeline, RoleMiddleware(store.Admin))
	pipelinesGroup.PATCH("/:pipeline_id/schedule", h.PatchPipelineSchedule, RoleMiddleware(store.Admin))
	pipelinesGroup.GET("/:pipeline_id/latest-runs", h.GetLatestPipelineRuns)
	pipelinesGroup.GET("/:pipeline_id/runs", h.GetPipelineRuns)
	pipelinesGroup.POST("/:pipeline_id/runs", h.PostPipelineRun)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id", h.GetPipelineRun)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/steps", h.GetPipelineRunSteps)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/failed-step", h.GetPipelineRunFailedStep)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/output", h.GetPipelineRunOutput)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/status", h.GetPipelineRunStatus)
	pipelinesGroup.GET("/:pipeline_id/runs/:run_id/artifacts", h.GetPipelineRunArtifacts)
	pipelinesGroup.POST("/:pipeline_id/runs/:run_id/cancel", h.PostCancelPipelineRun)
	pipelinesGroup.DELETE("/:pipeline_id/runs/:run_id", h.DeletePipelineRun, RoleMiddleware(store.Admin))
}

type PipelineWriter interface {
	CreatePipeline(
		ctx context.Context,
		agentID int64,
		name, description, repository, branch, manifestPath string,
	) (*store.Pipeline, error)
	UpdatePipeline(
		ctx context.Context,
		pipelineID, agentID int64,
		name, description, repository, branch, manifestPath string,
	) error
	UpdatePipelineSchedule(ctx context.Context, id int64, schedule *string) error
	DeletePipeline(ctx context.Context, pipelineID int64) error
}

type PipelineReader interface {
	GetPipelineByID(
		ctx context.Context,
		pipelineID int64,
	) (*store.Pipeline, error)
	GetPipelineByRepository(ctx context.Context, repository string) (*store.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*store.Pipeline, error)
	CollectRunArtifacts(ctx context.Context, pipelineID, runID int64) (string, error)
}

type PipelineRunWriter interface {
	CreateRun(
		ctx context.Context,
		pipelineID int64,
		branch, commitSHA string,
		trigger store.TriggerKind,
	) (*store.Run, error)
	DeleteRun(ctx context.Context, runID int64) error
	TriggerPush(ctx context.Context, repository, branch, commitSHA string) (*store.Run, error)
	TriggerPullRequest(
		ctx context.Context,
		repository, baseBranch, headBranch, commitSHA string,
	) (*store.Run, error)
	CancelRun(ctx context.Context, pipelineID, runID int64) error
}

type PipelineRunReader interface {
	GetRunByID(ctx context.Context, runID int64) (*store.Run, error)
	ListLatestPipelineRuns(ctx context.Context, id, limit int64) ([]store.Run, error)
	ListPipelineRunsPaginated(ctx context.Context, id, limit, offset int64) ([]store.Run, error)
	GetPipelineRunCount(ctx context.Context, id int64) (int64, error)
	ListRunSteps(ctx context.Context, runID int64) ([]store.Step, error)
	GetFirstFailedStep(ctx context.Context, runID int64) (*store.Step, error)
}

type RunQueueServicer interface {
	GetPipelineRunQueue(id int64) (*service.RunQueue, bool)
	EnqueueRun(run *store.Run) error
}

type PipelineServicer interface {
	PipelineWriter
	PipelineReader
	PipelineRunWriter
	PipelineRunReader
	RunQueueServicer
}

type PipelineHandler struct {
	pipelineService PipelineServicer
}

func NewPipelineHandler(pipelineService PipelineServicer) *PipelineHandler {
	return &PipelineHandler{pipelineService: pipelineService}
}

func (h *PipelineHandler) GetPipelines(c echo.Context) error {
	pipelines, err := h.pipelineService.ListPipelines(c.Request().Context())
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(c, err,
			http.StatusInternalServerError, "something went wrong listing pipelines",
		)
	}
	return c.JSON(http.StatusOK, pipelines)
}

func (h *PipelineHandler) PostPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	p, err := h.pipelineService.CreatePipeline(
		c.Request().Context(),
		pp.PipelineAgentID,
		pp.Name,
		pp.Description,
		pp.Repository,
		pp.Branch,
		pp.ManifestPath,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return newError(c, err,
				http.StatusConflict,
				fmt.Sprintf("A pipeline with the name %s already exists", pp.Name),
			)
		} else {
			return newError(c, err,
				http.StatusInternalServerError, "Unable to create pipeline",
			)
		}
	}

	return c.JSON(http.StatusCreated, p)
}

func (h *PipelineHandler) GetPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), pp.PipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusNotFound, "pipeline not found")
		}
		return newError(c, err,
			http.StatusInternalServerError,
			"something went wrong getting pipeline data",
		)
	}

	return c.JSON(http.StatusOK, p)
}

func (h *PipelineHandler) PatchPipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	pp.Name = strings.TrimSpace(pp.Name)
	pp.Description = strings.TrimSpace(pp.Description)
	pp.ManifestPath = strings.TrimSpace(pp.ManifestPath)

	err := h.pipelineService.UpdatePipeline(
		c.Request().Context(),
		pp.PipelineID,
		pp.PipelineAgentID,
		pp.Name,
		pp.Description,
		pp.Repository,
		pp.Branch,
		pp.ManifestPath,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusNotFound, "pipeline not found")
		}
		return newError(c, err,
			http.StatusInternalServerError,
			"something went wrong updating the pipeline",
		)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) PatchPipelineSchedule(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	if err := h.pipelineService.UpdatePipelineSchedule(
		c.Request().Context(), pp.PipelineID, pp.Schedule,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusBadRequest, "invalid pipeline id")
		}
		return newError(
			c, err, http.StatusInternalServerError, "unable to update pipeline schedule",
		)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *PipelineHandler) DeletePipeline(c echo.Context) error {
	pp := new(PipelineParams)
	if err := c.Bind(pp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	if pp.PipelineID == 0 {
		return newError(c, errors.New("pipeline id was zero"),
			http.StatusBadRequest, "invalid pipeline id",
		)
	}

	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), pp.PipelineID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusNotFound, "pipeline not found")
		}
		return newError(c, err, http.StatusInternalServerError, "unable to delete pipeline")
	}

	if err := h.pipelineService.DeletePipeline(
		c.Request().Context(), p.PipelineID,
	); err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to delete pipeline")
	}

	return c.NoContent(http.StatusNoContent)
}

// PostPipelineRun starts a manual run of the pipeline's branch head.
func (h *PipelineHandler) PostPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	p, err := h.pipelineService.GetPipelineByID(c.Request().Context(), rp.PipelineID)
	if err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to read pipeline data")
	}

	branch := rp.Branch
	if branch == "" {
		branch = p.Branch
	}

	r, err := h.pipelineService.CreateRun(
		c.Request().Context(), p.PipelineID, branch, rp.CommitSHA, store.TriggerManual,
	)
	if err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to create pipeline run")
	}

	if err := h.pipelineService.EnqueueRun(r); err != nil {
		return newError(c, err, http.StatusTooManyRequests, "pipeline run queue is full")
	}

	return c.JSON(http.StatusCreated, r)
}

func (h *PipelineHandler) GetPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	r, err := h.pipelineService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusNotFound, "run not found")
		}
		return newError(c, err, http.StatusInternalServerError, "unable to read run data")
	}

	return c.JSON(http.StatusOK, r)
}

func (h *PipelineHandler) GetPipelineRunSteps(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	steps, err := h.pipelineService.ListRunSteps(c.Request().Context(), rp.RunID)
	if err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to list run steps")
	}

	return c.JSON(http.StatusOK, steps)
}

// GetPipelineRunFailedStep answers which step a failed run stopped at.
func (h *PipelineHandler) GetPipelineRunFailedStep(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	step, err := h.pipelineService.GetFirstFailedStep(c.Request().Context(), rp.RunID)
	if err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to read run steps")
	}
	if step == nil {
		return newError(c, nil, http.StatusNotFound, "run has no failed step")
	}

	return c.JSON(http.StatusOK, step)
}

func (h *PipelineHandler) GetLatestPipelineRuns(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline data")
	}

	runs, err := h.pipelineService.ListLatestPipelineRuns(
		c.Request().Context(), rp.PipelineID, 3,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(c, err, http.StatusBadRequest, "unable to list pipeline runs")
	}

	return c.JSON(http.StatusOK, runs)
}

func (h *PipelineHandler) GetPipelineRuns(c echo.Context) error {
	lrp := new(ListRunsParams)
	if err := c.Bind(lrp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid request data")
	}

	count, err := h.pipelineService.GetPipelineRunCount(c.Request().Context(), lrp.PipelineID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(c, err, http.StatusInternalServerError, "unable to count pipeline runs")
	}

	maxPages := count / maxRunsPerPage
	if count%maxRunsPerPage != 0 {
		maxPages++
	}

	page := max(lrp.Page, 1)
	runs, err := h.pipelineService.ListPipelineRunsPaginated(
		c.Request().Context(),
		lrp.PipelineID,
		maxRunsPerPage,
		(page-1)*maxRunsPerPage,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusInternalServerError, "error listing pipeline runs")
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"runs":      runs,
		"page":      page,
		"max_pages": maxPages,
		"count":     count,
	})
}

func (h *PipelineHandler) GetPipelineRunArtifacts(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	artifactsDir, err := h.pipelineService.CollectRunArtifacts(
		c.Request().Context(),
		rp.PipelineID,
		rp.RunID,
	)
	if err != nil {
		return newError(
			c, err,
			http.StatusInternalServerError, "unable to collect pipeline artifacts",
		)
	}

	archive := path.Join("artifacts", fmt.Sprintf("%d.zip", rp.RunID))
	if exists, _ := util.PathExists(archive); !exists {
		archive, err = util.ArchiveDirectory(artifactsDir)
		if err != nil {
			return newError(
				c, err,
				http.StatusInternalServerError, "unable to archive collected output",
			)
		}
	}

	return c.File(archive)
}

func (h *PipelineHandler) GetPipelineRunOutput(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid request ID")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rq, ok := h.pipelineService.GetPipelineRunQueue(rp.PipelineID)
	if !ok {
		return nil
	}

	id := uuid.NewString()
	ch := rq.OutputSSEClients.AddClient(id)
	defer rq.OutputSSEClients.RemoveClient(id)

	for {
		select {
		case <-c.Request().Context().Done():
			// client disconnected
			return nil
		case out := <-ch:
			event := &Event{Data: []byte(out)}
			if err := event.MarshalTo(w); err != nil {
				log.Println("err marshaling event data:", err)
			}
			w.Flush()
		default:
			time.Sleep(1 * time.Second)
		}
	}
}

func (h *PipelineHandler) GetPipelineRunStatus(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid request ID")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rq, ok := h.pipelineService.GetPipelineRunQueue(rp.PipelineID)
	if !ok {
		return nil
	}

	id := uuid.NewString()
	ch := rq.StatusSSEClients.AddClient(id)
	defer rq.StatusSSEClients.RemoveClient(id)

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case r := <-ch:
			b, err := json.Marshal(r)
			if err != nil {
				log.Println("err marshaling run status:", err)
				continue
			}
			event := &Event{Data: b}
			if err := event.MarshalTo(w); err != nil {
				log.Println("err marshaling event data:", err)
			}
			w.Flush()
		default:
			time.Sleep(3 * time.Second)
		}
	}
}

func (h *PipelineHandler) PostCancelPipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	r, err := h.pipelineService.GetRunByID(c.Request().Context(), rp.RunID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return newError(c, err, http.StatusNotFound, "run not found")
		}
		return newError(c, err, http.StatusInternalServerError, "unable to read run data")
	}

	if r.Status != store.StatusQueued && r.Status != store.StatusRunning {
		return newError(c, nil, http.StatusConflict, "run has already ended")
	}

	if err := h.pipelineService.CancelRun(
		c.Request().Context(), rp.PipelineID, rp.RunID,
	); err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to cancel run")
	}

	return c.NoContent(http.StatusAccepted)
}

func (h *PipelineHandler) DeletePipelineRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(c, err, http.StatusBadRequest, "invalid pipeline or run ID")
	}

	if err := h.pipelineService.DeleteRun(c.Request().Context(), rp.RunID); err != nil {
		return newError(c, err, http.StatusInternalServerError, "unable to delete run")
	}

	return c.NoContent(http.StatusNoContent)
}
