package handler

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/louhela/crateci/internal"
	"github.com/louhela/crateci/internal/service"
	"github.com/louhela/crateci/internal/store"
	"github.com/louhela/crateci/internal/util"
	"github.com/labstack/echo/v4"
)

// Webhook endpoints are authenticated with an API key header instead of
// a session, so they live outside the session-guarded groups.
func SetupHookRoutes(
	e *echo.Echo,
	pipelineService PipelineServicer,
	apiKeyService APIKeyServicer,
	deliveries *store.DeliveryStore,
) {
	h := NewHookHandler(pipelineService, apiKeyService, deliveries)
	g := e.Group("/hooks")
	g.POST("/push", h.PostPushHook)
	g.POST("/pull-request", h.PostPullRequestHook)
}

type HookHandler struct {
	pipelineService PipelineServicer
	apiKeyService   APIKeyServicer
	deliveries      *store.DeliveryStore
}

func NewHookHandler(
	pipelineService PipelineServicer,
	apiKeyService APIKeyServicer,
	deliveries *store.DeliveryStore,
) *HookHandler {
	return &HookHandler{
		pipelineService: pipelineService,
		apiKeyService:   apiKeyService,
		deliveries:      deliveries,
	}
}

func (h *HookHandler) authenticate(c echo.Context) error {
	apiKeyValue := c.Request().Header.Get(internal.WebhookTriggerKeyHeader)
	if apiKeyValue == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing api key")
	}
	if _, err := h.apiKeyService.GetAPIKeyByValue(
		c.Request().Context(), apiKeyValue,
	); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key").WithInternal(err)
	}
	return nil
}

// seenDelivery reports whether the event was already handled. Dedup
// failures only log; a duplicate run is preferable to a dropped push.
func (h *HookHandler) seenDelivery(deliveryID string) bool {
	seen, err := h.deliveries.Seen(deliveryID)
	if err != nil {
		log.Println("err checking webhook delivery:", err)
		return false
	}
	return seen
}

// recordDelivery marks the event handled. It runs only after the
// trigger has been accepted, so a failed trigger stays retryable under
// the same delivery ID.
func (h *HookHandler) recordDelivery(deliveryID string) {
	if deliveryID == "" {
		return
	}
	expires := time.Now().UTC().Add(time.Duration(internal.Config.DeliveryExpiresHours))
	if err := h.deliveries.Add(deliveryID, expires); err != nil {
		log.Println("err recording webhook delivery:", err)
	}
}

// PostPushHook handles a push event. Only pushes to the branch the
// pipeline watches start a run; anything else is acknowledged and
// ignored so the sender does not retry.
func (h *HookHandler) PostPushHook(c echo.Context) error {
	if err := h.authenticate(c); err != nil {
		return err
	}

	hp := new(PushHookParams)
	if err := c.Bind(hp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid push payload")
	}
	if hp.Repository == "" || hp.After == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing repository or commit")
	}

	branch := util.BranchFromRef(hp.Ref)
	if branch == "" {
		return c.JSON(http.StatusOK, map[string]string{"message": "ref ignored"})
	}

	if h.seenDelivery(hp.DeliveryID) {
		return c.JSON(http.StatusOK, map[string]string{"message": "duplicate delivery"})
	}

	r, err := h.pipelineService.TriggerPush(
		c.Request().Context(), hp.Repository, branch, hp.After,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "no pipeline for repository")
		}
		var full *service.ErrRunQueueFull
		if errors.As(err, &full) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "pipeline run queue is full")
		}
		return echo.NewHTTPError(
			http.StatusInternalServerError, "unable to trigger run",
		).WithInternal(err)
	}
	h.recordDelivery(hp.DeliveryID)
	if r == nil {
		return c.JSON(http.StatusOK, map[string]string{"message": "branch ignored"})
	}

	return c.JSON(http.StatusCreated, r)
}

// PostPullRequestHook handles pull request opened and synchronize
// events targeting the pipeline's branch.
func (h *HookHandler) PostPullRequestHook(c echo.Context) error {
	if err := h.authenticate(c); err != nil {
		return err
	}

	hp := new(PullRequestHookParams)
	if err := c.Bind(hp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid pull request payload")
	}
	if hp.Repository == "" || hp.HeadSHA == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing repository or commit")
	}

	switch hp.Action {
	case "opened", "synchronize", "reopened":
	default:
		return c.JSON(http.StatusOK, map[string]string{"message": "action ignored"})
	}

	if h.seenDelivery(hp.DeliveryID) {
		return c.JSON(http.StatusOK, map[string]string{"message": "duplicate delivery"})
	}

	r, err := h.pipelineService.TriggerPullRequest(
		c.Request().Context(), hp.Repository, hp.BaseBranch, hp.HeadBranch, hp.HeadSHA,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return echo.NewHTTPError(http.StatusNotFound, "no pipeline for repository")
		}
		var full *service.ErrRunQueueFull
		if errors.As(err, &full) {
			return echo.NewHTTPError(http.StatusTooManyRequests, "pipeline run queue is full")
		}
		return echo.NewHTTPError(
			http.StatusInternalServerError, "unable to trigger run",
		).WithInternal(err)
	}
	h.recordDelivery(hp.DeliveryID)
	if r == nil {
		return c.JSON(http.StatusOK, map[string]string{"message": "base branch ignored"})
	}

	return c.JSON(http.StatusCreated, r)
}
