package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/api/service"
	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/logger"
	"github.com/lyzr/flowcore/common/ratelimit"
	"github.com/lyzr/flowcore/core/blueprint"
	"github.com/lyzr/flowcore/core/engine"
)

// RunHandler serves run lifecycle: start, poll, event stream, decisions
type RunHandler struct {
	runs    *service.RunManager
	store   blueprint.Store
	limiter *ratelimit.Limiter // nil disables admission control
	log     *logger.Logger
}

// NewRunHandler creates a run handler
func NewRunHandler(runs *service.RunManager, store blueprint.Store, limiter *ratelimit.Limiter, log *logger.Logger) *RunHandler {
	return &RunHandler{runs: runs, store: store, limiter: limiter, log: log}
}

// startRequest accepts either a stored blueprint id or an inline body
type startRequest struct {
	BlueprintID string               `json:"blueprint_id,omitempty"`
	Blueprint   *blueprint.Blueprint `json:"blueprint,omitempty"`
	Options     runOptions           `json:"options"`
}

type runOptions struct {
	SessionID     string         `json:"session_id,omitempty"`
	Tenant        string         `json:"tenant,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	MaxParallel   int64          `json:"max_parallel,omitempty"`
	TokenCeiling  int64          `json:"token_ceiling,omitempty"`
	DepthCeiling  int            `json:"depth_ceiling,omitempty"`
	FailurePolicy string         `json:"failure_policy,omitempty"`
}

// Start begins a run asynchronously
// POST /api/v1/runs
func (h *RunHandler) Start(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return httpError(c, errs.Wrap(errs.Validation, "invalid run request", err))
	}

	var bp *blueprint.Blueprint
	switch {
	case req.BlueprintID != "":
		stored, _, err := h.store.Get(c.Request().Context(), req.BlueprintID)
		if err != nil {
			return httpError(c, err)
		}
		bp = stored
	case req.Blueprint != nil:
		if err := req.Blueprint.Validate(); err != nil {
			return httpError(c, err)
		}
		bp = req.Blueprint
	default:
		return httpError(c, errs.New(errs.Validation, "blueprint_id or blueprint required"))
	}

	workflowID := bp.ID
	if workflowID == "" {
		workflowID = req.BlueprintID
	}

	if h.limiter != nil {
		if done, err := h.admit(c, req.Options.Tenant, bp); done {
			return err
		}
	}

	runID, err := h.runs.Start(workflowID, bp.Nodes, engine.RunOpts{
		SessionID:     req.Options.SessionID,
		Tenant:        req.Options.Tenant,
		Metadata:      req.Options.Metadata,
		MaxParallel:   req.Options.MaxParallel,
		TokenCeiling:  req.Options.TokenCeiling,
		DepthCeiling:  req.Options.DepthCeiling,
		FailurePolicy: engine.FailurePolicy(req.Options.FailurePolicy),
	})
	if err != nil {
		return httpError(c, err)
	}

	return c.JSON(http.StatusAccepted, map[string]any{
		"run_id":          runID,
		"events_endpoint": fmt.Sprintf("/api/v1/runs/%s/events", runID),
	})
}

// admit checks the global budget and the tenant's tier budget. Returns
// done=true when the response has been written. A limiter failure admits
// the run; a Redis outage must not take run starts down with it.
func (h *RunHandler) admit(c echo.Context, tenant string, bp *blueprint.Blueprint) (bool, error) {
	if tenant == "" {
		tenant = "anonymous"
	}
	ctx := c.Request().Context()

	global, err := h.limiter.CheckGlobal(ctx, ratelimit.DefaultGlobalLimit)
	if err != nil {
		h.log.Warn("admission check unavailable, admitting run", "error", err)
		return false, nil
	}
	if !global.Allowed {
		return true, tooManyRuns(c, "global run budget exhausted", global)
	}

	profile := ratelimit.Classify(bp.Nodes)
	tiered, err := h.limiter.CheckTenant(ctx, tenant, profile.Tier)
	if err != nil {
		h.log.Warn("admission check unavailable, admitting run", "error", err)
		return false, nil
	}
	if !tiered.Allowed {
		h.log.Info("run rejected by tier budget",
			"tenant", tenant,
			"tier", profile.Tier,
			"agent_nodes", profile.AgentNodes)
		return true, tooManyRuns(c, fmt.Sprintf("%s tier budget exhausted", profile.Tier), tiered)
	}
	return false, nil
}

func tooManyRuns(c echo.Context, msg string, res *ratelimit.Result) error {
	c.Response().Header().Set("Retry-After", fmt.Sprintf("%d", res.RetryAfterSeconds))
	return c.JSON(http.StatusTooManyRequests, map[string]any{
		"error":       msg,
		"limit":       res.Limit,
		"current":     res.CurrentCount,
		"retry_after": res.RetryAfterSeconds,
	})
}

// Get returns the run result, or 202 while the run is still executing
// GET /api/v1/runs/:id
func (h *RunHandler) Get(c echo.Context) error {
	runID := c.Param("id")
	result, done, err := h.runs.Result(runID)
	if err != nil {
		return httpError(c, err)
	}
	if !done {
		return c.JSON(http.StatusAccepted, map[string]any{
			"run_id": runID,
			"status": "running",
		})
	}
	return c.JSON(http.StatusOK, result)
}

// Events streams the run's typed events as server-sent events in emission
// order, starting from the beginning of the run
// GET /api/v1/runs/:id/events
func (h *RunHandler) Events(c echo.Context) error {
	runID := c.Param("id")
	events, cancelWatch, err := h.runs.Events(runID)
	if err != nil {
		return httpError(c, err)
	}
	defer cancelWatch()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	clientGone := c.Request().Context().Done()
	for {
		select {
		case <-clientGone:
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(e)
			if err != nil {
				h.log.Error("marshal event", "run_id", runID, "error", err)
				continue
			}
			fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", e.Type, payload)
			resp.Flush()
		}
	}
}

// Decide delivers an operator decision to a waiting human node
// POST /api/v1/runs/:id/nodes/:node_id/decision
func (h *RunHandler) Decide(c echo.Context) error {
	var decision map[string]any
	if err := c.Bind(&decision); err != nil {
		return httpError(c, errs.Wrap(errs.Validation, "invalid decision body", err))
	}
	if err := h.runs.SubmitDecision(c.Param("id"), c.Param("node_id"), decision); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "accepted"})
}

// Cancel requests cooperative cancellation of a running workflow
// POST /api/v1/runs/:id/cancel
func (h *RunHandler) Cancel(c echo.Context) error {
	if err := h.runs.Cancel(c.Param("id")); err != nil {
		return httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "cancelling"})
}
