package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hupe1980/researchmail/journal"
)

// ListRuns lists journaled runs, newest first.
// GET /v1/runs?limit=20
func (h *Handler) ListRuns(c echo.Context) error {
	j := h.svc.Journal()
	if j == nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: "journal is disabled"})
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid limit"})
		}
		limit = n
	}

	runs, err := j.Runs(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to list runs"})
	}

	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRunEvents replays the events of a journaled run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	j := h.svc.Journal()
	if j == nil {
		return c.JSON(http.StatusNotFound, errorBody{Error: "journal is disabled"})
	}

	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := j.Run(ctx, runID)
	if journal.IsNotFound(err) {
		return c.JSON(http.StatusNotFound, errorBody{Error: "run not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to get run"})
	}

	events, err := j.Events(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorBody{Error: "failed to get events"})
	}

	return c.JSON(http.StatusOK, map[string]any{"run": run, "events": events})
}
