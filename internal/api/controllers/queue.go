package controllers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/gopodq/internal/app"
	"github.com/datallboy/gopodq/internal/controller"
	"github.com/datallboy/gopodq/internal/domain"
)

const defaultHistoryLimit = 50

// QueueService is the part of the queue controller the HTTP front end drives.
type QueueService interface {
	Snapshot() controller.Snapshot
	Add(url, localPath string) (domain.QueueEntry, error)
	Delete(index int) error
	Move(index, newIndex int) error
	Retry(index int) error
	Purge() (int, error)
	Start() error
	Pause()
	Stop()
	Running() bool
	History(ctx context.Context, limit int) ([]*domain.Attempt, error)
	HistoryFor(ctx context.Context, url string) ([]*domain.Attempt, error)
}

type QueueController struct {
	App   *app.Context
	Queue QueueService
}

// List returns every entry plus aggregate counters
func (ctrl *QueueController) List(c *echo.Context) error {
	return c.JSON(http.StatusOK, ctrl.Queue.Snapshot())
}

func (ctrl *QueueController) Add(c *echo.Context) error {
	var req addRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
	}

	entry, err := ctrl.Queue.Add(req.URL, req.LocalPath)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (ctrl *QueueController) Delete(c *echo.Context) error {
	index, ok := parseIndex(c.Param("index"))
	if !ok {
		return badIndex(c, c.Param("index"))
	}

	if err := ctrl.Queue.Delete(index); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Move handles POST /api/queue/:index/move?to=N
func (ctrl *QueueController) Move(c *echo.Context) error {
	index, ok := parseIndex(c.Param("index"))
	if !ok {
		return badIndex(c, c.Param("index"))
	}
	to, ok := parseIndex(c.QueryParam("to"))
	if !ok {
		return badIndex(c, c.QueryParam("to"))
	}

	if err := ctrl.Queue.Move(index, to); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ctrl.Queue.Snapshot())
}

func (ctrl *QueueController) Retry(c *echo.Context) error {
	index, ok := parseIndex(c.Param("index"))
	if !ok {
		return badIndex(c, c.Param("index"))
	}

	if err := ctrl.Queue.Retry(index); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (ctrl *QueueController) Purge(c *echo.Context) error {
	removed, err := ctrl.Queue.Purge()
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, purgeResponse{Removed: removed})
}

func (ctrl *QueueController) Start(c *echo.Context) error {
	if err := ctrl.Queue.Start(); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, schedulerResponse{Running: ctrl.Queue.Running()})
}

func (ctrl *QueueController) Pause(c *echo.Context) error {
	ctrl.Queue.Pause()
	return c.JSON(http.StatusOK, schedulerResponse{Running: ctrl.Queue.Running()})
}

func (ctrl *QueueController) Stop(c *echo.Context) error {
	ctrl.Queue.Stop()
	return c.JSON(http.StatusOK, schedulerResponse{Running: ctrl.Queue.Running()})
}

// History handles GET /api/history?limit=N and GET /api/history?url=U
func (ctrl *QueueController) History(c *echo.Context) error {
	if url := c.QueryParam("url"); url != "" {
		attempts, err := ctrl.Queue.HistoryFor(c.Request().Context(), url)
		if err != nil {
			ctrl.App.Logger.Error("Reading history for %s: %v", url, err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, historyResponse{Attempts: attempts})
	}

	limit := defaultHistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", raw)})
		}
		limit = n
	}

	attempts, err := ctrl.Queue.History(c.Request().Context(), limit)
	if err != nil {
		ctrl.App.Logger.Error("Reading history: %v", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, historyResponse{Attempts: attempts})
}

func parseIndex(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func badIndex(c *echo.Context, raw string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid index %q", raw)})
}
