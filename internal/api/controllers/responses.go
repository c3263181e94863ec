package controllers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/gopodq/internal/domain"
)

type addRequest struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type purgeResponse struct {
	Removed int `json:"removed"`
}

type schedulerResponse struct {
	Running bool `json:"running"`
}

type historyResponse struct {
	Attempts []*domain.Attempt `json:"attempts"`
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrDuplicateEntry):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIndexOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidURL), errors.Is(err, domain.ErrNotRetryable):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *echo.Context, err error) error {
	return c.JSON(statusFor(err), errorResponse{Error: err.Error()})
}
