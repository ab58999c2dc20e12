// Package handlers maps HTTP requests onto the gateway services and
// service errors back onto wire status codes.
package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/aetheriq/flowcore/cmd/gateway/service"
	"github.com/aetheriq/flowcore/common/models"
	"github.com/aetheriq/flowcore/common/repository"
)

// requestID returns the id assigned by the RequestID middleware
func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// respondError writes the wire representation of a service error:
// validation failures are 400 with field-level details, rate limits 429,
// missing records 404, dependency failures 502, anything else 500.
func respondError(c echo.Context, err error) error {
	var (
		rateErr    *service.RateLimitError
		unavailErr *service.UnavailableError
		wfErr      *models.WorkflowError
	)

	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]any{
			"error": "not_found",
		})

	case errors.As(err, &rateErr):
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":   "rate_limit_exceeded",
			"message": rateErr.Error(),
			"details": map[string]any{
				"limit":               rateErr.Limit,
				"window":              "60 seconds",
				"retry_after_seconds": rateErr.RetryAfterSeconds,
			},
		})

	case errors.As(err, &unavailErr):
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":   "dependency_unavailable",
			"message": unavailErr.Error(),
		})

	case errors.As(err, &wfErr) && wfErr.Category == models.CategoryValidation:
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":   wfErr.Code,
			"message": wfErr.Message,
			"details": wfErr.Details,
		})

	default:
		return c.JSON(http.StatusInternalServerError, map[string]any{
			"error": "internal_error",
		})
	}
}
