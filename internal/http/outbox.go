package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/repository"
)

// listOutboxHandler exposes outbox state to operators; dead-letter
// visibility is the point.
func listOutboxHandler(outboxRepo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		status, ok := model.ParseOutboxStatus(c.QueryParam("status"))
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
		}

		limit := 50
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}

		items, err := outboxRepo.List(c.Request().Context(), status, limit)
		if err != nil {
			log.Errorf("outbox list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(items),
			"results": items,
		})
	}
}

// retryOutboxHandler is the manual operator escape hatch: only an explicit
// retry leaves dead_letter.
func retryOutboxHandler(outboxRepo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing id"})
		}

		ctx := c.Request().Context()
		ok, err := outboxRepo.Retry(ctx, id)
		if err != nil {
			log.Errorf("outbox retry failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if !ok {
			item, err := outboxRepo.GetByID(ctx, id)
			if err != nil {
				log.Errorf("outbox get failed: %v", err)
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
			}
			if item == nil {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			return c.JSON(http.StatusConflict, map[string]any{
				"error":  "item is not retryable",
				"status": item.Status,
			})
		}

		return c.JSON(http.StatusOK, map[string]any{"id": id, "status": model.StatusQueued})
	}
}
