package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/perkflow/integration-gateway/internal/metrics"
	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/repository"
	"github.com/perkflow/integration-gateway/internal/util"
)

type enqueueReq struct {
	IntegrationID  string          `json:"integration_id"`
	Operation      string          `json:"operation"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// enqueueHandler is the producer-facing entry point: it durably records the
// intended side-effect and returns immediately. An unknown integration_id is
// accepted here and fails deterministically at dispatch time.
func enqueueHandler(outboxRepo repository.OutboxRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req enqueueReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.IntegrationID = strings.TrimSpace(req.IntegrationID)
		req.Operation = strings.TrimSpace(req.Operation)
		if req.IntegrationID == "" || req.Operation == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "integration_id and operation are required"})
		}
		if len(req.Payload) == 0 || !json.Valid(req.Payload) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "payload must be a JSON value"})
		}

		item := model.OutboxItem{
			ID:            util.New(),
			IntegrationID: req.IntegrationID,
			Operation:     req.Operation,
			Payload:       req.Payload,
			Status:        model.StatusQueued,
		}
		if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
			item.IdempotencyKey = &k
		}

		if err := outboxRepo.Enqueue(c.Request().Context(), nil, item); err != nil {
			if errors.Is(err, repository.ErrDuplicateIdempotencyKey) {
				return c.JSON(http.StatusOK, map[string]any{
					"enqueued":  false,
					"duplicate": true,
				})
			}
			log.Errorf("enqueue failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		metrics.OutboxItemsTotal.WithLabelValues("queued", item.IntegrationID).Inc()

		return c.JSON(http.StatusAccepted, map[string]any{
			"enqueued":       true,
			"id":             item.ID,
			"integration_id": item.IntegrationID,
		})
	}
}
