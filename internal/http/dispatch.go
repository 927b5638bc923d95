package http

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/perkflow/integration-gateway/internal/dispatcher"
)

type dispatchReq struct {
	BatchSize int `json:"batch_size"`
}

// dispatchHandler is the on-demand dispatch trigger for operators and
// external schedulers. One call processes one bounded batch.
func dispatchHandler(d *dispatcher.Dispatcher, defaultBatch int, runTimeout time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dispatchReq
		if err := c.Bind(&req); err != nil && c.Request().ContentLength > 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		batch := req.BatchSize
		if batch <= 0 || batch > 1000 {
			batch = defaultBatch
		}

		ctx := c.Request().Context()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, runTimeout)
			defer cancel()
		}

		res, err := d.Dispatch(ctx, batch)
		if err != nil {
			log.Errorf("dispatch failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "dispatch failed"})
		}

		return c.JSON(http.StatusOK, res)
	}
}
