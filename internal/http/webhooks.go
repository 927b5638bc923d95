package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/perkflow/integration-gateway/internal/metrics"
	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/webhook"
)

const maxWebhookBody = 1 << 20 // 1MB

// EventPublisher hands verified events to downstream business processing.
// kafka.Producer satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, key, value []byte) error
}

// eventEnvelope is what downstream consumers receive for each verified,
// first-seen delivery.
type eventEnvelope struct {
	Provider   string          `json:"provider"`
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReceivedAt int64           `json:"received_at"`
}

// webhookHandler runs the inbound pipeline: signature -> timestamp ->
// dedupe -> publish. Duplicates are answered 200 so providers stop
// retrying; every rejection is explicit, never a silent drop.
func webhookHandler(guard *webhook.Guard, replay webhook.ReplayStore, pub EventPublisher, providers map[string]bool, replayTTL time.Duration) echo.HandlerFunc {
	return func(c echo.Context) error {
		provider := c.Param("provider")
		if !providers[provider] {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown provider"})
		}

		body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "cannot read body"})
		}

		if err := guard.Verify(provider, c.Request().Header.Get(webhook.SignatureHeader), body); err != nil {
			metrics.WebhookEventsTotal.WithLabelValues(provider, "rejected").Inc()
			log.Warnf("webhook rejected provider=%s: %v", provider, err)
			return c.JSON(http.StatusForbidden, map[string]string{"error": rejectionMessage(err)})
		}

		var event model.WebhookEvent
		if err := json.Unmarshal(body, &event); err != nil || event.ID == "" {
			metrics.WebhookEventsTotal.WithLabelValues(provider, "malformed").Inc()
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed event body"})
		}

		ctx := c.Request().Context()
		seen, err := replay.SeenOrRecord(ctx, provider, event.ID, replayTTL)
		if err != nil {
			log.Errorf("replay store error provider=%s: %v", provider, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "dedupe unavailable"})
		}
		if seen {
			metrics.WebhookEventsTotal.WithLabelValues(provider, "duplicate").Inc()
			return c.JSON(http.StatusOK, map[string]any{"received": true, "warning": "duplicate"})
		}

		env := eventEnvelope{
			Provider:   provider,
			EventID:    event.ID,
			EventType:  event.Type,
			Data:       event.Data,
			ReceivedAt: time.Now().Unix(),
		}
		value, _ := json.Marshal(env)
		if err := pub.Publish(ctx, []byte(provider+":"+event.ID), value); err != nil {
			// Compensate the dedupe record so the provider retry is not
			// mistaken for a duplicate.
			if ferr := replay.Forget(ctx, provider, event.ID); ferr != nil {
				log.Errorf("replay forget failed provider=%s event=%s: %v", provider, event.ID, ferr)
			}
			log.Errorf("publish failed provider=%s event=%s: %v", provider, event.ID, err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "event not accepted"})
		}

		metrics.WebhookEventsTotal.WithLabelValues(provider, "accepted").Inc()
		return c.JSON(http.StatusOK, map[string]any{"received": true})
	}
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, webhook.ErrTimestampTooOld):
		return "Timestamp too old"
	case errors.Is(err, webhook.ErrTimestampFuture):
		return "Timestamp too far in the future"
	case errors.Is(err, webhook.ErrMissingSignature):
		return "Missing signature header"
	default:
		return "Invalid signature"
	}
}
