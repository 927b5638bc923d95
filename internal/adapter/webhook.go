package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/secrets"
	"github.com/perkflow/integration-gateway/internal/webhook"
)

const outgoingSigningSecret = "outgoing_webhook_secret"

// OutgoingWebhook POSTs signed payloads to user-configured URLs. The URL
// comes from the item payload, so it passes the SSRF allowlist before any
// request is built.
type OutgoingWebhook struct {
	allowlist *webhook.URLAllowlist
	client    *http.Client
	secrets   secrets.Store
}

func NewOutgoingWebhook(allowlist *webhook.URLAllowlist, store secrets.Store, timeout time.Duration) *OutgoingWebhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OutgoingWebhook{
		allowlist: allowlist,
		client:    &http.Client{Timeout: timeout},
		secrets:   store,
	}
}

func (o *OutgoingWebhook) Name() string { return "webhook" }

type outgoingPayload struct {
	Provider string          `json:"provider"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

func (o *OutgoingWebhook) Send(ctx context.Context, item model.OutboxItem) Outcome {
	var p outgoingPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return Permanent("webhook: malformed payload: %v", err)
	}
	if p.Provider == "" || p.URL == "" || len(p.Body) == 0 {
		return Permanent("webhook: provider, url and body are required")
	}

	if err := o.allowlist.Validate(p.Provider, p.URL); err != nil {
		return Permanent("webhook: %v", err)
	}

	secret, err := o.secrets.Get(outgoingSigningSecret)
	if err != nil {
		return Permanent("webhook: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(p.Body))
	if err != nil {
		return Permanent("webhook: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(secret, time.Now(), p.Body))

	res, err := o.client.Do(req)
	if err != nil {
		return Transient("webhook: %v", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Transient("webhook: read response: %v", err)
	}

	return classifyHTTP("webhook", res.StatusCode, body)
}
