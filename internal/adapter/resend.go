package adapter

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/secrets"
)

const (
	resendDefaultBaseURL = "https://api.resend.com"
	resendAPIKeySecret   = "resend_api_key"
)

// Resend sends transactional email through the Resend REST API: JSON body,
// Bearer auth.
type Resend struct {
	baseURL string
	client  *http.Client
	secrets secrets.Store
}

func NewResend(store secrets.Store, baseURL string, timeout time.Duration) *Resend {
	if baseURL == "" {
		baseURL = resendDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resend{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		secrets: store,
	}
}

func (r *Resend) Name() string { return "resend" }

func (r *Resend) Send(ctx context.Context, item model.OutboxItem) Outcome {
	apiKey, err := r.secrets.Get(resendAPIKeySecret)
	if err != nil {
		// Retrying cannot conjure credentials.
		return Permanent("resend: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(item.Payload))
	if err != nil {
		return Permanent("resend: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := r.client.Do(req)
	if err != nil {
		return Transient("resend: %v", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Transient("resend: read response: %v", err)
	}

	return classifyHTTP("resend", res.StatusCode, body)
}
