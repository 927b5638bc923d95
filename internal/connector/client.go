package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perkflow/integration-gateway/internal/secrets"
)

// Client is the shared HTTP client for OAuth-connector backed integrations.
// The access token is fetched from the secret store per call, so token
// rotation never requires a restart.
type Client struct {
	httpClient *http.Client
	secrets    secrets.Store
}

func New(store secrets.Store, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		secrets:    store,
	}
}

// Response is the raw result of a connector call.
type Response struct {
	StatusCode int
	Body       []byte
}

// PostJSON sends a Bearer-authenticated JSON POST using the token stored
// under tokenSecret. Network errors are returned as-is; non-2xx statuses are
// returned in Response for the caller to classify.
func (c *Client) PostJSON(ctx context.Context, tokenSecret, url string, body any) (*Response, error) {
	token, err := c.secrets.Get(tokenSecret)
	if err != nil {
		return nil, fmt.Errorf("connector token: %w", err)
	}

	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	return &Response{StatusCode: res.StatusCode, Body: respBody}, nil
}
