package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/secrets"
)

const (
	twilioDefaultBaseURL   = "https://api.twilio.com"
	twilioAccountSIDSecret = "twilio_account_sid"
	twilioAuthTokenSecret  = "twilio_auth_token"
)

// Twilio sends SMS through the Twilio REST API: form-encoded body, Basic auth.
type Twilio struct {
	baseURL string
	client  *http.Client
	secrets secrets.Store
}

func NewTwilio(store secrets.Store, baseURL string, timeout time.Duration) *Twilio {
	if baseURL == "" {
		baseURL = twilioDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Twilio{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		secrets: store,
	}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Send(ctx context.Context, item model.OutboxItem) Outcome {
	sid, err := t.secrets.Get(twilioAccountSIDSecret)
	if err != nil {
		return Permanent("twilio: %v", err)
	}
	token, err := t.secrets.Get(twilioAuthTokenSecret)
	if err != nil {
		return Permanent("twilio: %v", err)
	}

	form, err := formEncode(item.Payload)
	if err != nil {
		return Permanent("twilio: %v", err)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", t.baseURL, sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
	if err != nil {
		return Permanent("twilio: build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(sid, token)

	res, err := t.client.Do(req)
	if err != nil {
		return Transient("twilio: %v", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Transient("twilio: read response: %v", err)
	}

	return classifyHTTP("twilio", res.StatusCode, body)
}

// formEncode flattens a one-level JSON object into URL-encoded form values.
// Nested values are passed through as their JSON encoding.
func formEncode(payload json.RawMessage) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("payload is not a JSON object: %w", err)
	}

	vals := url.Values{}
	for k, v := range fields {
		switch s := v.(type) {
		case string:
			vals.Set(k, s)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			vals.Set(k, string(b))
		}
	}
	return vals.Encode(), nil
}
