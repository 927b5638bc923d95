package adapter

import (
	"context"
	"encoding/json"

	"github.com/perkflow/integration-gateway/internal/connector"
	"github.com/perkflow/integration-gateway/internal/model"
)

const (
	slackDefaultBaseURL = "https://slack.com/api"
	slackTokenSecret    = "slack_access_token"
)

// Slack posts messages through the OAuth connector. Operations map onto
// Web API methods; unknown operations fail permanently.
type Slack struct {
	baseURL string
	conn    *connector.Client
}

func NewSlack(conn *connector.Client, baseURL string) *Slack {
	if baseURL == "" {
		baseURL = slackDefaultBaseURL
	}
	return &Slack{baseURL: baseURL, conn: conn}
}

func (s *Slack) Name() string { return "slack" }

var slackOps = map[string]string{
	"post_message":   "/chat.postMessage",
	"update_message": "/chat.update",
}

func (s *Slack) Send(ctx context.Context, item model.OutboxItem) Outcome {
	path, ok := slackOps[item.Operation]
	if !ok {
		return Permanent("slack: unsupported operation %q", item.Operation)
	}

	var payload map[string]any
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return Permanent("slack: payload is not a JSON object: %v", err)
	}

	res, err := s.conn.PostJSON(ctx, slackTokenSecret, s.baseURL+path, payload)
	if err != nil {
		return connectorOutcome("slack", err)
	}

	out := classifyHTTP("slack", res.StatusCode, res.Body)
	if out.Status != StatusOK {
		return out
	}

	// Slack reports API-level failure inside a 200 body.
	var apiRes struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(res.Body, &apiRes); err == nil && !apiRes.OK {
		if apiRes.Error == "ratelimited" {
			return Transient("slack: %s", apiRes.Error)
		}
		return Permanent("slack: %s", apiRes.Error)
	}
	return out
}
