package adapter

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/perkflow/integration-gateway/internal/connector"
	"github.com/perkflow/integration-gateway/internal/model"
	"github.com/perkflow/integration-gateway/internal/secrets"
)

const (
	hubspotDefaultBaseURL = "https://api.hubapi.com"
	hubspotTokenSecret    = "hubspot_access_token"
)

// HubSpot writes CRM records through the OAuth connector.
type HubSpot struct {
	baseURL string
	conn    *connector.Client
}

func NewHubSpot(conn *connector.Client, baseURL string) *HubSpot {
	if baseURL == "" {
		baseURL = hubspotDefaultBaseURL
	}
	return &HubSpot{baseURL: baseURL, conn: conn}
}

func (h *HubSpot) Name() string { return "hubspot" }

var hubspotOps = map[string]string{
	"create_contact":  "/crm/v3/objects/contacts",
	"create_deal":     "/crm/v3/objects/deals",
	"create_timeline": "/crm/v3/timeline/events",
}

func (h *HubSpot) Send(ctx context.Context, item model.OutboxItem) Outcome {
	path, ok := hubspotOps[item.Operation]
	if !ok {
		return Permanent("hubspot: unsupported operation %q", item.Operation)
	}

	var payload map[string]any
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return Permanent("hubspot: payload is not a JSON object: %v", err)
	}

	res, err := h.conn.PostJSON(ctx, hubspotTokenSecret, h.baseURL+path, payload)
	if err != nil {
		return connectorOutcome("hubspot", err)
	}
	return classifyHTTP("hubspot", res.StatusCode, res.Body)
}

// connectorOutcome classifies a connector transport error: a missing token is
// a configuration problem, anything else is a network-level transient.
func connectorOutcome(name string, err error) Outcome {
	if errors.Is(err, secrets.ErrNotFound) {
		return Permanent("%s: %v", name, err)
	}
	return Transient("%s: %v", name, err)
}
