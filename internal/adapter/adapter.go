package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/perkflow/integration-gateway/internal/model"
)

// Status classifies one delivery attempt. Transient failures are retried
// with backoff; permanent failures dead-letter immediately.
type Status int

const (
	StatusOK Status = iota
	StatusTransient
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTransient:
		return "transient"
	case StatusPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of Adapter.Send. Failures travel as data, never as
// panics or error returns.
type Outcome struct {
	Status   Status
	Response json.RawMessage
	Err      string
}

func OK(response json.RawMessage) Outcome {
	return Outcome{Status: StatusOK, Response: response}
}

func Transient(format string, args ...any) Outcome {
	return Outcome{Status: StatusTransient, Err: fmt.Sprintf(format, args...)}
}

func Permanent(format string, args ...any) Outcome {
	return Outcome{Status: StatusPermanent, Err: fmt.Sprintf(format, args...)}
}

// Adapter converts a queued outbox item into one provider call.
type Adapter interface {
	Name() string
	Send(ctx context.Context, item model.OutboxItem) Outcome
}

// Registry resolves integration ids to adapters. Unknown ids resolve to a
// deterministic failing adapter so dispatch never branches on missing keys.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

func (r *Registry) Resolve(integrationID string) Adapter {
	if a, ok := r.adapters[integrationID]; ok {
		return a
	}
	return unknownAdapter{id: integrationID}
}

type unknownAdapter struct {
	id string
}

func (u unknownAdapter) Name() string { return u.id }

func (u unknownAdapter) Send(context.Context, model.OutboxItem) Outcome {
	return Permanent("no adapter registered for integration %q", u.id)
}

// classifyHTTP maps a provider HTTP status to an outcome. 2xx succeeds,
// 408/429/5xx are transient, remaining 4xx are permanent.
func classifyHTTP(name string, status int, body []byte) Outcome {
	switch {
	case status/100 == 2:
		if len(body) == 0 || !json.Valid(body) {
			body = json.RawMessage(`{}`)
		}
		return OK(body)
	case status == 408 || status == 429 || status/100 == 5:
		return Transient("%s: status=%d", name, status)
	default:
		return Permanent("%s: status=%d", name, status)
	}
}
