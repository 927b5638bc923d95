package model

import (
	"encoding/json"
	"strings"
	"time"
)

type OutboxStatus string

const (
	StatusQueued     OutboxStatus = "queued"
	StatusInFlight   OutboxStatus = "in_flight"
	StatusSent       OutboxStatus = "sent"
	StatusFailed     OutboxStatus = "failed"
	StatusDeadLetter OutboxStatus = "dead_letter"
)

func (s OutboxStatus) String() string {
	return string(s)
}

func (s OutboxStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInFlight, StatusSent, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Terminal reports whether automatic dispatch may never touch the item again.
// Only an explicit operator retry leaves dead_letter.
func (s OutboxStatus) Terminal() bool {
	return s == StatusSent || s == StatusDeadLetter
}

// ParseOutboxStatus normalizes input; empty string is returned as-is so
// callers can treat it as "no filter".
func ParseOutboxStatus(s string) (OutboxStatus, bool) {
	st := OutboxStatus(strings.ToLower(strings.TrimSpace(s)))
	if st == "" {
		return st, true
	}
	return st, st.Valid()
}

// OutboxItem is the durable record of one intended outbound side-effect.
// Mutated exclusively by the dispatcher after creation.
type OutboxItem struct {
	ID               string          `db:"id" json:"id"`
	IntegrationID    string          `db:"integration_id" json:"integration_id"`
	Operation        string          `db:"operation" json:"operation"`
	Payload          json.RawMessage `db:"payload" json:"payload"`
	Status           OutboxStatus    `db:"status" json:"status"`
	AttemptCount     int             `db:"attempt_count" json:"attempt_count"`
	LastError        *string         `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt    *time.Time      `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	IdempotencyKey   *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ProviderResponse json.RawMessage `db:"provider_response" json:"provider_response,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Due reports whether the item is eligible for a dispatch attempt at now.
// A nil NextAttemptAt means "eligible immediately".
func (i OutboxItem) Due(now time.Time) bool {
	if i.NextAttemptAt == nil {
		return true
	}
	return !i.NextAttemptAt.After(now)
}
