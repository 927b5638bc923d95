package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/perkflow/integration-gateway/internal/secrets"
)

const testSecret = "whsec_test_123"

func newTestGuard(clock clockwork.Clock) *Guard {
	store := secrets.NewStaticStore(map[string]string{"stripe_webhook_secret": testSecret})
	return NewGuard(store, 5*time.Minute, clock)
}

func TestVerify(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGuard(clock)
	body := []byte(`{"id":"evt_123","type":"checkout.session.completed"}`)

	testCases := []struct {
		name    string
		header  func() string
		body    []byte
		wantErr error
	}{
		{
			name:   "valid signature",
			header: func() string { return Sign(testSecret, clock.Now(), body) },
			body:   body,
		},
		{
			name:    "missing header",
			header:  func() string { return "" },
			body:    body,
			wantErr: ErrMissingSignature,
		},
		{
			name:    "garbage header",
			header:  func() string { return "not-a-signature" },
			body:    body,
			wantErr: ErrMalformedHeader,
		},
		{
			name:    "wrong secret",
			header:  func() string { return Sign("whsec_other", clock.Now(), body) },
			body:    body,
			wantErr: ErrBadSignature,
		},
		{
			name:   "one mutated byte invalidates",
			header: func() string { return Sign(testSecret, clock.Now(), body) },
			body:   []byte(`{"id":"evt_124","type":"checkout.session.completed"}`),
			// Still semantically valid JSON; the HMAC alone must catch it.
			wantErr: ErrBadSignature,
		},
		{
			name:    "ten minute old timestamp rejected regardless of signature",
			header:  func() string { return Sign(testSecret, clock.Now().Add(-10*time.Minute), body) },
			body:    body,
			wantErr: ErrTimestampTooOld,
		},
		{
			name:    "stale timestamp with wrong secret still reports staleness",
			header:  func() string { return Sign("whsec_other", clock.Now().Add(-10*time.Minute), body) },
			body:    body,
			wantErr: ErrTimestampTooOld,
		},
		{
			name:    "far future timestamp rejected",
			header:  func() string { return Sign(testSecret, clock.Now().Add(30*time.Minute), body) },
			body:    body,
			wantErr: ErrTimestampFuture,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.Verify("stripe", tc.header(), tc.body)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Verify() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestVerifyWithinTolerance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := newTestGuard(clock)
	body := []byte(`{}`)

	header := Sign(testSecret, clock.Now().Add(-4*time.Minute), body)
	if err := g.Verify("stripe", header, body); err != nil {
		t.Errorf("4 minute old delivery should verify: %v", err)
	}

	header = Sign(testSecret, clock.Now().Add(-5*time.Minute-time.Second), body)
	if !errors.Is(g.Verify("stripe", header, body), ErrTimestampTooOld) {
		t.Error("delivery past the 5 minute window should be rejected")
	}
}

func TestVerifyMissingSecret(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := NewGuard(secrets.NewStaticStore(nil), 5*time.Minute, clock)
	body := []byte(`{}`)
	err := g.Verify("stripe", Sign(testSecret, clock.Now(), body), body)
	if !errors.Is(err, ErrMissingSecret) {
		t.Errorf("Verify() = %v, want ErrMissingSecret", err)
	}
}

func TestMemoryReplayStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewMemoryReplayStore(clock)
	ctx := context.Background()

	seen, err := s.SeenOrRecord(ctx, "stripe", "evt_123", time.Hour)
	if err != nil || seen {
		t.Fatalf("first delivery: seen=%v err=%v", seen, err)
	}

	// N>=2 deliveries: every one after the first is a duplicate.
	for i := 0; i < 3; i++ {
		seen, err = s.SeenOrRecord(ctx, "stripe", "evt_123", time.Hour)
		if err != nil || !seen {
			t.Fatalf("redelivery %d: seen=%v err=%v", i, seen, err)
		}
	}

	// Different provider namespace is independent.
	seen, _ = s.SeenOrRecord(ctx, "gusto", "evt_123", time.Hour)
	if seen {
		t.Error("same event id under another provider should not collide")
	}

	// TTL eviction.
	clock.Advance(2 * time.Hour)
	seen, _ = s.SeenOrRecord(ctx, "stripe", "evt_123", time.Hour)
	if seen {
		t.Error("expired record should be forgotten")
	}
}

func TestMemoryReplayStoreForget(t *testing.T) {
	s := NewMemoryReplayStore(clockwork.NewFakeClock())
	ctx := context.Background()

	_, _ = s.SeenOrRecord(ctx, "stripe", "evt_9", time.Hour)
	if err := s.Forget(ctx, "stripe", "evt_9"); err != nil {
		t.Fatal(err)
	}
	seen, _ := s.SeenOrRecord(ctx, "stripe", "evt_9", time.Hour)
	if seen {
		t.Error("forgotten event should be recordable again")
	}
}

func TestURLAllowlist(t *testing.T) {
	a, err := NewURLAllowlist(map[string][]string{
		"resend": {"https://api.resend.com/"},
		"slack":  {"https://hooks.slack.com/services"},
	})
	if err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name     string
		provider string
		url      string
		wantErr  error
	}{
		{name: "exact domain", provider: "resend", url: "https://api.resend.com/emails", wantErr: nil},
		{name: "subdomain", provider: "resend", url: "https://eu.api.resend.com/emails", wantErr: nil},
		{name: "look-alike domain", provider: "resend", url: "https://evilapi.resend.com.attacker.io/", wantErr: ErrURLNotAllowed},
		{name: "suffix look-alike", provider: "resend", url: "https://notapi.resend.com.evil.com/emails", wantErr: ErrURLNotAllowed},
		{name: "embedded real domain", provider: "resend", url: "https://api.resend.com.evil.com/", wantErr: ErrURLNotAllowed},
		{name: "wrong provider", provider: "slack", url: "https://api.resend.com/emails", wantErr: ErrURLNotAllowed},
		{name: "path prefix ok", provider: "slack", url: "https://hooks.slack.com/services/T0/B0/x", wantErr: nil},
		{name: "path prefix boundary", provider: "slack", url: "https://hooks.slack.com/servicesevil", wantErr: ErrURLNotAllowed},
		{name: "http downgrade", provider: "resend", url: "http://api.resend.com/emails", wantErr: ErrURLNotHTTPS},
		{name: "userinfo trick", provider: "resend", url: "https://api.resend.com@evil.com/", wantErr: ErrURLHasUserinfo},
		{name: "loopback literal", provider: "resend", url: "https://127.0.0.1/emails", wantErr: ErrURLPrivateHost},
		{name: "private range literal", provider: "resend", url: "https://10.0.0.8/hook", wantErr: ErrURLPrivateHost},
		{name: "public ip literal", provider: "resend", url: "https://93.184.216.34/hook", wantErr: ErrURLNotAllowed},
		{name: "localhost", provider: "resend", url: "https://localhost/emails", wantErr: ErrURLPrivateHost},
		{name: "malformed", provider: "resend", url: "://nope", wantErr: ErrURLMalformed},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := a.Validate(tc.provider, tc.url)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate(%q, %q) = %v, want %v", tc.provider, tc.url, err, tc.wantErr)
			}
		})
	}
}
