package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"keymint.dev/internal/registry"
)

func testEngine(t *testing.T, docs []Document, opts ...Option) (*Engine, registry.ServiceIdentity) {
	t.Helper()
	identity := registry.ServiceIdentity{
		ID:       "ci-acme",
		Patterns: []string{"repo:acme/ci:ref:{ref}"},
		Profiles: []string{"s3-readonly"},
	}
	store, err := registry.NewInMemory(
		[]registry.ServiceIdentity{identity},
		[]registry.AccessProfile{
			{Name: "s3-readonly", Resource: "aws:role/s3-ro", MaxTTL: time.Hour, Policy: docName(docs)},
			{Name: "admin", Resource: "aws:role/admin", MaxTTL: 30 * time.Minute},
		},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine, err := NewEngine(store, docs, opts...)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return engine, identity
}

func docName(docs []Document) string {
	if len(docs) == 0 {
		return ""
	}
	return docs[0].Name
}

func TestAuthorizeAllowedCapsTTL(t *testing.T) {
	engine, identity := testEngine(t, []Document{{Name: "default", TTLCap: 30 * time.Minute}})

	dec, profile, err := engine.Authorize(context.Background(), identity, "s3-readonly", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow, got %+v", dec)
	}
	if dec.MaxTTL != 30*time.Minute {
		t.Fatalf("ttl not capped by policy: %v", dec.MaxTTL)
	}
	if dec.Constraints.Resource != "aws:role/s3-ro" || dec.Constraints.MaxActive != 1 {
		t.Fatalf("unexpected constraints: %+v", dec.Constraints)
	}
	if profile.Name != "s3-readonly" {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestAuthorizeProfileCapWinsWhenLower(t *testing.T) {
	engine, identity := testEngine(t, []Document{{Name: "default", TTLCap: 2 * time.Hour}})

	dec, _, err := engine.Authorize(context.Background(), identity, "s3-readonly", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.MaxTTL != time.Hour {
		t.Fatalf("expected profile max ttl to win: %v", dec.MaxTTL)
	}
}

func TestAuthorizeDeniesProfileNotInAllowList(t *testing.T) {
	engine, identity := testEngine(t, nil)

	dec, _, err := engine.Authorize(context.Background(), identity, "admin", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonProfileNotAllowed {
		t.Fatalf("expected profile_not_allowed denial, got %+v", dec)
	}
}

func TestAuthorizeDeniesUnknownProfile(t *testing.T) {
	engine, identity := testEngine(t, nil)

	dec, _, err := engine.Authorize(context.Background(), identity, "does-not-exist", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonUnknownProfile {
		t.Fatalf("expected unknown_profile denial, got %+v", dec)
	}
}

func TestAuthorizeHourWindow(t *testing.T) {
	at := func(hour int) Option {
		return WithClock(func() time.Time {
			return time.Date(2025, 3, 1, hour, 30, 0, 0, time.UTC)
		})
	}

	engine, identity := testEngine(t, []Document{{Name: "office", Hours: &HourWindow{From: 6, To: 22}}}, at(12))
	dec, _, err := engine.Authorize(context.Background(), identity, "s3-readonly", nil)
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allow inside hours: %+v %v", dec, err)
	}

	engine, identity = testEngine(t, []Document{{Name: "office", Hours: &HourWindow{From: 6, To: 22}}}, at(23))
	dec, _, err = engine.Authorize(context.Background(), identity, "s3-readonly", nil)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonOutsideHours {
		t.Fatalf("expected outside_hours denial, got %+v", dec)
	}

	// Wrap-around window: 22-06 covers 23:30.
	engine, identity = testEngine(t, []Document{{Name: "night", Hours: &HourWindow{From: 22, To: 6}}}, at(23))
	dec, _, err = engine.Authorize(context.Background(), identity, "s3-readonly", nil)
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allow in wrap-around window: %+v %v", dec, err)
	}
}

func TestAuthorizeClaimExpression(t *testing.T) {
	engine, identity := testEngine(t, []Document{{
		Name: "branches",
		Expr: `claims.ref startsWith "refs/heads/"`,
	}})

	dec, _, err := engine.Authorize(context.Background(), identity, "s3-readonly",
		map[string]any{"ref": "refs/heads/main"})
	if err != nil || !dec.Allowed {
		t.Fatalf("expected allow for branch ref: %+v %v", dec, err)
	}

	dec, _, err = engine.Authorize(context.Background(), identity, "s3-readonly",
		map[string]any{"ref": "refs/tags/v1"})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonExpressionFalse {
		t.Fatalf("expected expression_false denial, got %+v", dec)
	}
}

func TestAuthorizeUnknownPolicyIsFault(t *testing.T) {
	identity := registry.ServiceIdentity{ID: "ci", Patterns: []string{"x"}, Profiles: []string{"p"}}
	store, err := registry.NewInMemory(
		[]registry.ServiceIdentity{identity},
		[]registry.AccessProfile{{Name: "p", Resource: "r", MaxTTL: time.Hour, Policy: "missing"}},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	engine, err := NewEngine(store, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	_, _, err = engine.Authorize(context.Background(), identity, "p", nil)
	if !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy fault, got %v", err)
	}
}

func TestNewEngineRejectsBadExpression(t *testing.T) {
	store, err := registry.NewInMemory(nil, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := NewEngine(store, []Document{{Name: "bad", Expr: "claims.ref startsWith"}}); err == nil {
		t.Fatal("expected compile error")
	}
}
