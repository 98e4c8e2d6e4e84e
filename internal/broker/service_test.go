package broker

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"keymint.dev/internal/assertion"
	"keymint.dev/internal/audit"
	"keymint.dev/internal/federation"
	"keymint.dev/internal/issuer"
	"keymint.dev/internal/lease"
	"keymint.dev/internal/policy"
	"keymint.dev/internal/registry"
)

const (
	testIssuer   = "https://token.actions.example.com"
	testAudience = "keymint"
)

type failingMinter struct {
	denied bool
	mints  int
}

func (f *failingMinter) Mint(ctx context.Context, req issuer.MintRequest) (issuer.Credential, error) {
	f.mints++
	if f.denied {
		return issuer.Credential{}, fmt.Errorf("%w: role mapping missing", issuer.ErrProviderDenied)
	}
	return issuer.Credential{}, errors.New("provider unreachable")
}

func (f *failingMinter) Revoke(ctx context.Context, ref string) error { return nil }

type harness struct {
	svc    *Service
	store  *audit.Memory
	leases *lease.Manager
	minter *issuer.StaticMinter
	key    *rsa.PrivateKey
}

func newHarness(t *testing.T, mint issuer.Minter) *harness {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keys := &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}
	validator, err := assertion.NewValidator(assertion.Config{
		Issuer:    testIssuer,
		Audiences: []string{testAudience},
		Window:    5 * time.Minute,
	}, keys)
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	regStore, err := registry.NewInMemory(
		[]registry.ServiceIdentity{{
			ID:       "ci-acme",
			Patterns: []string{"repo:acme/ci:ref:refs/heads/main"},
			Profiles: []string{"s3-readonly"},
		}},
		[]registry.AccessProfile{
			{Name: "s3-readonly", Resource: "aws:role/s3-ro", MaxTTL: time.Hour},
			{Name: "admin", Resource: "aws:role/admin", MaxTTL: time.Hour},
		},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	mapper, err := federation.NewMapper(context.Background(), regStore)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}
	engine, err := policy.NewEngine(regStore, nil)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	h := &harness{key: key, store: audit.NewMemory(), leases: lease.NewManager()}
	if mint == nil {
		h.minter, err = issuer.NewStaticMinter("test-secret")
		if err != nil {
			t.Fatalf("minter: %v", err)
		}
		mint = h.minter
	}
	issuing := issuer.NewService(mint, issuer.WithMaxTries(2), issuer.WithTimeout(time.Second))

	h.svc, err = NewService(validator, mapper, engine, h.leases, issuing, h.store)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return h
}

func (h *harness) assertion(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"sub": "repo:acme/ci:ref:refs/heads/main",
		"aud": testAudience,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"ref": "refs/heads/main",
	}
	if mutate != nil {
		mutate(claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func (h *harness) records(t *testing.T) []audit.Record {
	t.Helper()
	recs, _, err := h.store.List(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return recs
}

func countEvent(recs []audit.Record, event string, outcome audit.Outcome) int {
	n := 0
	for _, r := range recs {
		if r.Event == event && r.Outcome == outcome {
			n++
		}
	}
	return n
}

func TestCheckoutHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, CheckoutRequest{
		Assertion: h.assertion(t, nil),
		Profile:   "s3-readonly",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Lease.State != lease.StateActive {
		t.Fatalf("expected active lease, got %s", res.Lease.StateName)
	}
	if ttl := res.Lease.ExpiresAt.Sub(res.Lease.StartedAt); ttl > time.Hour {
		t.Fatalf("lease ttl exceeds profile max: %v", ttl)
	}
	if res.Credential.Secret == "" {
		t.Fatal("no credential material returned")
	}
	if res.Credential.ExpiresAt.After(res.Lease.ExpiresAt) {
		t.Fatalf("credential outlives lease: %v > %v", res.Credential.ExpiresAt, res.Lease.ExpiresAt)
	}

	recs := h.records(t)
	for _, event := range []string{"assertion.validate", "federation.resolve", "policy.authorize", "lease.checkout", "credential.issue"} {
		if countEvent(recs, event, audit.OutcomeSuccess) != 1 {
			t.Fatalf("expected one %s success record, got %d", event, countEvent(recs, event, audit.OutcomeSuccess))
		}
	}
}

func TestCheckoutRequestedTTLHonored(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.svc.Checkout(context.Background(), CheckoutRequest{
		Assertion: h.assertion(t, nil),
		Profile:   "s3-readonly",
		TTL:       10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if ttl := res.Lease.ExpiresAt.Sub(res.Lease.StartedAt); ttl != 10*time.Minute {
		t.Fatalf("requested ttl not honored: %v", ttl)
	}
}

func TestCheckoutPolicyDeniedCreatesNoLease(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.svc.Checkout(context.Background(), CheckoutRequest{
		Assertion: h.assertion(t, nil),
		Profile:   "admin",
	})
	if CodeOf(err) != CodePolicyDenied {
		t.Fatalf("expected policy_denied, got %v", err)
	}
	if h.leases.ActiveCount() != 0 {
		t.Fatalf("no lease must be created on denial")
	}

	recs := h.records(t)
	if countEvent(recs, "policy.authorize", audit.OutcomeDenied) != 1 {
		t.Fatalf("expected one denied policy record")
	}
	if countEvent(recs, "lease.checkout", audit.OutcomeSuccess) != 0 {
		t.Fatalf("no lease record expected")
	}
}

func TestCheckoutDenialCodes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		code   Code
	}{
		{"untrusted issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }, CodeUntrustedIssuer},
		{"audience mismatch", func(c jwt.MapClaims) { c["aud"] = "other" }, CodeAudienceMismatch},
		{"expired", func(c jwt.MapClaims) {
			c["iat"] = time.Now().Add(-time.Hour).Unix()
			c["exp"] = time.Now().Add(-30 * time.Minute).Unix()
		}, CodeExpiredAssertion},
		{"unknown identity", func(c jwt.MapClaims) { c["sub"] = "repo:unknown/x:ref:refs/heads/main" }, CodeUnknownIdentity},
	}
	for _, tc := range cases {
		_, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, tc.mutate), Profile: "s3-readonly"})
		if CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}

	// Garbage assertion maps to invalid_signature.
	_, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: "not-a-jwt", Profile: "s3-readonly"})
	if CodeOf(err) != CodeInvalidSignature {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
}

func TestCheckoutConflictIsRetryable(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"}); err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	_, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"})
	if CodeOf(err) != CodeLeaseConflict {
		t.Fatalf("expected lease_conflict, got %v", err)
	}
	if !CodeOf(err).Retryable() {
		t.Fatal("lease_conflict must be retryable")
	}
	if CodeOf(err).Denial() {
		t.Fatal("lease_conflict is not a security denial")
	}
}

func TestCheckoutIssuanceFailureRollsBackLease(t *testing.T) {
	h := newHarness(t, &failingMinter{})
	ctx := context.Background()

	_, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"})
	if CodeOf(err) != CodeIssuanceFailed {
		t.Fatalf("expected issuance_failed, got %v", err)
	}
	if h.leases.ActiveCount() != 0 {
		t.Fatal("no active lease may survive a failed issuance")
	}

	recs := h.records(t)
	var rolledBack bool
	for _, r := range recs {
		if r.Event == "lease.revoke" && r.Reason == lease.ReasonIssuanceFailed {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Fatal("expected a lease.revoke record with reason issuance_failed")
	}

	// The pair is free again: a retry reaches issuance instead of
	// colliding with the rolled-back lease.
	_, err = h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"})
	if CodeOf(err) == CodeLeaseConflict {
		t.Fatal("rolled-back lease must not hold the pair")
	}
}

func TestCheckoutProviderDenialNotRetried(t *testing.T) {
	minter := &failingMinter{denied: true}
	h := newHarness(t, minter)

	_, err := h.svc.Checkout(context.Background(), CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"})
	if CodeOf(err) != CodeIssuanceFailed {
		t.Fatalf("expected issuance_failed, got %v", err)
	}
	if minter.mints != 1 {
		t.Fatalf("provider denial must not be retried: %d attempts", minter.mints)
	}
}

func TestCheckInIdempotentSingleTransitionRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	for i := 0; i < 2; i++ {
		l, err := h.svc.CheckIn(ctx, res.Lease.ID)
		if err != nil {
			t.Fatalf("check-in %d: %v", i+1, err)
		}
		if l.State != lease.StateCheckedIn {
			t.Fatalf("unexpected state: %s", l.StateName)
		}
	}

	transitions := 0
	for _, r := range h.records(t) {
		if r.Event == "lease.checkin" && r.Outcome == audit.OutcomeSuccess && r.Reason == "" {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one transition record, got %d", transitions)
	}

	// Check-in returns the credential: the downstream secret is revoked.
	if !h.minter.Revoked(res.Credential.Ref) {
		t.Fatal("credential must be revoked on check-in")
	}
}

func TestRevokeReleasesCredential(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.svc.Checkout(ctx, CheckoutRequest{Assertion: h.assertion(t, nil), Profile: "s3-readonly"})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	l, err := h.svc.Revoke(ctx, res.Lease.ID, "")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if l.State != lease.StateRevoked {
		t.Fatalf("unexpected state: %s", l.StateName)
	}
	if l.Reason != lease.ReasonAdministrative {
		t.Fatalf("unexpected reason: %q", l.Reason)
	}
	if !h.minter.Revoked(res.Credential.Ref) {
		t.Fatal("credential must be revoked with the lease")
	}
	if h.leases.ActiveCount() != 0 {
		t.Fatalf("active count: %d", h.leases.ActiveCount())
	}
}

func TestSweepExpiryRevokesCredential(t *testing.T) {
	base := time.Now().UTC()
	var mu sync.Mutex
	now := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	h := newHarness(t, nil)
	var svc *Service
	mgr := lease.NewManager(
		lease.WithClock(clock),
		lease.WithExpiredFunc(func(l lease.Lease, ref string) { svc.HandleExpired(l, ref) }),
	)
	var err error
	svc, err = NewService(h.svc.validator, h.svc.mapper, h.svc.engine, mgr, h.svc.issuing, h.store)
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	res, err := svc.Checkout(context.Background(), CheckoutRequest{
		Assertion: h.assertion(t, nil),
		Profile:   "s3-readonly",
		TTL:       time.Minute,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	mu.Lock()
	now = base.Add(2 * time.Minute)
	mu.Unlock()
	mgr.SweepOnce(context.Background())

	l, err := svc.Lease(context.Background(), res.Lease.ID)
	if err != nil {
		t.Fatalf("get lease: %v", err)
	}
	if l.State != lease.StateExpired {
		t.Fatalf("expected expired lease, got %s", l.StateName)
	}
	if !h.minter.Revoked(res.Credential.Ref) {
		t.Fatal("sweep must revoke the downstream credential")
	}
	if countEvent(h.records(t), "lease.expire", audit.OutcomeSuccess) != 1 {
		t.Fatal("expected one lease.expire record")
	}
}
