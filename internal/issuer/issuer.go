package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"keymint.dev/internal/lease"
	"keymint.dev/internal/obs"
	"keymint.dev/internal/policy"
)

var (
	// ErrIssuanceFailed is returned after the retry budget for transient
	// downstream failures is exhausted. Retryable by the caller.
	ErrIssuanceFailed = errors.New("issuer: issuance failed")
	// ErrProviderDenied marks an authorization-type failure from the
	// downstream provider. Fatal, never retried.
	ErrProviderDenied = errors.New("issuer: provider denied the request")
)

// Credential is short-lived secret material scoped to one lease. It is
// returned to the caller and never retained by the broker.
type Credential struct {
	Secret    string    `json:"secret"`
	Ref       string    `json:"ref"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintRequest asks the downstream provider for a credential.
type MintRequest struct {
	Resource   string        `json:"resource"`
	TTL        time.Duration `json:"-"`
	TTLSeconds int64         `json:"ttl_seconds"`
	LeaseID    string        `json:"lease_id"`
	IdentityID string        `json:"identity_id"`
}

// Minter is the downstream resource provider's credential API.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (Credential, error)
	Revoke(ctx context.Context, credentialRef string) error
}

// Service wraps a Minter with per-attempt timeouts and a bounded retry
// policy for transient failures.
type Service struct {
	minter   Minter
	timeout  time.Duration
	maxTries uint
	now      func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithTimeout bounds each downstream attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMaxTries bounds the number of mint attempts per issuance.
func WithMaxTries(n uint) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxTries = n
		}
	}
}

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds the issuing service.
func NewService(minter Minter, opts ...Option) *Service {
	s := &Service{
		minter:   minter,
		timeout:  10 * time.Second,
		maxTries: 3,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue requests a credential for an Active lease, scoped no broader than
// the decision's constraints. The credential expiry never exceeds the lease
// expiry. Transient provider failures are retried with exponential backoff;
// authorization failures surface immediately.
func (s *Service) Issue(ctx context.Context, l lease.Lease, decision policy.Decision) (Credential, error) {
	ttl := l.ExpiresAt.Sub(s.now().UTC())
	if ttl <= 0 {
		return Credential{}, fmt.Errorf("%w: lease already expired", ErrIssuanceFailed)
	}
	req := MintRequest{
		Resource:   decision.Constraints.Resource,
		TTL:        ttl,
		TTLSeconds: int64(ttl / time.Second),
		LeaseID:    l.ID,
		IdentityID: l.IdentityID,
	}

	attempt := func() (Credential, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		start := time.Now()
		cred, err := s.minter.Mint(attemptCtx, req)
		obs.ObserveMint(time.Since(start))
		if err != nil {
			if errors.Is(err, ErrProviderDenied) {
				return Credential{}, backoff.Permanent(err)
			}
			return Credential{}, err
		}
		return cred, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	cred, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		if errors.Is(err, ErrProviderDenied) {
			return Credential{}, err
		}
		return Credential{}, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}

	if cred.ExpiresAt.IsZero() || cred.ExpiresAt.After(l.ExpiresAt) {
		cred.ExpiresAt = l.ExpiresAt
	}
	if cred.Resource == "" {
		cred.Resource = decision.Constraints.Resource
	}
	return cred, nil
}

// RevokeCredential revokes a live credential at the provider. Used by the
// expiry sweep and by forced lease revocation.
func (s *Service) RevokeCredential(ctx context.Context, credentialRef string) error {
	if credentialRef == "" {
		return nil
	}
	attempt := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return struct{}{}, s.minter.Revoke(attemptCtx, credentialRef)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if _, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries),
	); err != nil {
		return fmt.Errorf("issuer: revoke credential: %w", err)
	}
	return nil
}
