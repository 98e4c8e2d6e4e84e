package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"keymint.dev/internal/assertion"
	"keymint.dev/internal/audit"
	"keymint.dev/internal/federation"
	"keymint.dev/internal/issuer"
	"keymint.dev/internal/lease"
	"keymint.dev/internal/obs"
	"keymint.dev/internal/policy"
)

// Service runs the trust-and-issuance pipeline: validate, federate,
// authorize, lease, mint. Every stage transition is audited, success or
// failure.
type Service struct {
	validator *assertion.Validator
	mapper    *federation.Mapper
	engine    *policy.Engine
	leases    *lease.Manager
	issuing   *issuer.Service
	recorder  audit.Recorder
}

// NewService wires the pipeline.
func NewService(
	validator *assertion.Validator,
	mapper *federation.Mapper,
	engine *policy.Engine,
	leases *lease.Manager,
	issuing *issuer.Service,
	recorder audit.Recorder,
) (*Service, error) {
	if validator == nil || mapper == nil || engine == nil || leases == nil || issuing == nil || recorder == nil {
		return nil, errors.New("broker: all pipeline components are required")
	}
	return &Service{
		validator: validator,
		mapper:    mapper,
		engine:    engine,
		leases:    leases,
		issuing:   issuing,
		recorder:  recorder,
	}, nil
}

// CheckoutRequest is one caller attempt to obtain a credential.
type CheckoutRequest struct {
	// Assertion is the raw signed OIDC token presented by the workload.
	Assertion string
	// Profile names the access profile being checked out.
	Profile string
	// TTL is the requested lease duration; zero means the maximum allowed.
	TTL time.Duration
}

// CheckoutResult is the successful outcome: an Active lease and its
// credential. The broker does not retain the secret material.
type CheckoutResult struct {
	Lease      lease.Lease
	Credential issuer.Credential
}

// Checkout runs the full pipeline. On any failure after lease activation the
// lease is rolled back to Revoked so no active-but-uncredentialed grant
// survives, and no request is left in Pending.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	claims, err := s.validator.Validate(ctx, req.Assertion)
	if err != nil {
		code := classify(err)
		s.mustRecord(ctx, audit.Record{
			Event:   "assertion.validate",
			Outcome: audit.OutcomeDenied,
			Reason:  string(code),
		})
		obs.ObserveCheckout(string(code))
		return CheckoutResult{}, newError(code, err)
	}
	if err := s.record(ctx, audit.Record{
		Event:   "assertion.validate",
		Outcome: audit.OutcomeSuccess,
		Fields:  map[string]any{"subject": claims.Subject},
	}); err != nil {
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}

	res, err := s.mapper.Resolve(ctx, claims.Subject)
	if err != nil {
		code := classify(err)
		s.mustRecord(ctx, audit.Record{
			Event:   "federation.resolve",
			Outcome: audit.OutcomeDenied,
			Reason:  string(code),
			Fields:  map[string]any{"subject": claims.Subject},
		})
		obs.ObserveCheckout(string(code))
		return CheckoutResult{}, newError(code, err)
	}
	identity := res.Identity
	if err := s.record(ctx, audit.Record{
		Event:   "federation.resolve",
		Actor:   identity.ID,
		Outcome: audit.OutcomeSuccess,
		Fields:  map[string]any{"subject": claims.Subject, "pattern": res.Pattern},
	}); err != nil {
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}

	decision, profile, err := s.engine.Authorize(ctx, identity, req.Profile, claims.All)
	if err != nil {
		s.mustRecord(ctx, audit.Record{
			Event:    "policy.authorize",
			Actor:    identity.ID,
			Resource: req.Profile,
			Outcome:  audit.OutcomeFailure,
			Reason:   string(CodeInternalFault),
		})
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}
	if !decision.Allowed {
		s.mustRecord(ctx, audit.Record{
			Event:    "policy.authorize",
			Actor:    identity.ID,
			Resource: req.Profile,
			Outcome:  audit.OutcomeDenied,
			Reason:   decision.Reason,
		})
		obs.ObserveCheckout(string(CodePolicyDenied))
		return CheckoutResult{}, newError(CodePolicyDenied, fmt.Errorf("policy denied: %s", decision.Reason))
	}
	if err := s.record(ctx, audit.Record{
		Event:    "policy.authorize",
		Actor:    identity.ID,
		Resource: profile.Resource,
		Outcome:  audit.OutcomeSuccess,
		Fields:   map[string]any{"profile": profile.Name, "max_ttl_seconds": int64(decision.MaxTTL / time.Second)},
	}); err != nil {
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}

	l, err := s.leases.Checkout(ctx, lease.CheckoutSpec{
		IdentityID: identity.ID,
		Profile:    profile.Name,
		TTL:        req.TTL,
		MaxTTL:     decision.MaxTTL,
		MaxActive:  decision.Constraints.MaxActive,
	})
	if err != nil {
		code := classify(err)
		s.mustRecord(ctx, audit.Record{
			Event:    "lease.checkout",
			Actor:    identity.ID,
			Resource: profile.Resource,
			Outcome:  audit.OutcomeFailure,
			Reason:   string(code),
		})
		obs.ObserveCheckout(string(code))
		return CheckoutResult{}, newError(code, err)
	}
	if err := s.record(ctx, audit.Record{
		Event:    "lease.checkout",
		Actor:    identity.ID,
		Resource: profile.Resource,
		Outcome:  audit.OutcomeSuccess,
		Fields:   map[string]any{"lease_id": l.ID, "expires_at": l.ExpiresAt},
	}); err != nil {
		s.rollback(ctx, l.ID, lease.ReasonIssuanceFailed)
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}

	cred, err := s.issuing.Issue(ctx, l, decision)
	if err != nil {
		code := classify(err)
		reason := lease.ReasonIssuanceFailed
		if ctx.Err() != nil {
			reason = lease.ReasonRequestCancelled
		}
		s.mustRecord(ctx, audit.Record{
			Event:    "credential.issue",
			Actor:    identity.ID,
			Resource: profile.Resource,
			Outcome:  audit.OutcomeFailure,
			Reason:   string(code),
			Fields:   map[string]any{"lease_id": l.ID},
		})
		s.rollback(ctx, l.ID, reason)
		obs.ObserveCheckout(string(code))
		return CheckoutResult{}, newError(code, err)
	}
	if err := s.leases.AttachCredential(l.ID, cred.Ref); err != nil {
		s.mustRecord(ctx, audit.Record{
			Event:    "credential.issue",
			Actor:    identity.ID,
			Resource: profile.Resource,
			Outcome:  audit.OutcomeFailure,
			Reason:   string(CodeInternalFault),
			Fields:   map[string]any{"lease_id": l.ID},
		})
		s.rollback(ctx, l.ID, lease.ReasonIssuanceFailed)
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}
	if err := s.record(ctx, audit.Record{
		Event:    "credential.issue",
		Actor:    identity.ID,
		Resource: profile.Resource,
		Outcome:  audit.OutcomeSuccess,
		Fields: map[string]any{
			"lease_id":   l.ID,
			"ref":        cred.Ref,
			"expires_at": cred.ExpiresAt,
		},
	}); err != nil {
		// Audit durability is a compliance requirement: without the record
		// the credential must not leave the broker.
		s.rollback(ctx, l.ID, lease.ReasonIssuanceFailed)
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}

	l, err = s.leases.Get(ctx, l.ID)
	if err != nil {
		obs.ObserveCheckout(string(CodeInternalFault))
		return CheckoutResult{}, newError(CodeInternalFault, err)
	}
	obs.ObserveCheckout("success")
	return CheckoutResult{Lease: l, Credential: cred}, nil
}

// CheckIn transitions the lease to CheckedIn. Idempotent: a repeated
// check-in reports success without a second transition record.
func (s *Service) CheckIn(ctx context.Context, leaseID string) (lease.Lease, error) {
	l, transitioned, err := s.leases.CheckIn(ctx, leaseID)
	if err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			s.mustRecord(ctx, audit.Record{
				Event:   "lease.checkin",
				Outcome: audit.OutcomeFailure,
				Reason:  "not_found",
				Fields:  map[string]any{"lease_id": leaseID},
			})
			obs.ObserveCheckin("not_found")
			return lease.Lease{}, newError(CodeInternalFault, err)
		}
		obs.ObserveCheckin(string(CodeInternalFault))
		return lease.Lease{}, newError(CodeInternalFault, err)
	}

	rec := audit.Record{
		Event:   "lease.checkin",
		Actor:   l.IdentityID,
		Outcome: audit.OutcomeSuccess,
		Fields:  map[string]any{"lease_id": l.ID},
	}
	if !transitioned {
		rec.Reason = "already_terminal"
		rec.Fields["state"] = l.StateName
	}
	if err := s.record(ctx, rec); err != nil {
		obs.ObserveCheckin(string(CodeInternalFault))
		return lease.Lease{}, newError(CodeInternalFault, err)
	}

	if transitioned {
		if ref, ok := s.leases.ClaimCredential(l.ID); ok {
			s.revokeCredential(ctx, l, ref)
		}
	}
	obs.ObserveCheckin("success")
	return l, nil
}

// Revoke forces a lease to Revoked and revokes its credential. Exposed for
// administrative use.
func (s *Service) Revoke(ctx context.Context, leaseID, reason string) (lease.Lease, error) {
	if reason == "" {
		reason = lease.ReasonAdministrative
	}
	res, err := s.leases.Revoke(ctx, leaseID, reason)
	if err != nil {
		return lease.Lease{}, newError(CodeInternalFault, err)
	}
	s.mustRecord(ctx, audit.Record{
		Event:   "lease.revoke",
		Actor:   res.Lease.IdentityID,
		Outcome: audit.OutcomeSuccess,
		Reason:  reason,
		Fields:  map[string]any{"lease_id": res.Lease.ID, "state": res.Lease.StateName},
	})
	if res.CredentialRef != "" {
		s.revokeCredential(ctx, res.Lease, res.CredentialRef)
	}
	return res.Lease, nil
}

// Lease returns a snapshot for introspection.
func (s *Service) Lease(ctx context.Context, leaseID string) (lease.Lease, error) {
	l, err := s.leases.Get(ctx, leaseID)
	if err != nil {
		return lease.Lease{}, err
	}
	return l, nil
}

// HandleExpired is wired into the lease manager's sweep and revokes the
// credential of every lease the sweep expires.
func (s *Service) HandleExpired(l lease.Lease, credentialRef string) {
	ctx := context.Background()
	s.mustRecord(ctx, audit.Record{
		Event:   "lease.expire",
		Actor:   l.IdentityID,
		Outcome: audit.OutcomeSuccess,
		Fields:  map[string]any{"lease_id": l.ID},
	})
	if credentialRef != "" {
		s.revokeCredential(ctx, l, credentialRef)
	}
}

// rollback moves a lease out of Active after a failed issuance and revokes
// any credential that was attached.
func (s *Service) rollback(ctx context.Context, leaseID, reason string) {
	res, err := s.leases.Revoke(ctx, leaseID, reason)
	if err != nil {
		obs.LogRequest(map[string]any{
			"level": "error", "msg": "lease rollback failed",
			"lease_id": leaseID, "error": err.Error(),
		})
		return
	}
	s.mustRecord(ctx, audit.Record{
		Event:   "lease.revoke",
		Actor:   res.Lease.IdentityID,
		Outcome: audit.OutcomeSuccess,
		Reason:  reason,
		Fields:  map[string]any{"lease_id": leaseID},
	})
	if res.CredentialRef != "" {
		s.revokeCredential(ctx, res.Lease, res.CredentialRef)
	}
}

func (s *Service) revokeCredential(ctx context.Context, l lease.Lease, ref string) {
	if err := s.issuing.RevokeCredential(ctx, ref); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error", "msg": "credential revocation failed",
			"lease_id": l.ID, "error": err.Error(),
		})
		s.mustRecord(ctx, audit.Record{
			Event:   "credential.revoke",
			Actor:   l.IdentityID,
			Outcome: audit.OutcomeFailure,
			Fields:  map[string]any{"lease_id": l.ID},
		})
		return
	}
	s.mustRecord(ctx, audit.Record{
		Event:   "credential.revoke",
		Actor:   l.IdentityID,
		Outcome: audit.OutcomeSuccess,
		Fields:  map[string]any{"lease_id": l.ID},
	})
}

// record appends one audit record and propagates failures; the pipeline
// fails closed when the audit stream is unavailable.
func (s *Service) record(ctx context.Context, rec audit.Record) error {
	if _, err := s.recorder.Append(ctx, rec); err != nil {
		return fmt.Errorf("audit append: %w", err)
	}
	return nil
}

// mustRecord is used on paths that are already failing; an audit error here
// is logged but does not mask the original outcome.
func (s *Service) mustRecord(ctx context.Context, rec audit.Record) {
	if _, err := s.recorder.Append(ctx, rec); err != nil {
		obs.LogRequest(map[string]any{
			"level": "error", "msg": "audit append failed",
			"event": rec.Event, "error": err.Error(),
		})
	}
}
