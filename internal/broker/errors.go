package broker

import (
	"errors"

	"keymint.dev/internal/assertion"
	"keymint.dev/internal/federation"
	"keymint.dev/internal/issuer"
	"keymint.dev/internal/lease"
)

// Code is the caller-facing reason taxonomy. Authentication and
// authorization codes are reported generically over the wire; the precise
// code lives in the audit stream.
type Code string

const (
	CodeInvalidSignature    Code = "invalid_signature"
	CodeUntrustedIssuer     Code = "untrusted_issuer"
	CodeAudienceMismatch    Code = "audience_mismatch"
	CodeExpiredAssertion    Code = "expired_assertion"
	CodeUnknownIdentity     Code = "unknown_identity"
	CodeAmbiguousFederation Code = "ambiguous_federation"
	CodePolicyDenied        Code = "policy_denied"
	CodeLeaseConflict       Code = "lease_conflict"
	CodeIssuanceFailed      Code = "issuance_failed"
	CodeInternalFault       Code = "internal_fault"
)

// Denial reports whether the code is an authentication or authorization
// failure. Denials are never retried automatically and reach the caller
// without internal detail.
func (c Code) Denial() bool {
	switch c {
	case CodeInvalidSignature, CodeUntrustedIssuer, CodeAudienceMismatch,
		CodeExpiredAssertion, CodeUnknownIdentity, CodeAmbiguousFederation,
		CodePolicyDenied:
		return true
	}
	return false
}

// Retryable reports whether the caller may usefully retry.
func (c Code) Retryable() bool {
	return c == CodeLeaseConflict || c == CodeIssuanceFailed
}

// Error pairs a taxonomy code with the underlying cause. The cause is for
// server-side logs and audit only.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return string(e.Code) + ": " + e.err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.err }

func newError(code Code, err error) *Error {
	return &Error{Code: code, err: err}
}

// CodeOf extracts the taxonomy code, defaulting to internal_fault.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternalFault
}

// classify maps component sentinels onto the taxonomy.
func classify(err error) Code {
	switch {
	case errors.Is(err, assertion.ErrInvalidSignature), errors.Is(err, assertion.ErrMalformed):
		return CodeInvalidSignature
	case errors.Is(err, assertion.ErrUntrustedIssuer):
		return CodeUntrustedIssuer
	case errors.Is(err, assertion.ErrAudienceMismatch):
		return CodeAudienceMismatch
	case errors.Is(err, assertion.ErrExpired):
		return CodeExpiredAssertion
	case errors.Is(err, federation.ErrUnknownIdentity):
		return CodeUnknownIdentity
	case errors.Is(err, federation.ErrAmbiguousFederation):
		return CodeAmbiguousFederation
	case errors.Is(err, lease.ErrConflict):
		return CodeLeaseConflict
	case errors.Is(err, issuer.ErrIssuanceFailed):
		return CodeIssuanceFailed
	case errors.Is(err, issuer.ErrProviderDenied):
		// The downstream provider rejected an authorized request; from the
		// caller's point of view issuance failed, but it is not retryable.
		return CodeIssuanceFailed
	default:
		return CodeInternalFault
	}
}
