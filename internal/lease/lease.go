package lease

import (
	"errors"
	"time"
)

// State is the lease lifecycle position. Pending and Active are the only
// non-terminal states.
type State int32

const (
	StatePending State = iota
	StateActive
	StateCheckedIn
	StateExpired
	StateRevoked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateCheckedIn:
		return "checked_in"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCheckedIn || s == StateExpired || s == StateRevoked
}

// Revocation reasons written by the broker and the sweeper.
const (
	ReasonIssuanceFailed   = "issuance_failed"
	ReasonRequestCancelled = "request_cancelled"
	ReasonLeaseConflict    = "lease_conflict"
	ReasonAdministrative   = "administrative"
)

var (
	ErrNotFound = errors.New("lease: not found")
	// ErrConflict is a retryable condition, not a security event: the
	// caller's prior session is presumably still active.
	ErrConflict = errors.New("lease: conflicting active lease")
)

// Lease is a read-only snapshot of one lease record.
type Lease struct {
	ID            string    `json:"id"`
	IdentityID    string    `json:"identity_id"`
	Profile       string    `json:"profile"`
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Reason        string    `json:"reason,omitempty"`
	CredentialRef string    `json:"-"`
}

// CheckoutSpec carries the authorized parameters for a new lease.
type CheckoutSpec struct {
	IdentityID string
	Profile    string
	// TTL requested by the caller; zero means "maximum allowed".
	TTL time.Duration
	// MaxTTL is the policy decision cap. The lease expiry never exceeds
	// start + MaxTTL.
	MaxTTL time.Duration
	// MaxActive bounds concurrent Active leases for the (identity, profile)
	// pair. Zero or one means exclusive.
	MaxActive int
}
