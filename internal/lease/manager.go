package lease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"keymint.dev/internal/ids"
	"keymint.dev/internal/obs"
)

// record is one arena entry. The state field is mutated only through
// compare-and-swap, so of two racing transitions exactly one wins; the aux
// fields are written only by the transition winner under mu.
type record struct {
	id         string
	identityID string
	profile    string
	startedAt  time.Time
	expiresAt  time.Time

	state atomic.Int32

	mu          sync.Mutex
	reason      string
	credRef     string
	credClaimed bool
}

func (r *record) snapshot() Lease {
	st := State(r.state.Load())
	r.mu.Lock()
	reason, credRef := r.reason, r.credRef
	r.mu.Unlock()
	return Lease{
		ID:            r.id,
		IdentityID:    r.identityID,
		Profile:       r.profile,
		State:         st,
		StateName:     st.String(),
		StartedAt:     r.startedAt,
		ExpiresAt:     r.expiresAt,
		Reason:        reason,
		CredentialRef: credRef,
	}
}

// transition CASes from into to and reports whether this caller won.
func (r *record) transition(from, to State) bool {
	return r.state.CompareAndSwap(int32(from), int32(to))
}

// claimCredential hands the stored credential reference to exactly one
// caller, so downstream revocation happens at most once.
func (r *record) claimCredential() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.credClaimed || r.credRef == "" {
		return "", false
	}
	r.credClaimed = true
	return r.credRef, true
}

type pairKey struct {
	identityID string
	profile    string
}

// ExpiredFunc is invoked by the sweep for every lease it expires, outside of
// any lock. credentialRef is empty if no credential was attached or it was
// already claimed.
type ExpiredFunc func(l Lease, credentialRef string)

// Manager owns the lease arena and all state transitions.
type Manager struct {
	mu     sync.Mutex
	leases map[string]*record
	byPair map[pairKey][]*record

	active atomic.Int64

	onExpired     ExpiredFunc
	sweepInterval time.Duration
	retention     time.Duration
	now           func() time.Time
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval overrides how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithRetention overrides how long terminal leases stay queryable before the
// sweep archives them out of the arena.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithExpiredFunc registers the callback that revokes downstream credentials
// of swept leases.
func WithExpiredFunc(fn ExpiredFunc) Option {
	return func(m *Manager) { m.onExpired = fn }
}

// NewManager creates an empty arena.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		leases:        make(map[string]*record),
		byPair:        make(map[pairKey][]*record),
		sweepInterval: 10 * time.Second,
		retention:     24 * time.Hour,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Checkout creates a lease in Pending and atomically activates it if the
// (identity, profile) pair has capacity. The arena mutex serializes the
// conflict check against concurrent checkouts: of N simultaneous requests
// for an exclusive pair, exactly one activates.
func (m *Manager) Checkout(ctx context.Context, spec CheckoutSpec) (Lease, error) {
	if spec.IdentityID == "" || spec.Profile == "" {
		return Lease{}, fmt.Errorf("lease: identity and profile are required")
	}
	if spec.MaxTTL <= 0 {
		return Lease{}, fmt.Errorf("lease: max ttl must be positive")
	}
	ttl := spec.TTL
	if ttl <= 0 || ttl > spec.MaxTTL {
		ttl = spec.MaxTTL
	}
	maxActive := spec.MaxActive
	if maxActive <= 0 {
		maxActive = 1
	}

	now := m.now().UTC()
	rec := &record{
		id:         ids.New(),
		identityID: spec.IdentityID,
		profile:    spec.Profile,
		startedAt:  now,
		expiresAt:  now.Add(ttl),
	}
	rec.state.Store(int32(StatePending))

	key := pairKey{identityID: spec.IdentityID, profile: spec.Profile}

	m.mu.Lock()
	m.leases[rec.id] = rec
	m.byPair[key] = append(m.byPair[key], rec)

	activeForPair := 0
	for _, other := range m.byPair[key] {
		if State(other.state.Load()) == StateActive {
			activeForPair++
		}
	}
	if activeForPair >= maxActive {
		rec.transition(StatePending, StateRevoked)
		rec.mu.Lock()
		rec.reason = ReasonLeaseConflict
		rec.mu.Unlock()
		m.mu.Unlock()
		return rec.snapshot(), ErrConflict
	}
	rec.transition(StatePending, StateActive)
	m.mu.Unlock()

	m.active.Add(1)
	obs.SetActiveLeases(int(m.active.Load()))
	return rec.snapshot(), nil
}

// AttachCredential stores the downstream credential reference so it can be
// revoked if the lease expires or is force-revoked.
func (m *Manager) AttachCredential(leaseID, credentialRef string) error {
	rec, err := m.record(leaseID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	rec.credRef = credentialRef
	rec.mu.Unlock()
	return nil
}

// ClaimCredential hands the lease's credential reference to exactly one
// caller across check-in, revocation and sweep, so the downstream
// credential is revoked at most once.
func (m *Manager) ClaimCredential(leaseID string) (string, bool) {
	rec, err := m.record(leaseID)
	if err != nil {
		return "", false
	}
	return rec.claimCredential()
}

// Get returns a snapshot of the lease.
func (m *Manager) Get(ctx context.Context, leaseID string) (Lease, error) {
	rec, err := m.record(leaseID)
	if err != nil {
		return Lease{}, err
	}
	return rec.snapshot(), nil
}

// CheckIn moves Active to CheckedIn. A check-in on an already terminal lease
// is an idempotent success: network retries are expected and must not
// destabilize the system. The returned bool reports whether this call
// performed the transition.
func (m *Manager) CheckIn(ctx context.Context, leaseID string) (Lease, bool, error) {
	rec, err := m.record(leaseID)
	if err != nil {
		return Lease{}, false, err
	}
	for {
		st := State(rec.state.Load())
		if st.Terminal() {
			return rec.snapshot(), false, nil
		}
		if st == StatePending {
			// The checkout that created this record has not handed out the
			// lease id yet; nothing to check in.
			return Lease{}, false, ErrNotFound
		}
		if rec.transition(StateActive, StateCheckedIn) {
			m.active.Add(-1)
			obs.SetActiveLeases(int(m.active.Load()))
			return rec.snapshot(), true, nil
		}
	}
}

// RevokeResult reports the final state of a revocation.
type RevokeResult struct {
	Lease Lease
	// Transitioned is true when this call moved the lease to Revoked.
	Transitioned bool
	// CredentialRef is non-empty when this call claimed responsibility for
	// revoking the downstream credential.
	CredentialRef string
}

// Revoke forces a non-terminal lease to Revoked. Revocation is an explicit
// security decision, so it never fails on a lost race: if a concurrent
// check-in or expiry reached a terminal state first, Revoke reports that
// final state and still claims the credential for downstream revocation.
func (m *Manager) Revoke(ctx context.Context, leaseID, reason string) (RevokeResult, error) {
	rec, err := m.record(leaseID)
	if err != nil {
		return RevokeResult{}, err
	}
	for {
		st := State(rec.state.Load())
		if st.Terminal() {
			res := RevokeResult{Lease: rec.snapshot()}
			if ref, ok := rec.claimCredential(); ok {
				res.CredentialRef = ref
			}
			return res, nil
		}
		if rec.transition(st, StateRevoked) {
			rec.mu.Lock()
			rec.reason = reason
			rec.mu.Unlock()
			if st == StateActive {
				m.active.Add(-1)
				obs.SetActiveLeases(int(m.active.Load()))
			}
			res := RevokeResult{Lease: rec.snapshot(), Transitioned: true}
			if ref, ok := rec.claimCredential(); ok {
				res.CredentialRef = ref
			}
			return res, nil
		}
	}
}

// ActiveCount returns the number of Active leases across all pairs.
func (m *Manager) ActiveCount() int {
	return int(m.active.Load())
}

// Run executes the background expiry sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires every overdue Active lease and archives terminal leases
// past retention. Safe to invoke concurrently with CheckIn, Checkout and
// Revoke: per-lease CAS decides each race, and the expiry callback runs
// without holding any lock.
func (m *Manager) SweepOnce(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	candidates := make([]*record, 0, len(m.leases))
	for _, rec := range m.leases {
		candidates = append(candidates, rec)
	}
	m.mu.Unlock()

	var archived []*record
	for _, rec := range candidates {
		st := State(rec.state.Load())
		if st == StateActive && now.After(rec.expiresAt) {
			if rec.transition(StateActive, StateExpired) {
				m.active.Add(-1)
				obs.SetActiveLeases(int(m.active.Load()))
				obs.LeaseExpired()
				if m.onExpired != nil {
					ref, _ := rec.claimCredential()
					m.onExpired(rec.snapshot(), ref)
				}
			}
			continue
		}
		if st.Terminal() && now.Sub(rec.expiresAt) > m.retention {
			archived = append(archived, rec)
		}
	}

	if len(archived) > 0 {
		m.mu.Lock()
		for _, rec := range archived {
			delete(m.leases, rec.id)
			key := pairKey{identityID: rec.identityID, profile: rec.profile}
			kept := m.byPair[key][:0]
			for _, other := range m.byPair[key] {
				if other != rec {
					kept = append(kept, other)
				}
			}
			if len(kept) == 0 {
				delete(m.byPair, key)
			} else {
				m.byPair[key] = kept
			}
		}
		m.mu.Unlock()
	}
}

func (m *Manager) record(leaseID string) (*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.leases[leaseID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}
