package assertion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSignature = errors.New("assertion: signature verification failed")
	ErrUntrustedIssuer  = errors.New("assertion: untrusted issuer")
	ErrAudienceMismatch = errors.New("assertion: audience mismatch")
	ErrExpired          = errors.New("assertion: outside validity window")
	ErrMalformed        = errors.New("assertion: malformed claims")
)

// Allow a small clock skew when validating issued-at, matching what identity
// providers tolerate in practice.
const issuedAtSkew = 5 * time.Second

// KeySet verifies the JWS signature of a raw assertion and returns the
// payload. Satisfied by oidc.RemoteKeySet and oidc.StaticKeySet.
type KeySet interface {
	VerifySignature(ctx context.Context, jwt string) (payload []byte, err error)
}

// Claims is the verified claim set handed to federation and policy.
type Claims struct {
	Issuer    string           `json:"iss"`
	Subject   string           `json:"sub"`
	Audience  jwt.ClaimStrings `json:"aud"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`

	// All decodes every claim by name for policy expressions.
	All map[string]any `json:"-"`
}

// Config is the immutable trust configuration loaded at process start.
type Config struct {
	// Issuer must match the assertion's iss claim exactly.
	Issuer string
	// Audiences accepted; at least one must appear in the assertion's aud.
	Audiences []string
	// Window bounds how long after issuance an assertion is accepted,
	// independent of its own exp. Narrows the replay opportunity for a
	// stolen but still cryptographically valid token.
	Window time.Duration
}

// Validator verifies presented assertions against one trusted issuer.
type Validator struct {
	cfg  Config
	keys KeySet
	now  func() time.Time
}

// Option configures Validator behavior.
type Option func(*Validator)

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// NewValidator checks the trust configuration and builds a validator.
func NewValidator(cfg Config, keys KeySet, opts ...Option) (*Validator, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("assertion: trusted issuer is required")
	}
	if len(cfg.Audiences) == 0 {
		return nil, errors.New("assertion: at least one audience is required")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("assertion: validation window must be positive")
	}
	if keys == nil {
		return nil, errors.New("assertion: key set is required")
	}
	v := &Validator{cfg: cfg, keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Validate verifies signature, issuer, audience and the validity window,
// and returns the claim set. The window edge is inclusive: an assertion
// presented exactly at iat+window still passes.
func (v *Validator) Validate(ctx context.Context, raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMalformed
	}

	payload, err := v.keys.VerifySignature(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(payload, &claims.All); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrMalformed)
	}

	if claims.Issuer != v.cfg.Issuer {
		return nil, ErrUntrustedIssuer
	}
	if !intersects(claims.Audience, v.cfg.Audiences) {
		return nil, ErrAudienceMismatch
	}

	if claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: timestamps missing", ErrMalformed)
	}
	now := v.now().UTC()
	iat := claims.IssuedAt.Time
	if now.After(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: assertion expired", ErrExpired)
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return nil, fmt.Errorf("%w: assertion not yet valid", ErrExpired)
	}
	if iat.After(now.Add(issuedAtSkew)) {
		return nil, fmt.Errorf("%w: issued in the future", ErrExpired)
	}
	if now.After(iat.Add(v.cfg.Window)) {
		return nil, fmt.Errorf("%w: validation window elapsed", ErrExpired)
	}

	return &claims, nil
}

func intersects(have jwt.ClaimStrings, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}
