package issuer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"keymint.dev/internal/ids"
)

// StaticMinter mints self-contained HS256 tokens with a local secret. Meant
// for dev deployments and the smoke test; real deployments point HTTPMinter
// at a cloud provider's token endpoint.
type StaticMinter struct {
	secret []byte

	mu      sync.Mutex
	revoked map[string]struct{}
}

// NewStaticMinter builds a local minter from the given signing secret.
func NewStaticMinter(secret string) (*StaticMinter, error) {
	if secret == "" {
		return nil, errors.New("issuer: static minter secret is required")
	}
	return &StaticMinter{
		secret:  []byte(secret),
		revoked: make(map[string]struct{}),
	}, nil
}

func (m *StaticMinter) Mint(ctx context.Context, req MintRequest) (Credential, error) {
	now := time.Now().UTC()
	expires := now.Add(req.TTL)
	ref := ids.New()

	claims := jwt.RegisteredClaims{
		Subject:   req.IdentityID,
		Audience:  jwt.ClaimStrings{req.Resource},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        ref,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return Credential{}, err
	}

	return Credential{
		Secret:    signed,
		Ref:       ref,
		Resource:  req.Resource,
		ExpiresAt: expires,
	}, nil
}

func (m *StaticMinter) Revoke(ctx context.Context, credentialRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[credentialRef] = struct{}{}
	return nil
}

// Revoked reports whether the credential reference has been revoked.
func (m *StaticMinter) Revoked(credentialRef string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[credentialRef]
	return ok
}
