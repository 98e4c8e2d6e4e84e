package assertion

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// RemoteKeys fetches and caches the issuer's published signing keys from its
// JWKS endpoint. The returned set refreshes itself on unknown key ids.
func RemoteKeys(ctx context.Context, jwksURL string) KeySet {
	return oidc.NewRemoteKeySet(ctx, jwksURL)
}

// StaticKeys builds a fixed key set from PEM-encoded RSA public keys.
// Used for dev and test deployments where the issuer's keys are pinned.
func StaticKeys(pems ...string) (KeySet, error) {
	if len(pems) == 0 {
		return nil, errors.New("assertion: at least one public key is required")
	}
	keys := make([]crypto.PublicKey, 0, len(pems))
	for i, raw := range pems {
		pub, err := ParseRSAPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("assertion: public key %d: %w", i, err)
		}
		keys = append(keys, pub)
	}
	return &oidc.StaticKeySet{PublicKeys: keys}, nil
}

// ParseRSAPublicKey decodes a PEM block holding a PKIX or PKCS1 RSA public key.
func ParseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("not an RSA public key")
		}
		return rsaPub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	return nil, errors.New("unsupported public key encoding")
}
