package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"keymint.dev/internal/registry"
)

var (
	// ErrUnknownIdentity is deliberately free of configuration detail; the
	// caller holds a verified assertion but is not yet trusted with the set
	// of registered patterns.
	ErrUnknownIdentity = errors.New("federation: subject does not map to a registered identity")

	// ErrAmbiguousFederation marks a configuration conflict: two identities
	// claim the same subject. Failing closed prevents privilege confusion.
	ErrAmbiguousFederation = errors.New("federation: subject matches more than one registered identity")
)

// Mapper resolves validated subject claims to registered service identities.
type Mapper struct {
	store registry.Store
}

// NewMapper builds a mapper over the identity records and verifies every
// configured pattern compiles.
func NewMapper(ctx context.Context, store registry.Store) (*Mapper, error) {
	identities, err := store.Identities(ctx)
	if err != nil {
		return nil, fmt.Errorf("federation: load identities: %w", err)
	}
	for _, si := range identities {
		for _, raw := range si.Patterns {
			if _, err := Compile(raw); err != nil {
				return nil, fmt.Errorf("identity %q: %w", si.ID, err)
			}
		}
	}
	return &Mapper{store: store}, nil
}

// Resolution is a successful subject-to-identity mapping.
type Resolution struct {
	Identity registry.ServiceIdentity
	Pattern  string
	Bindings map[string]string
}

// Resolve maps the subject to exactly one registered identity. Multiple
// patterns of the same identity may match; patterns of different identities
// matching the same subject is a conflict.
func (m *Mapper) Resolve(ctx context.Context, subject string) (Resolution, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return Resolution{}, ErrUnknownIdentity
	}
	identities, err := m.store.Identities(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("federation: load identities: %w", err)
	}

	var (
		found   bool
		matched Resolution
	)
	for _, si := range identities {
		for _, raw := range si.Patterns {
			pat, err := Compile(raw)
			if err != nil {
				return Resolution{}, fmt.Errorf("identity %q: %w", si.ID, err)
			}
			bindings, ok := pat.Match(subject)
			if !ok {
				continue
			}
			if found && matched.Identity.ID != si.ID {
				return Resolution{}, ErrAmbiguousFederation
			}
			if !found {
				matched = Resolution{Identity: si, Pattern: raw, Bindings: bindings}
				found = true
			}
			break
		}
	}
	if !found {
		return Resolution{}, ErrUnknownIdentity
	}
	return matched, nil
}
