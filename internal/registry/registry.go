package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrProfileNotFound  = errors.New("registry: profile not found")
	ErrIdentityNotFound = errors.New("registry: identity not found")
	ErrInvalidRecord    = errors.New("registry: invalid record")
)

// ServiceIdentity is a registered non-human identity. Records are created by
// administrative tooling; the broker only reads them.
type ServiceIdentity struct {
	ID       string   `yaml:"id" json:"id"`
	Patterns []string `yaml:"patterns" json:"patterns"`
	Profiles []string `yaml:"profiles" json:"profiles"`
}

// AllowsProfile reports whether the identity may request the named profile.
func (si ServiceIdentity) AllowsProfile(name string) bool {
	for _, p := range si.Profiles {
		if p == name {
			return true
		}
	}
	return false
}

// AccessProfile describes a downstream resource grant the broker can lease.
type AccessProfile struct {
	Name      string        `yaml:"name" json:"name"`
	Resource  string        `yaml:"resource" json:"resource"`
	MaxTTL    time.Duration `yaml:"-" json:"max_ttl"`
	Policy    string        `yaml:"policy" json:"policy,omitempty"`
	MaxActive int           `yaml:"max_active" json:"max_active"`
}

// Store exposes the read side of the configuration records.
type Store interface {
	Identities(ctx context.Context) ([]ServiceIdentity, error)
	Identity(ctx context.Context, id string) (ServiceIdentity, error)
	Profile(ctx context.Context, name string) (AccessProfile, error)
}

// InMemory holds the records loaded at startup. The broker treats them as
// immutable; Replace exists for configuration reload.
type InMemory struct {
	mu         sync.RWMutex
	identities []ServiceIdentity
	profiles   map[string]AccessProfile
}

// NewInMemory validates and indexes the given records.
func NewInMemory(identities []ServiceIdentity, profiles []AccessProfile) (*InMemory, error) {
	s := &InMemory{}
	if err := s.Replace(identities, profiles); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the whole record set atomically.
func (s *InMemory) Replace(identities []ServiceIdentity, profiles []AccessProfile) error {
	idSeen := make(map[string]struct{}, len(identities))
	for _, si := range identities {
		if strings.TrimSpace(si.ID) == "" {
			return fmt.Errorf("%w: identity id is required", ErrInvalidRecord)
		}
		if _, ok := idSeen[si.ID]; ok {
			return fmt.Errorf("%w: duplicate identity %q", ErrInvalidRecord, si.ID)
		}
		idSeen[si.ID] = struct{}{}
		if len(si.Patterns) == 0 {
			return fmt.Errorf("%w: identity %q has no subject patterns", ErrInvalidRecord, si.ID)
		}
	}

	profIdx := make(map[string]AccessProfile, len(profiles))
	for _, ap := range profiles {
		if strings.TrimSpace(ap.Name) == "" {
			return fmt.Errorf("%w: profile name is required", ErrInvalidRecord)
		}
		if _, ok := profIdx[ap.Name]; ok {
			return fmt.Errorf("%w: duplicate profile %q", ErrInvalidRecord, ap.Name)
		}
		if ap.MaxTTL <= 0 {
			return fmt.Errorf("%w: profile %q needs a positive max ttl", ErrInvalidRecord, ap.Name)
		}
		if ap.MaxActive <= 0 {
			ap.MaxActive = 1
		}
		profIdx[ap.Name] = ap
	}

	for _, si := range identities {
		for _, name := range si.Profiles {
			if _, ok := profIdx[name]; !ok {
				return fmt.Errorf("%w: identity %q references unknown profile %q", ErrInvalidRecord, si.ID, name)
			}
		}
	}

	s.mu.Lock()
	s.identities = identities
	s.profiles = profIdx
	s.mu.Unlock()
	return nil
}

func (s *InMemory) Identities(ctx context.Context) ([]ServiceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServiceIdentity, len(s.identities))
	copy(out, s.identities)
	return out, nil
}

func (s *InMemory) Identity(ctx context.Context, id string) (ServiceIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, si := range s.identities {
		if si.ID == id {
			return si, nil
		}
	}
	return ServiceIdentity{}, ErrIdentityNotFound
}

func (s *InMemory) Profile(ctx context.Context, name string) (AccessProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ap, ok := s.profiles[name]
	if !ok {
		return AccessProfile{}, ErrProfileNotFound
	}
	return ap, nil
}
