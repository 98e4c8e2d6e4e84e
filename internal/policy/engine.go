package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"keymint.dev/internal/registry"
)

// ErrUnknownPolicy marks a profile referencing a policy document that was
// never loaded. This is a configuration fault, not a denial.
var ErrUnknownPolicy = errors.New("policy: unknown policy document")

// Denial reason codes. Denials are expected outcomes and travel as values.
const (
	ReasonUnknownProfile    = "unknown_profile"
	ReasonProfileNotAllowed = "profile_not_allowed"
	ReasonOutsideHours      = "outside_hours"
	ReasonExpressionFalse   = "expression_false"
)

// HourWindow restricts checkouts to [From, To) hours UTC. From > To wraps
// past midnight.
type HourWindow struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

func (w HourWindow) contains(t time.Time) bool {
	h := t.UTC().Hour()
	if w.From <= w.To {
		return h >= w.From && h < w.To
	}
	return h >= w.From || h < w.To
}

// Document is one named policy. All configured checks must pass.
type Document struct {
	Name   string        `yaml:"name"`
	TTLCap time.Duration `yaml:"-"`
	Hours  *HourWindow   `yaml:"hours,omitempty"`
	// Expr is an optional boolean expression over the assertion claims,
	// e.g. `claims.ref startsWith "refs/heads/"`.
	Expr string `yaml:"expr,omitempty"`

	program *vm.Program
}

// Constraints bound what the minted credential may cover.
type Constraints struct {
	Resource  string `json:"resource"`
	MaxActive int    `json:"max_active"`
}

// Decision is the outcome of one authorization check. A denial is a normal
// result, distinguishable from a system fault by the nil error.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Reason      string        `json:"reason,omitempty"`
	MaxTTL      time.Duration `json:"max_ttl"`
	Constraints Constraints   `json:"constraints"`
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Engine authorizes (identity, profile) checkout requests.
type Engine struct {
	store registry.Store
	docs  map[string]*Document
	now   func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source. Test use.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine compiles all policy expressions up front so evaluation is pure.
func NewEngine(store registry.Store, docs []Document, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("policy: registry store is required")
	}
	idx := make(map[string]*Document, len(docs))
	for i := range docs {
		doc := docs[i]
		if doc.Name == "" {
			return nil, errors.New("policy: document name is required")
		}
		if _, ok := idx[doc.Name]; ok {
			return nil, fmt.Errorf("policy: duplicate document %q", doc.Name)
		}
		if doc.Hours != nil {
			if doc.Hours.From < 0 || doc.Hours.From > 23 || doc.Hours.To < 0 || doc.Hours.To > 24 {
				return nil, fmt.Errorf("policy: document %q has an invalid hour window", doc.Name)
			}
		}
		if doc.Expr != "" {
			program, err := expr.Compile(doc.Expr, expr.AsBool(), expr.AllowUndefinedVariables())
			if err != nil {
				return nil, fmt.Errorf("policy: compile %q: %w", doc.Name, err)
			}
			doc.program = program
		}
		idx[doc.Name] = &doc
	}
	e := &Engine{store: store, docs: idx, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Authorize decides whether identity may check out the named profile right
// now, given the assertion claims. The returned MaxTTL is the minimum of the
// profile cap and the policy cap.
func (e *Engine) Authorize(ctx context.Context, identity registry.ServiceIdentity, profileName string, claims map[string]any) (Decision, registry.AccessProfile, error) {
	profile, err := e.store.Profile(ctx, profileName)
	if errors.Is(err, registry.ErrProfileNotFound) {
		return deny(ReasonUnknownProfile), registry.AccessProfile{}, nil
	}
	if err != nil {
		return Decision{}, registry.AccessProfile{}, fmt.Errorf("policy: load profile: %w", err)
	}

	if !identity.AllowsProfile(profileName) {
		return deny(ReasonProfileNotAllowed), registry.AccessProfile{}, nil
	}

	maxTTL := profile.MaxTTL
	if profile.Policy != "" {
		doc, ok := e.docs[profile.Policy]
		if !ok {
			return Decision{}, registry.AccessProfile{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, profile.Policy)
		}
		if doc.Hours != nil && !doc.Hours.contains(e.now()) {
			return deny(ReasonOutsideHours), registry.AccessProfile{}, nil
		}
		if doc.program != nil {
			env := map[string]any{"claims": claims}
			out, err := expr.Run(doc.program, env)
			if err != nil {
				return Decision{}, registry.AccessProfile{}, fmt.Errorf("policy: evaluate %q: %w", doc.Name, err)
			}
			pass, _ := out.(bool)
			if !pass {
				return deny(ReasonExpressionFalse), registry.AccessProfile{}, nil
			}
		}
		if doc.TTLCap > 0 && doc.TTLCap < maxTTL {
			maxTTL = doc.TTLCap
		}
	}

	return Decision{
		Allowed: true,
		MaxTTL:  maxTTL,
		Constraints: Constraints{
			Resource:  profile.Resource,
			MaxActive: profile.MaxActive,
		},
	}, profile, nil
}
