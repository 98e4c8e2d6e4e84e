package federation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"keymint.dev/internal/registry"
)

func TestPatternCompileAndMatch(t *testing.T) {
	cases := []struct {
		pattern  string
		subject  string
		ok       bool
		bindings map[string]string
	}{
		{"repo:acme/ci:ref:refs/heads/main", "repo:acme/ci:ref:refs/heads/main", true, nil},
		{"repo:acme/ci:ref:refs/heads/main", "repo:acme/ci:ref:refs/heads/dev", false, nil},
		{"repo:acme/{repo}:ref:{ref}", "repo:acme/ci:ref:refs/heads/main", true,
			map[string]string{"repo": "ci", "ref": "refs/heads/main"}},
		{"repo:{org}/{repo}:ref:{ref}", "repo:acme/ci:ref:refs/tags/v1", true,
			map[string]string{"org": "acme", "repo": "ci", "ref": "refs/tags/v1"}},
		{"repo:acme/{repo}:ref:{ref}", "repo:acme/ci:branch:main", false, nil},
		{"repo:acme/{repo}:ref:{ref}", "repo:acme/:ref:refs/heads/main", false, nil},
		{"repo:acme/ci:ref:{ref}", "repo:acme/ci:ref:", false, nil},
	}
	for _, tc := range cases {
		pat, err := Compile(tc.pattern)
		if err != nil {
			t.Fatalf("compile %q: %v", tc.pattern, err)
		}
		bindings, ok := pat.Match(tc.subject)
		if ok != tc.ok {
			t.Fatalf("match %q against %q: got %v, want %v", tc.subject, tc.pattern, ok, tc.ok)
		}
		for k, want := range tc.bindings {
			if bindings[k] != want {
				t.Fatalf("binding %q: got %q, want %q", k, bindings[k], want)
			}
		}
	}
}

func TestPatternCompileRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "repo:{org", "repo:}org{", "repo:{a}{b}", "repo:{}"} {
		if _, err := Compile(raw); err == nil {
			t.Fatalf("expected compile error for %q", raw)
		}
	}
}

func testStore(t *testing.T, identities []registry.ServiceIdentity) registry.Store {
	t.Helper()
	profiles := []registry.AccessProfile{{Name: "s3-readonly", Resource: "aws:role/s3-ro", MaxTTL: time.Hour}}
	store, err := registry.NewInMemory(identities, profiles)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return store
}

func TestResolveExactMatch(t *testing.T) {
	store := testStore(t, []registry.ServiceIdentity{
		{ID: "ci-acme", Patterns: []string{"repo:acme/ci:ref:refs/heads/main"}, Profiles: []string{"s3-readonly"}},
		{ID: "ci-other", Patterns: []string{"repo:other/ci:ref:{ref}"}, Profiles: []string{"s3-readonly"}},
	})
	mapper, err := NewMapper(context.Background(), store)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}

	res, err := mapper.Resolve(context.Background(), "repo:acme/ci:ref:refs/heads/main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Identity.ID != "ci-acme" {
		t.Fatalf("unexpected identity: %s", res.Identity.ID)
	}
}

func TestResolveTemplateBindings(t *testing.T) {
	store := testStore(t, []registry.ServiceIdentity{
		{ID: "ci-acme", Patterns: []string{"repo:acme/{repo}:ref:{ref}"}, Profiles: []string{"s3-readonly"}},
	})
	mapper, err := NewMapper(context.Background(), store)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}

	res, err := mapper.Resolve(context.Background(), "repo:acme/deploy:ref:refs/tags/v2")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Bindings["repo"] != "deploy" || res.Bindings["ref"] != "refs/tags/v2" {
		t.Fatalf("unexpected bindings: %v", res.Bindings)
	}
}

func TestResolveAmbiguityFailsClosed(t *testing.T) {
	store := testStore(t, []registry.ServiceIdentity{
		{ID: "ci-a", Patterns: []string{"repo:acme/{repo}:ref:{ref}"}, Profiles: []string{"s3-readonly"}},
		{ID: "ci-b", Patterns: []string{"repo:acme/ci:ref:{ref}"}, Profiles: []string{"s3-readonly"}},
	})
	mapper, err := NewMapper(context.Background(), store)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}

	_, err = mapper.Resolve(context.Background(), "repo:acme/ci:ref:refs/heads/main")
	if !errors.Is(err, ErrAmbiguousFederation) {
		t.Fatalf("expected ErrAmbiguousFederation, got %v", err)
	}
}

func TestResolveSameIdentityMultiplePatternsNotAmbiguous(t *testing.T) {
	store := testStore(t, []registry.ServiceIdentity{
		{ID: "ci-a", Patterns: []string{"repo:acme/ci:ref:{ref}", "repo:acme/{repo}:ref:{ref}"}, Profiles: []string{"s3-readonly"}},
	})
	mapper, err := NewMapper(context.Background(), store)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}

	res, err := mapper.Resolve(context.Background(), "repo:acme/ci:ref:refs/heads/main")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Identity.ID != "ci-a" {
		t.Fatalf("unexpected identity: %s", res.Identity.ID)
	}
}

func TestResolveUnknownLeaksNoPatterns(t *testing.T) {
	store := testStore(t, []registry.ServiceIdentity{
		{ID: "ci-acme", Patterns: []string{"repo:acme/ci:ref:refs/heads/main"}, Profiles: []string{"s3-readonly"}},
	})
	mapper, err := NewMapper(context.Background(), store)
	if err != nil {
		t.Fatalf("mapper: %v", err)
	}

	_, err = mapper.Resolve(context.Background(), "repo:intruder/x:ref:refs/heads/main")
	if !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected ErrUnknownIdentity, got %v", err)
	}
	if strings.Contains(err.Error(), "acme") {
		t.Fatalf("error leaks configured patterns: %v", err)
	}
}
