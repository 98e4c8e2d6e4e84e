package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"keymint.dev/internal/policy"
	"keymint.dev/internal/registry"
)

// Config is the full broker configuration, loaded from a YAML file with
// KEYMINT_* environment overrides for deployment-specific values.
type Config struct {
	Listen string `yaml:"listen"`

	// PGDSN enables the durable Postgres audit store; empty keeps audit
	// in process memory.
	PGDSN string `yaml:"pg_dsn"`

	Trust      Trust      `yaml:"trust"`
	Provider   Provider   `yaml:"provider"`
	Identities []Identity `yaml:"identities"`
	Profiles   []Profile  `yaml:"profiles"`
	Policies   []Policy   `yaml:"policies"`

	Lease LeaseConfig `yaml:"lease"`
	Rate  RateConfig  `yaml:"rate"`
}

// Trust pins the accepted assertion issuer, audiences and freshness window.
type Trust struct {
	Issuer    string   `yaml:"issuer"`
	Audiences []string `yaml:"audiences"`
	// JWKSURL fetches signing keys from the issuer; KeyFiles pins static
	// PEM-encoded public keys instead. Exactly one must be set.
	JWKSURL  string   `yaml:"jwks_url"`
	KeyFiles []string `yaml:"key_files"`
	Window   Duration `yaml:"window"`
}

// Provider selects the downstream credential minter.
type Provider struct {
	// Mode is "static" (local HMAC-signed tokens) or "http" (remote
	// provider endpoints).
	Mode      string `yaml:"mode"`
	MintURL   string `yaml:"mint_url"`
	RevokeURL string `yaml:"revoke_url"`
	Token     string `yaml:"token"`
	Secret    string `yaml:"secret"`
}

// Identity is one registered non-human identity.
type Identity struct {
	ID       string   `yaml:"id"`
	Patterns []string `yaml:"patterns"`
	Profiles []string `yaml:"profiles"`
}

// Profile is one access profile.
type Profile struct {
	Name      string   `yaml:"name"`
	Resource  string   `yaml:"resource"`
	MaxTTL    Duration `yaml:"max_ttl"`
	Policy    string   `yaml:"policy"`
	MaxActive int      `yaml:"max_active"`
}

// Policy is one named policy document.
type Policy struct {
	Name   string   `yaml:"name"`
	TTLCap Duration `yaml:"ttl_cap"`
	Hours  *Hours   `yaml:"hours"`
	Expr   string   `yaml:"expr"`
}

// Hours restricts checkouts to a UTC window.
type Hours struct {
	From int `yaml:"from"`
	To   int `yaml:"to"`
}

// LeaseConfig tunes the lease arena.
type LeaseConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
	Retention     Duration `yaml:"retention"`
}

// RateConfig limits checkout requests per second with a burst allowance.
type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Duration unmarshals "90s"/"1h" style YAML values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads path, applies environment overrides and validates.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, applies environment overrides and validates.
func Parse(data []byte) (Config, error) {
	cfg := Config{
		Listen: ":8080",
		Lease: LeaseConfig{
			SweepInterval: Duration(10 * time.Second),
			Retention:     Duration(24 * time.Hour),
		},
		Rate: RateConfig{RPS: 50, Burst: 100},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KEYMINT_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("KEYMINT_PG_DSN"); v != "" {
		cfg.PGDSN = v
	}
	if v := os.Getenv("KEYMINT_PROVIDER_TOKEN"); v != "" {
		cfg.Provider.Token = v
	}
	if v := os.Getenv("KEYMINT_PROVIDER_SECRET"); v != "" {
		cfg.Provider.Secret = v
	}
	if v := os.Getenv("KEYMINT_RATE_RPS"); v != "" {
		if rps, err := strconv.ParseFloat(v, 64); err == nil && rps > 0 {
			cfg.Rate.RPS = rps
		}
	}
}

func (c Config) validate() error {
	if c.Trust.Issuer == "" {
		return errors.New("config: trust.issuer is required")
	}
	if len(c.Trust.Audiences) == 0 {
		return errors.New("config: trust.audiences is required")
	}
	if c.Trust.Window.Std() <= 0 {
		return errors.New("config: trust.window must be positive")
	}
	if (c.Trust.JWKSURL == "") == (len(c.Trust.KeyFiles) == 0) {
		return errors.New("config: exactly one of trust.jwks_url or trust.key_files must be set")
	}
	switch c.Provider.Mode {
	case "static":
		if c.Provider.Secret == "" {
			return errors.New("config: provider.secret is required in static mode")
		}
	case "http":
		if c.Provider.MintURL == "" || c.Provider.RevokeURL == "" {
			return errors.New("config: provider.mint_url and provider.revoke_url are required in http mode")
		}
	default:
		return fmt.Errorf("config: unknown provider.mode %q", c.Provider.Mode)
	}
	if len(c.Identities) == 0 {
		return errors.New("config: at least one identity is required")
	}
	return nil
}

// RegistryRecords converts the config into registry entries; the registry
// store performs the cross-reference validation.
func (c Config) RegistryRecords() ([]registry.ServiceIdentity, []registry.AccessProfile) {
	ids := make([]registry.ServiceIdentity, 0, len(c.Identities))
	for _, id := range c.Identities {
		ids = append(ids, registry.ServiceIdentity{
			ID:       id.ID,
			Patterns: id.Patterns,
			Profiles: id.Profiles,
		})
	}
	profiles := make([]registry.AccessProfile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		profiles = append(profiles, registry.AccessProfile{
			Name:      p.Name,
			Resource:  p.Resource,
			MaxTTL:    p.MaxTTL.Std(),
			Policy:    p.Policy,
			MaxActive: p.MaxActive,
		})
	}
	return ids, profiles
}

// PolicyDocuments converts the config into policy documents for compilation.
func (c Config) PolicyDocuments() []policy.Document {
	docs := make([]policy.Document, 0, len(c.Policies))
	for _, p := range c.Policies {
		doc := policy.Document{
			Name:   p.Name,
			TTLCap: p.TTLCap.Std(),
			Expr:   p.Expr,
		}
		if p.Hours != nil {
			doc.Hours = &policy.HourWindow{From: p.Hours.From, To: p.Hours.To}
		}
		docs = append(docs, doc)
	}
	return docs
}
