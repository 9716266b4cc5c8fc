// Package config loads the doseta command configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/synqronlabs/doseta/dkim"
	"github.com/synqronlabs/doseta/dns"
)

// EnvPrefix prefixes environment overrides, e.g. DOSETA_LOGGING_LEVEL.
const EnvPrefix = "DOSETA"

// Config is the complete command configuration.
type Config struct {
	Logging  LogConfig      `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	DNS      DNSConfig      `mapstructure:"dns"`
	Server   ServerConfig   `mapstructure:"server"`
	Policies []PolicyConfig `mapstructure:"policies"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

// DNSConfig configures key lookups for policies without a key file.
type DNSConfig struct {
	// System uses the operating system resolver instead of querying
	// Nameservers directly. It cannot report DNSSEC status.
	System bool `mapstructure:"system"`

	Nameservers      []string      `mapstructure:"nameservers"`
	DNSSEC           bool          `mapstructure:"dnssec"`
	RequireAuthentic bool          `mapstructure:"requireAuthentic"`
	Timeout          time.Duration `mapstructure:"timeout"`
	Retries          int           `mapstructure:"retries"`
	MinRSAKeyBits    int           `mapstructure:"minRsaKeyBits"`

	// Service, when set, must be allowed by the s= tag of key records.
	Service string `mapstructure:"service"`

	// Cache keeps key records for their TTL, at most CacheMaxTTL, and holds
	// at most CacheMaxEntries names.
	Cache           bool          `mapstructure:"cache"`
	CacheMaxTTL     time.Duration `mapstructure:"cacheMaxTtl"`
	CacheMaxEntries int           `mapstructure:"cacheMaxEntries"`
	NegativeTTL     time.Duration `mapstructure:"negativeTtl"`
}

// ServerConfig configures the verifying reverse proxy.
type ServerConfig struct {
	Address          string        `mapstructure:"address"`
	Upstream         string        `mapstructure:"upstream"`
	Hostname         string        `mapstructure:"hostname"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxBodySize      int64         `mapstructure:"maxBodySize"`
	RejectOnFail     bool          `mapstructure:"rejectOnFail"`
	RequireSignature bool          `mapstructure:"requireSignature"`
	TrustedNetworks  []string      `mapstructure:"trustedNetworks"`
}

// PolicyConfig describes one verification policy.
type PolicyConfig struct {
	Name string `mapstructure:"name"`

	// KeyFile is a PEM public key. Without one, keys come from DNS.
	KeyFile string `mapstructure:"keyFile"`

	Algorithm       string `mapstructure:"algorithm"`
	IdentifierName  string `mapstructure:"identifierName"`
	IdentifierValue string `mapstructure:"identifierValue"`

	// RequiredAttributes keys are lowercased by the loader.
	RequiredAttributes map[string]string `mapstructure:"requiredAttributes"`

	IgnoreExpiration bool        `mapstructure:"ignoreExpiration"`
	StaleCheck       bool        `mapstructure:"staleCheck"`
	Stale            StaleConfig `mapstructure:"stale"`
}

type StaleConfig struct {
	Seconds int `mapstructure:"seconds"`
	Minutes int `mapstructure:"minutes"`
	Hours   int `mapstructure:"hours"`
	Days    int `mapstructure:"days"`
	Months  int `mapstructure:"months"`
	Years   int `mapstructure:"years"`
}

// envKeys can be set from the environment without appearing in the file.
var envKeys = []string{
	"logging.level", "logging.format",
	"metrics.enabled", "metrics.address", "metrics.path",
	"dns.system", "dns.nameservers", "dns.dnssec", "dns.requireAuthentic",
	"dns.timeout", "dns.cache",
	"server.address", "server.upstream", "server.hostname",
	"server.rejectOnFail", "server.requireSignature",
}

// Load reads configuration from path, which may be empty, applying
// DOSETA_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	setDefaults(&cfg)

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}

	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.DNS.Timeout == 0 {
		cfg.DNS.Timeout = 5 * time.Second
	}
	if cfg.DNS.Retries == 0 {
		cfg.DNS.Retries = 2
	}
	if cfg.DNS.MinRSAKeyBits == 0 {
		cfg.DNS.MinRSAKeyBits = 1024
	}
	if cfg.DNS.CacheMaxTTL == 0 {
		cfg.DNS.CacheMaxTTL = time.Hour
	}
	cfg.DNS.Cache = true

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = 30 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = dkim.DefaultMaxBodySize
	}
	cfg.Server.RejectOnFail = true
}

func validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("invalid log format '%s' (must be 'text' or 'json')", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/'")
	}

	if cfg.DNS.Timeout < 0 || cfg.DNS.Retries < 0 {
		return fmt.Errorf("dns timeout and retries cannot be negative")
	}
	if cfg.DNS.RequireAuthentic && !cfg.DNS.DNSSEC {
		return fmt.Errorf("dns.requireAuthentic needs dns.dnssec")
	}
	if cfg.DNS.System && cfg.DNS.DNSSEC {
		return fmt.Errorf("dns.dnssec cannot be used with the system resolver")
	}
	if cfg.DNS.CacheMaxTTL < 0 || cfg.DNS.NegativeTTL < 0 {
		return fmt.Errorf("dns cache TTLs cannot be negative")
	}
	if cfg.DNS.CacheMaxEntries < 0 {
		return fmt.Errorf("dns.cacheMaxEntries cannot be negative")
	}

	if cfg.Server.MaxBodySize < 0 {
		return fmt.Errorf("server.maxBodySize cannot be negative")
	}
	for _, cidr := range cfg.Server.TrustedNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid trusted network '%s': %w", cidr, err)
		}
	}

	seen := make(map[string]bool)
	for i, p := range cfg.Policies {
		label := p.Name
		if label == "" {
			label = fmt.Sprintf("%d", i)
		} else if seen[label] {
			return fmt.Errorf("policy %d: duplicate name '%s'", i, label)
		}
		seen[label] = true

		if err := p.validate(); err != nil {
			return fmt.Errorf("policy %s: %w", label, err)
		}
	}

	return nil
}

func (p *PolicyConfig) validate() error {
	switch dkim.Algorithm(p.Algorithm) {
	case "", dkim.AlgRSASHA256, dkim.AlgRSASHA1, dkim.AlgEd25519SHA256, dkim.AlgECDSASHA256:
	default:
		return fmt.Errorf("unknown algorithm '%s'", p.Algorithm)
	}
	if (p.IdentifierName == "") != (p.IdentifierValue == "") {
		return fmt.Errorf("identifierName and identifierValue must be set together")
	}
	if p.KeyFile != "" {
		if _, err := os.Stat(p.KeyFile); err != nil {
			return fmt.Errorf("key file: %w", err)
		}
	}
	s := p.Stale
	if s.Seconds < 0 || s.Minutes < 0 || s.Hours < 0 || s.Days < 0 || s.Months < 0 || s.Years < 0 {
		return fmt.Errorf("stale window fields cannot be negative")
	}
	if p.StaleCheck && s == (StaleConfig{}) {
		return fmt.Errorf("staleCheck needs a non-empty stale window")
	}
	return nil
}

// Verification builds the policy. repo serves keys when KeyFile is empty.
func (p *PolicyConfig) Verification(repo dkim.KeyRepository) (*dkim.Verification, error) {
	var v *dkim.Verification
	if p.KeyFile != "" {
		data, err := os.ReadFile(p.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		key, err := dkim.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key file %s: %w", p.KeyFile, err)
		}
		v = dkim.NewVerification(key)
	} else {
		v = dkim.NewRepositoryVerification(repo)
	}

	v.Algorithm = dkim.Algorithm(p.Algorithm)
	v.IdentifierName = p.IdentifierName
	v.IdentifierValue = p.IdentifierValue
	v.IgnoreExpiration = p.IgnoreExpiration
	v.StaleCheck = p.StaleCheck
	v.Stale = dkim.StaleWindow(p.Stale)
	for name, value := range p.RequiredAttributes {
		v.Require(name, value)
	}
	return v, nil
}

// Resolver builds the DNS resolver, wrapped in a cache when Cache is set.
func (d *DNSConfig) Resolver() dns.Resolver {
	var r dns.Resolver
	if d.System {
		r = dns.NewStdResolver()
	} else {
		r = dns.NewResolver(dns.ResolverConfig{
			Nameservers: d.Nameservers,
			DNSSEC:      d.DNSSEC,
			Timeout:     d.Timeout,
			Retries:     d.Retries,
		})
	}
	if !d.Cache {
		return r
	}

	c := dns.NewCachingResolver(r)
	c.MaxTTL = d.CacheMaxTTL
	c.MaxEntries = d.CacheMaxEntries
	c.NegativeTTL = d.NegativeTTL
	return c
}

// KeyRepository builds the DNS key repository over resolver.
func (d *DNSConfig) KeyRepository(resolver dns.Resolver) *dkim.DNSKeyRepository {
	return &dkim.DNSKeyRepository{
		Resolver:         resolver,
		RequireAuthentic: d.RequireAuthentic,
		MinRSAKeyBits:    d.MinRSAKeyBits,
		Service:          d.Service,
	}
}

// Verifier builds a Verifier applying every policy, or the default policy
// when none is configured.
func (c *Config) Verifier(repo dkim.KeyRepository) (*dkim.Verifier, error) {
	verifier := &dkim.Verifier{Repository: repo}
	for i := range c.Policies {
		v, err := c.Policies[i].Verification(repo)
		if err != nil {
			return nil, err
		}
		verifier.Verifications = append(verifier.Verifications, v)
	}
	return verifier, nil
}

// Networks parses TrustedNetworks. Entries were checked by Load.
func (s *ServerConfig) Networks() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range s.TrustedNetworks {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}
