package config

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/synqronlabs/doseta/dkim"
	"github.com/synqronlabs/doseta/dns"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func writeKey(t *testing.T) (string, ed25519.PublicKey) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	data, err := dkim.MarshalPublicKeyPEM(pub)
	if err != nil {
		t.Fatalf("MarshalPublicKeyPEM() error = %v", err)
	}
	return writeFile(t, "pub.pem", string(data)), pub
}

func TestSetDefaults(t *testing.T) {
	var cfg Config
	setDefaults(&cfg)

	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %s, want text", cfg.Logging.Format)
	}
	if cfg.Metrics.Address != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
	if cfg.DNS.Timeout != 5*time.Second || cfg.DNS.Retries != 2 || cfg.DNS.MinRSAKeyBits != 1024 {
		t.Errorf("DNS = %+v", cfg.DNS)
	}
	if !cfg.DNS.Cache || cfg.DNS.CacheMaxTTL != time.Hour {
		t.Errorf("DNS cache = %v %v, want true 1h", cfg.DNS.Cache, cfg.DNS.CacheMaxTTL)
	}
	if cfg.Server.Address != ":8080" || cfg.Server.Timeout != 30*time.Second {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Server.MaxBodySize != dkim.DefaultMaxBodySize {
		t.Errorf("MaxBodySize = %d, want %d", cfg.Server.MaxBodySize, dkim.DefaultMaxBodySize)
	}
	if !cfg.Server.RejectOnFail {
		t.Error("RejectOnFail = false, want true")
	}
}

func TestLoad(t *testing.T) {
	keyFile, _ := writeKey(t)
	path := writeFile(t, "doseta.yaml", `
logging:
  level: debug
  format: json
dns:
  nameservers: ["127.0.0.1:5353"]
  timeout: 2s
server:
  upstream: http://localhost:9000
  rejectOnFail: false
  trustedNetworks: ["10.0.0.0/8"]
policies:
  - name: partner
    keyFile: `+keyFile+`
    algorithm: ed25519-sha256
    identifierName: d
    identifierValue: partner.example
    requiredAttributes:
      s: main
    staleCheck: true
    stale:
      hours: 12
      minutes: 720
  - name: dns
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if len(cfg.DNS.Nameservers) != 1 || cfg.DNS.Nameservers[0] != "127.0.0.1:5353" {
		t.Errorf("Nameservers = %v", cfg.DNS.Nameservers)
	}
	if cfg.DNS.Timeout != 2*time.Second {
		t.Errorf("DNS.Timeout = %v, want 2s", cfg.DNS.Timeout)
	}
	if cfg.DNS.Retries != 2 {
		t.Errorf("DNS.Retries = %d, want default 2", cfg.DNS.Retries)
	}
	if cfg.Server.RejectOnFail {
		t.Error("RejectOnFail = true, want false from file")
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("Server.Address = %s, want default", cfg.Server.Address)
	}
	if nets := cfg.Server.Networks(); len(nets) != 1 || nets[0].String() != "10.0.0.0/8" {
		t.Errorf("Networks() = %v", nets)
	}

	if len(cfg.Policies) != 2 {
		t.Fatalf("got %d policies, want 2", len(cfg.Policies))
	}
	p := cfg.Policies[0]
	if p.Stale.Hours != 12 || p.Stale.Minutes != 720 || !p.StaleCheck {
		t.Errorf("stale = %+v check=%v", p.Stale, p.StaleCheck)
	}
	if p.RequiredAttributes["s"] != "main" {
		t.Errorf("RequiredAttributes = %v", p.RequiredAttributes)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("DOSETA_LOGGING_LEVEL", "warn")
	t.Setenv("DOSETA_SERVER_UPSTREAM", "http://backend:8000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %s, want warn", cfg.Logging.Level)
	}
	if cfg.Server.Upstream != "http://backend:8000" {
		t.Errorf("Server.Upstream = %s", cfg.Server.Upstream)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad level", "logging:\n  level: loud\n", "invalid log level"},
		{"bad format", "logging:\n  format: xml\n", "invalid log format"},
		{"bad cidr", "server:\n  trustedNetworks: [\"nope\"]\n", "invalid trusted network"},
		{"authentic without dnssec", "dns:\n  requireAuthentic: true\n", "requireAuthentic"},
		{"system with dnssec", "dns:\n  system: true\n  dnssec: true\n", "system resolver"},
		{"bad algorithm", "policies:\n  - name: a\n    algorithm: rsa-md5\n", "unknown algorithm"},
		{"half identifier", "policies:\n  - identifierName: d\n", "set together"},
		{"missing key file", "policies:\n  - keyFile: /does/not/exist.pem\n", "key file"},
		{"duplicate name", "policies:\n  - name: a\n  - name: a\n", "duplicate name"},
		{"empty stale window", "policies:\n  - staleCheck: true\n", "stale window"},
		{"negative stale", "policies:\n  - stale:\n      days: -1\n", "negative"},
		{"negative cache size", "dns:\n  cacheMaxEntries: -1\n", "cacheMaxEntries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "doseta.yaml", tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing file) expected error")
	}
}

func TestDNSResolver(t *testing.T) {
	tests := []struct {
		name string
		cfg  DNSConfig
		want string
	}{
		{"direct", DNSConfig{Nameservers: []string{"127.0.0.1:53"}}, "*dns.DNSResolver"},
		{"system", DNSConfig{System: true}, "*dns.StdResolver"},
		{"cached", DNSConfig{Nameservers: []string{"127.0.0.1:53"}, Cache: true, CacheMaxTTL: time.Minute}, "*dns.CachingResolver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.cfg.Resolver()
			if got := fmt.Sprintf("%T", r); got != tt.want {
				t.Errorf("Resolver() = %s, want %s", got, tt.want)
			}
			if c, ok := r.(*dns.CachingResolver); ok && c.MaxTTL != time.Minute {
				t.Errorf("MaxTTL = %v, want 1m", c.MaxTTL)
			}
		})
	}

	repo := (&DNSConfig{RequireAuthentic: true, MinRSAKeyBits: 2048, Service: "http"}).KeyRepository(dns.MockResolver{})
	if !repo.RequireAuthentic || repo.MinRSAKeyBits != 2048 || repo.Service != "http" {
		t.Errorf("KeyRepository() = %+v", repo)
	}
}

func TestPolicyVerification(t *testing.T) {
	keyFile, pub := writeKey(t)

	p := PolicyConfig{
		KeyFile:            keyFile,
		Algorithm:          "ed25519-sha256",
		IdentifierName:     "d",
		IdentifierValue:    "example.com",
		RequiredAttributes: map[string]string{"s": "main"},
		StaleCheck:         true,
		Stale:              StaleConfig{Hours: 12, Minutes: 720},
	}
	v, err := p.Verification(nil)
	if err != nil {
		t.Fatalf("Verification() error = %v", err)
	}
	if !pub.Equal(v.Key) {
		t.Error("Key does not match key file")
	}
	if v.Algorithm != dkim.AlgEd25519SHA256 || v.IdentifierName != "d" || v.IdentifierValue != "example.com" {
		t.Errorf("selection = %s %s=%s", v.Algorithm, v.IdentifierName, v.IdentifierValue)
	}
	if v.RequiredAttributes["s"] != "main" {
		t.Errorf("RequiredAttributes = %v", v.RequiredAttributes)
	}
	want := dkim.StaleWindow{Hours: 12, Minutes: 720}
	if !v.StaleCheck || v.Stale != want {
		t.Errorf("Stale = %+v, want %+v", v.Stale, want)
	}

	repo := &dkim.StaticKeys{}
	dnsPolicy := PolicyConfig{}
	v, err = dnsPolicy.Verification(repo)
	if err != nil {
		t.Fatalf("Verification() error = %v", err)
	}
	if v.Key != nil || v.Repository != repo {
		t.Errorf("policy without key file should use the repository")
	}
}

func TestConfigVerifier(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	priv := ed25519.NewKeyFromSeed(seed)

	repo := &dkim.StaticKeys{}
	repo.Add("main", "example.com", priv.Public())

	cfg := &Config{Policies: []PolicyConfig{{Name: "any"}, {Name: "mail", Algorithm: "ed25519-sha256"}}}
	verifier, err := cfg.Verifier(repo)
	if err != nil {
		t.Fatalf("Verifier() error = %v", err)
	}
	if len(verifier.Verifications) != 2 {
		t.Fatalf("got %d verifications, want 2", len(verifier.Verifications))
	}

	signer := &dkim.Signer{Domain: "example.com", Selector: "main", PrivateKey: priv, Headers: []string{"Host"}}
	headers := dkim.MultiValued{"Host": {"api.example.com"}}
	value, err := signer.Sign(headers, nil)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	headers[dkim.HeaderName] = []string{value}

	results, err := verifier.Verify(context.Background(), headers, nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !results.Passed() {
		t.Errorf("Verify() did not pass: %v", results.Err())
	}
}
