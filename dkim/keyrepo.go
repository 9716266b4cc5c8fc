package dkim

import (
	"context"
	"crypto"
	"crypto/rsa"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/synqronlabs/doseta/dns"
)

// KeyRepository resolves the public key a signature was made with.
// A key that does not exist is reported as ErrKeyNotFound.
type KeyRepository interface {
	FindPublicKey(ctx context.Context, sig *Signature) (crypto.PublicKey, error)
}

// KeyRepositoryFunc adapts a function to KeyRepository.
type KeyRepositoryFunc func(ctx context.Context, sig *Signature) (crypto.PublicKey, error)

func (f KeyRepositoryFunc) FindPublicKey(ctx context.Context, sig *Signature) (crypto.PublicKey, error) {
	return f(ctx, sig)
}

// KeyName returns the name a key for selector and domain is stored under.
func KeyName(selector, domain string) string {
	return strings.ToLower(selector) + "._domainkey." + strings.ToLower(strings.TrimSuffix(domain, "."))
}

// StaticKeys is an in-memory KeyRepository. The zero value is ready to use.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

// Add stores key for selector and domain, replacing any previous key.
func (k *StaticKeys) Add(selector, domain string, key crypto.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[string]crypto.PublicKey)
	}
	k.keys[KeyName(selector, domain)] = key
}

// Remove deletes the key for selector and domain.
func (k *StaticKeys) Remove(selector, domain string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, KeyName(selector, domain))
}

// Len returns the number of stored keys.
func (k *StaticKeys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *StaticKeys) FindPublicKey(_ context.Context, sig *Signature) (crypto.PublicKey, error) {
	name := KeyName(sig.Selector, sig.Domain)
	k.mu.RLock()
	key, ok := k.keys[name]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	return key, nil
}

// DNSKeyRepository looks keys up in DNS TXT records.
type DNSKeyRepository struct {
	// Resolver is the DNS resolver to use. Required.
	Resolver dns.Resolver

	// RequireAuthentic rejects answers without DNSSEC validation.
	RequireAuthentic bool

	// MinRSAKeyBits is the minimum RSA key size to accept.
	// Default is 1024 (per RFC 8301).
	MinRSAKeyBits int

	// Service, when set, must be allowed by the record's s= tag.
	Service string
}

// FindPublicKey fetches and checks the record for sig. Besides lookup
// failures it rejects revoked keys, keys whose record forbids the signature's
// hash, key type or service, weak RSA keys and signing domains that are
// public suffixes.
func (r *DNSKeyRepository) FindPublicKey(ctx context.Context, sig *Signature) (crypto.PublicKey, error) {
	if isTLD(sig.Domain) {
		return nil, fmt.Errorf("%w: %s", ErrTLD, sig.Domain)
	}

	record, err := r.LookupRecord(ctx, sig.Selector, sig.Domain)
	if err != nil {
		return nil, err
	}

	if record.Revoked() {
		return nil, fmt.Errorf("%w: %s", ErrKeyRevoked, KeyName(sig.Selector, sig.Domain))
	}
	if !record.HashAllowed(sig.AlgorithmHash()) {
		return nil, fmt.Errorf("%w: record allows %v, signature uses %s",
			ErrHashAlgNotAllowed, record.Hashes, sig.AlgorithmHash())
	}
	if r.Service != "" && !record.ServiceAllowed(r.Service) {
		return nil, fmt.Errorf("%w: record allows %v", ErrServiceNotAllowed, record.Services)
	}
	if !strings.EqualFold(record.Key, sig.AlgorithmSign()) {
		return nil, fmt.Errorf("%w: record specifies %s, signature uses %s",
			ErrKeyTypeMismatch, record.Key, sig.AlgorithmSign())
	}
	if record.StrictIdentity() && sig.Identity != "" {
		if _, domain, _ := strings.Cut(sig.Identity, "@"); !strings.EqualFold(domain, sig.Domain) {
			return nil, fmt.Errorf("%w: record requires i= domain %s", ErrDomainIdentity, sig.Domain)
		}
	}

	if rsaKey, ok := record.PublicKey.(*rsa.PublicKey); ok {
		minBits := r.MinRSAKeyBits
		if minBits == 0 {
			minBits = 1024
		}
		if bits := rsaKey.N.BitLen(); bits < minBits {
			return nil, fmt.Errorf("%w: %d bits, minimum %d", ErrWeakKey, bits, minBits)
		}
	}

	return record.PublicKey, nil
}

// LookupRecord retrieves and parses the key record for selector and domain.
// TXT strings that are not key records are ignored; more than one key record
// is an error.
func (r *DNSKeyRepository) LookupRecord(ctx context.Context, selector, domain string) (*Record, error) {
	name := KeyName(selector, domain)

	result, err := r.Resolver.LookupTXT(ctx, name)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
		}
		return nil, fmt.Errorf("%w: %w", ErrDNS, err)
	}
	if r.RequireAuthentic && !result.Authentic {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthentic, name)
	}

	var found *Record
	for _, txt := range result.Records {
		record, isKey, err := ParseRecord(txt)
		if !isKey {
			continue
		}
		if err != nil {
			return nil, err
		}
		if found != nil {
			return nil, fmt.Errorf("%w: %s", ErrMultipleRecords, name)
		}
		found = record
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %w: %s", ErrKeyNotFound, ErrNoRecord, name)
	}
	return found, nil
}

// isTLD reports whether domain is a public suffix (or empty), which may not
// sign.
func isTLD(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if domain == "" {
		return true
	}
	_, err := publicsuffix.EffectiveTLDPlusOne(domain)
	return err != nil
}

// IsTemporaryError reports whether err is worth retrying later: DNS
// timeouts and server failures.
func IsTemporaryError(err error) bool {
	return err != nil && dns.IsTemporary(err)
}
