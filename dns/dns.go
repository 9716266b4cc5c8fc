// Package dns provides the TXT lookups used to fetch signing keys published
// under <selector>._domainkey.<domain>.
//
// DNSResolver, built on github.com/miekg/dns, reports whether an answer was
// DNSSEC-validated by the upstream resolver and how long it may be cached.
// StdResolver uses the system resolver and reports neither. CachingResolver
// keeps answers for their TTL. MockResolver serves fixed records in tests.
package dns

import (
	"context"
	"errors"
	"time"
)

// Resolver looks up DNS TXT records.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
}

// Result holds the records of a lookup and whether the answer was authenticated.
type Result[T any] struct {
	Records []T

	// Authentic is true when the upstream resolver set the AD bit.
	Authentic bool

	// TTL is the smallest TTL of the answer records. Zero when unknown.
	TTL time.Duration
}

var (
	ErrDNSNotFound = errors.New("dns: name not found")
	ErrDNSTimeout  = errors.New("dns: timeout")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
)

// IsNotFound reports whether err is (or wraps) ErrDNSNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTimeout reports whether err is (or wraps) ErrDNSTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrDNSTimeout)
}

// IsServFail reports whether err is (or wraps) ErrDNSServFail.
func IsServFail(err error) bool {
	return errors.Is(err, ErrDNSServFail)
}

// IsTemporary reports whether a later retry of the same lookup may succeed.
func IsTemporary(err error) bool {
	return IsTimeout(err) || IsServFail(err) || errors.Is(err, ErrDNSRefused) ||
		errors.Is(err, context.DeadlineExceeded)
}
