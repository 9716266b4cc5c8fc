package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// StdResolver implements Resolver with the system resolver. Results are
// never Authentic and carry no TTL.
type StdResolver struct {
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

// NewStdResolver returns a StdResolver using net.DefaultResolver.
func NewStdResolver() *StdResolver {
	return &StdResolver{Resolver: net.DefaultResolver}
}

func (r *StdResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	resolver := r.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	records, err := resolver.LookupTXT(ctx, strings.TrimSuffix(name, "."))
	if err != nil {
		return Result[string]{}, mapNetError(err)
	}
	if len(records) == 0 {
		return Result[string]{}, ErrDNSNotFound
	}
	return Result[string]{Records: records}, nil
}

// mapNetError converts a *net.DNSError into the package errors.
func mapNetError(err error) error {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return fmt.Errorf("dns: %w", err)
	}
	switch {
	case dnsErr.IsNotFound:
		return ErrDNSNotFound
	case dnsErr.IsTimeout:
		return fmt.Errorf("%w: %s", ErrDNSTimeout, dnsErr.Name)
	case dnsErr.IsTemporary:
		return fmt.Errorf("%w: %s", ErrDNSServFail, dnsErr.Name)
	default:
		return fmt.Errorf("dns: %w", err)
	}
}
