package dns

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// MockResolver serves fixed TXT records in tests.
type MockResolver struct {
	// TXT maps lowercase names with a trailing dot to records.
	TXT map[string][]string

	// TTL is reported on every answer.
	TTL time.Duration

	// Fail lists names whose lookup returns ErrDNSServFail.
	Fail []string

	// AllAuthentic sets the default value for Authentic in responses.
	AllAuthentic bool

	// Authentic and Inauthentic override AllAuthentic per name.
	Authentic   []string
	Inauthentic []string

	// Lookups, when non-nil, is incremented on every call.
	Lookups *atomic.Int64
}

var _ Resolver = MockResolver{}

func ensureFQDN(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// LookupTXT counts the call, then answers from Fail, TXT and the
// Authentic overrides.
func (r MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	if r.Lookups != nil {
		r.Lookups.Add(1)
	}

	fqdn := strings.ToLower(ensureFQDN(name))
	result := Result[string]{Authentic: r.AllAuthentic, TTL: r.TTL}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	if slices.Contains(r.Fail, fqdn) {
		return result, ErrDNSServFail
	}
	if slices.Contains(r.Authentic, fqdn) {
		result.Authentic = true
	}
	if slices.Contains(r.Inauthentic, fqdn) {
		result.Authentic = false
	}

	records, ok := r.TXT[fqdn]
	if !ok || len(records) == 0 {
		return result, ErrDNSNotFound
	}

	result.Records = records
	return result, nil
}
