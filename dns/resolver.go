package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig configures a DNSResolver.
type ResolverConfig struct {
	// Nameservers are queried in order, e.g. "127.0.0.1:53".
	// If empty, the servers in /etc/resolv.conf are used, falling back to
	// 8.8.8.8 and 1.1.1.1.
	Nameservers []string

	// DNSSEC sets the DO bit on queries. The Authentic field of a Result
	// then reflects the AD bit of the answer.
	DNSSEC bool

	// Timeout bounds a single exchange. Default is 5 seconds.
	Timeout time.Duration

	// Retries is how many extra passes over Nameservers are made after a
	// failure. Default is 2.
	Retries int
}

// ednsBufferSize leaves room for 4096-bit RSA key records over UDP.
const ednsBufferSize = 4096

// DNSResolver implements Resolver using github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	udp    *mdns.Client
	tcp    *mdns.Client
}

// NewResolver returns a resolver for config, with defaults filled in.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &DNSResolver{
		config: config,
		udp:    &mdns.Client{Net: "udp", Timeout: config.Timeout, UDPSize: ednsBufferSize},
		tcp:    &mdns.Client{Net: "tcp", Timeout: config.Timeout},
	}
}

// Config returns the effective configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// LookupTXT returns the TXT records at name. The character strings of each
// record are joined, as key records longer than 255 bytes are split.
//
// NXDOMAIN ends the lookup at once. Timeouts, SERVFAIL and REFUSED move on
// to the next server; the last of those errors is returned when every
// attempt fails.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), mdns.TypeTXT)
	msg.RecursionDesired = true
	msg.SetEdns0(ednsBufferSize, r.config.DNSSEC)

	lastErr := ErrDNSServFail
	for range r.config.Retries + 1 {
		for _, server := range r.config.Nameservers {
			resp, err := r.exchange(ctx, msg, server)
			if err != nil {
				if ctx.Err() != nil {
					return Result[string]{}, ctx.Err()
				}
				lastErr = err
				continue
			}

			result := Result[string]{
				Authentic: r.config.DNSSEC && resp.AuthenticatedData,
				TTL:       minTTL(resp.Answer),
			}
			if err := r.rcodeError(resp.Rcode); err != nil {
				if errors.Is(err, ErrDNSNotFound) {
					return result, err
				}
				lastErr = err
				continue
			}

			for _, rr := range resp.Answer {
				if txt, ok := rr.(*mdns.TXT); ok {
					result.Records = append(result.Records, strings.Join(txt.Txt, ""))
				}
			}
			if len(result.Records) == 0 {
				return result, ErrDNSNotFound
			}
			return result, nil
		}
	}
	return Result[string]{}, lastErr
}

// exchange sends msg over UDP and repeats it over TCP when the answer was
// truncated.
func (r *DNSResolver) exchange(ctx context.Context, msg *mdns.Msg, server string) (*mdns.Msg, error) {
	resp, _, err := r.udp.ExchangeContext(ctx, msg, server)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, msg, server)
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %v", ErrDNSTimeout, server, err)
		}
		return nil, fmt.Errorf("dns: query %s: %w", server, err)
	}
	return resp, nil
}

func (r *DNSResolver) rcodeError(rcode int) error {
	switch rcode {
	case mdns.RcodeSuccess:
		return nil
	case mdns.RcodeNameError:
		return ErrDNSNotFound
	case mdns.RcodeServerFailure:
		// A validating resolver answers SERVFAIL to a DO query whose chain
		// does not validate.
		if r.config.DNSSEC {
			return ErrDNSBogus
		}
		return ErrDNSServFail
	case mdns.RcodeRefused:
		return ErrDNSRefused
	default:
		return fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[rcode])
	}
}

func minTTL(rrs []mdns.RR) time.Duration {
	var ttl uint32
	for i, rr := range rrs {
		if h := rr.Header(); i == 0 || h.Ttl < ttl {
			ttl = h.Ttl
		}
	}
	return time.Duration(ttl) * time.Second
}
