package dkim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/synqronlabs/doseta/metrics"
)

// DefaultMaxBodySize bounds the body the middleware reads for hashing.
const DefaultMaxBodySize = 1 << 20

// MiddlewareConfig configures the verification middleware.
type MiddlewareConfig struct {
	// Verifier applies the policies. Required.
	Verifier *Verifier

	// Logger for DKIM events. Optional.
	Logger *slog.Logger

	// Metrics records request outcomes. Optional.
	Metrics *metrics.Metrics

	// Timeout bounds key lookups for one request. Default is 30 seconds.
	Timeout time.Duration

	// MaxBodySize is the largest body accepted, in bytes. Larger bodies get
	// 413. Default is DefaultMaxBodySize.
	MaxBodySize int64

	// Hostname names this verifier in the Authentication-Results header.
	// If empty, the request Host is used.
	Hostname string

	// RejectOnFail answers 401 when any policy does not pass.
	RejectOnFail bool

	// RequireSignature answers 401 when the request carries no signature.
	RequireSignature bool

	// TrustedNetworks bypass verification.
	TrustedNetworks []*net.IPNet
}

type resultsKey struct{}

// ResultsFromContext returns the verification results stored by Middleware.
func ResultsFromContext(ctx context.Context) (*Results, bool) {
	r, ok := ctx.Value(resultsKey{}).(*Results)
	return r, ok
}

// Middleware returns an http.Handler wrapper that verifies the
// DKIM-Signature headers of each request.
//
// The body is read (up to MaxBodySize) and restored for the next handler.
// Results are stored in the request context and summarized in an
// Authentication-Results request header.
//
// Example usage:
//
//	verifier := &dkim.Verifier{
//	    Repository: &dkim.DNSKeyRepository{Resolver: resolver},
//	}
//	handler := dkim.Middleware(dkim.MiddlewareConfig{
//	    Verifier:     verifier,
//	    RejectOnFail: true,
//	})(mux)
func Middleware(config MiddlewareConfig) func(http.Handler) http.Handler {
	if config.Verifier == nil {
		panic("dkim: verifier is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handleDKIM(w, r, next, config)
		})
	}
}

func handleDKIM(w http.ResponseWriter, r *http.Request, next http.Handler, config MiddlewareConfig) {
	start := time.Now()
	logger := config.Logger.With(slog.String("method", r.Method), slog.String("path", r.URL.Path))

	if ip := remoteIP(r); ip != nil && isTrusted(ip, config.TrustedNetworks) {
		logger.Debug("trusted network, skipping DKIM check", slog.String("ip", ip.String()))
		next.ServeHTTP(w, r)
		return
	}

	body, err := readBody(r, config.MaxBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		logger.Warn("reading request body", slog.Any("error", err))
		config.Metrics.RecordHTTPRequest("rejected", time.Since(start))
		http.Error(w, http.StatusText(status), status)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.Timeout)
	results, err := config.Verifier.Verify(ctx, r.Header, body)
	cancel()

	overall := overallStatus(results)
	if err != nil && !errors.Is(err, ErrSignatureNotFound) {
		logger.Error("DKIM verification error", slog.Any("error", err))
	}

	for _, res := range results.all() {
		attrs := []any{slog.String("status", string(res.Status))}
		if res.Signature != nil {
			attrs = append(attrs,
				slog.String("domain", res.Signature.Domain),
				slog.String("selector", res.Signature.Selector))
		}
		if res.Err != nil {
			attrs = append(attrs, slog.Any("error", res.Err))
		}
		logger.Info("DKIM verification", attrs...)
	}

	config.Metrics.RecordHTTPRequest(string(overall), time.Since(start))

	if config.RequireSignature && errors.Is(err, ErrSignatureNotFound) {
		http.Error(w, "DKIM signature required", http.StatusUnauthorized)
		return
	}
	if config.RejectOnFail && results != nil && overall != StatusPass {
		http.Error(w, "DKIM verification failed", http.StatusUnauthorized)
		return
	}

	hostname := config.Hostname
	if hostname == "" {
		hostname = r.Host
	}
	r.Header.Set("Authentication-Results", generateAuthResults(hostname, results))

	if results != nil {
		r = r.WithContext(context.WithValue(r.Context(), resultsKey{}, results))
	}
	next.ServeHTTP(w, r)
}

var errBodyTooLarge = errors.New("dkim: request body too large")

// readBody reads at most limit bytes and puts the body back on r.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	if r.ContentLength > limit {
		return nil, errBodyTooLarge
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func (r *Results) all() []Result {
	if r == nil {
		return nil
	}
	return r.Results
}

// overallStatus is pass only when every policy passed. Otherwise it is the
// first non-pass status.
func overallStatus(results *Results) Status {
	if results == nil || len(results.Results) == 0 {
		return StatusNone
	}
	for _, res := range results.Results {
		if res.Status != StatusPass {
			return res.Status
		}
	}
	return StatusPass
}

// generateAuthResults generates an Authentication-Results header value.
func generateAuthResults(hostname string, results *Results) string {
	var b strings.Builder
	b.WriteString(hostname)

	if len(results.all()) == 0 {
		b.WriteString("; dkim=none")
		return b.String()
	}

	for _, r := range results.Results {
		b.WriteString("; dkim=")
		b.WriteString(string(r.Status))

		if r.Signature != nil {
			b.WriteString(" header.d=")
			b.WriteString(r.Signature.Domain)
			b.WriteString(" header.s=")
			b.WriteString(r.Signature.Selector)
			if r.Signature.Identity != "" {
				b.WriteString(" header.i=")
				b.WriteString(r.Signature.Identity)
			}
		}

		if r.Err != nil {
			msg := strings.NewReplacer("\r", "", "\n", " ").Replace(r.Err.Error())
			if len(msg) > 100 {
				msg = msg[:100]
			}
			b.WriteString(" (")
			b.WriteString(msg)
			b.WriteString(")")
		}
	}

	return b.String()
}

func remoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func isTrusted(ip net.IP, networks []*net.IPNet) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
