package dkim

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/synqronlabs/doseta/metrics"
)

// Status is the outcome of one policy, named as in RFC 8601.
type Status string

const (
	// StatusNone means no signature matched the policy.
	StatusNone Status = "none"

	// StatusPass means the signature verified and satisfied the policy.
	StatusPass Status = "pass"

	// StatusFail means the signature did not verify.
	StatusFail Status = "fail"

	// StatusPolicy means the signature verified but the policy rejected it
	// (expired, stale or attribute mismatch).
	StatusPolicy Status = "policy"

	// StatusTemperror means a temporary failure, e.g. a DNS timeout.
	StatusTemperror Status = "temperror"

	// StatusPermerror means a permanent failure, e.g. a malformed header or
	// a missing key.
	StatusPermerror Status = "permerror"
)

// Result is the outcome of applying one Verification.
type Result struct {
	Verification *Verification
	Status       Status

	// Signature is the signature the policy was applied to, if any.
	Signature *Signature

	// Validated holds the covered headers on success.
	Validated *Validated

	Err error
}

// Results holds one Result per Verification, in order.
type Results struct {
	Results []Result

	// Signatures are all signatures found, parse failures excluded.
	Signatures []*Signature
}

// Passed reports whether every policy passed.
func (r *Results) Passed() bool {
	if r == nil || len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Status != StatusPass {
			return false
		}
	}
	return true
}

// Err aggregates the failures of every Result, or returns nil.
func (r *Results) Err() error {
	if r == nil {
		return nil
	}
	var result *multierror.Error
	for _, res := range r.Results {
		if res.Err != nil {
			result = multierror.Append(result, res.Err)
		}
	}
	return result.ErrorOrNil()
}

// Verifier applies a set of Verification policies to a message.
type Verifier struct {
	// Repository resolves keys for policies that carry neither a Key nor a
	// Repository of their own.
	Repository KeyRepository

	// Verifications are the policies to apply. If empty, a single policy
	// with default settings is used.
	Verifications []*Verification

	// Logger for verification events. Optional.
	Logger *slog.Logger

	// Metrics records outcomes. Optional.
	Metrics *metrics.Metrics
}

// Verify parses every DKIM-Signature header and applies each policy to the
// first signature it matches.
//
// The returned error is ErrSignatureNotFound when the message carries no
// signature. Per-policy failures are reported in Results; use Results.Err to
// collect them.
func (v *Verifier) Verify(ctx context.Context, headers HeaderMap, body []byte) (*Results, error) {
	logger := v.Logger
	if logger == nil {
		logger = slog.Default()
	}

	values := headers.Values(HeaderName)
	if len(values) == 0 {
		v.Metrics.RecordVerification(string(StatusNone), "", 0)
		return nil, ErrSignatureNotFound
	}

	results := &Results{}
	var parseErrs []error
	for _, value := range values {
		sig, err := ParseSignature(value)
		if err != nil {
			logger.Debug("ignoring malformed signature", slog.Any("error", err))
			parseErrs = append(parseErrs, err)
			continue
		}
		results.Signatures = append(results.Signatures, sig)
	}

	policies := v.Verifications
	if len(policies) == 0 {
		policies = []*Verification{{}}
	}

	for _, policy := range policies {
		start := time.Now()
		res := v.apply(ctx, policy, results.Signatures, headers, body)
		if res.Signature == nil && res.Err == nil {
			res.Err = notFoundError(parseErrs)
		}

		domain, algorithm := "", ""
		if res.Signature != nil {
			domain = res.Signature.Domain
			algorithm = metricAlgorithm(res.Signature.Algorithm)
		}
		v.Metrics.RecordVerification(string(res.Status), algorithm, time.Since(start))

		logger.Debug("dkim verification",
			slog.String("status", string(res.Status)),
			slog.String("domain", domain),
			slog.Any("error", res.Err),
		)
		results.Results = append(results.Results, res)
	}

	return results, nil
}

// notFoundError reports that no signature matched, followed by the reasons
// any signatures were skipped.
func notFoundError(parseErrs []error) error {
	if len(parseErrs) == 0 {
		return ErrSignatureNotFound
	}
	return multierror.Append(ErrSignatureNotFound, parseErrs...)
}

// metricAlgorithm maps a= values outside the supported set to "unknown", so
// a sender cannot mint new metric series.
func metricAlgorithm(name string) string {
	if _, ok := algorithms[Algorithm(name)]; ok {
		return name
	}
	return "unknown"
}

func (v *Verifier) apply(ctx context.Context, policy *Verification, sigs []*Signature, headers HeaderMap, body []byte) Result {
	res := Result{Verification: policy, Status: StatusNone}

	for _, sig := range sigs {
		if policy.matches(sig) {
			res.Signature = sig
			break
		}
	}
	if res.Signature == nil {
		return res
	}

	key, err := v.resolveKey(ctx, policy, res.Signature)
	if err != nil {
		res.Status = keyErrorStatus(err)
		res.Err = err
		return res
	}

	validated, err := policy.Verify(res.Signature, headers, body, key)
	if err != nil {
		res.Status = verifyErrorStatus(err)
		res.Err = err
		return res
	}

	res.Status = StatusPass
	res.Validated = validated
	return res
}

// resolveKey tries the policy key, the policy repository, then the verifier
// repository.
func (v *Verifier) resolveKey(ctx context.Context, policy *Verification, sig *Signature) (crypto.PublicKey, error) {
	if policy.Key != nil {
		return policy.Key, nil
	}
	repo := policy.Repository
	if repo == nil {
		repo = v.Repository
	}
	if repo == nil {
		return nil, ErrNoKey
	}
	key, err := repo.FindPublicKey(ctx, sig)
	v.Metrics.RecordKeyLookup(err)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyName(sig.Selector, sig.Domain), err)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, KeyName(sig.Selector, sig.Domain))
	}
	return key, nil
}

func keyErrorStatus(err error) Status {
	if IsTemporaryError(err) {
		return StatusTemperror
	}
	return StatusPermerror
}

func verifyErrorStatus(err error) Status {
	switch {
	case errors.Is(err, ErrSigVerify):
		return StatusFail
	case errors.Is(err, ErrSigExpired), errors.Is(err, ErrSigStale), errors.Is(err, ErrAttributeMismatch):
		return StatusPolicy
	default:
		return StatusPermerror
	}
}
