package dkim

import (
	"crypto"
	"fmt"
	"maps"
	"slices"
	"time"
)

// StaleWindow is the maximum signature age accepted by a staleness check.
// The six fields are added together: the clock fields as a duration, then
// days, months and years as calendar steps, so a month is a calendar month.
type StaleWindow struct {
	Seconds int
	Minutes int
	Hours   int
	Days    int
	Months  int
	Years   int
}

// Deadline returns the instant after which a signature created at created is
// stale.
func (w StaleWindow) Deadline(created time.Time) time.Time {
	d := time.Duration(w.Seconds)*time.Second +
		time.Duration(w.Minutes)*time.Minute +
		time.Duration(w.Hours)*time.Hour
	return created.Add(d).AddDate(w.Years, w.Months, w.Days)
}

// Verification is a verification policy. It is configured once and may be
// shared between goroutines; Verify does not modify it.
type Verification struct {
	// Key is the public key used when Verify is not given one.
	Key crypto.PublicKey

	// Repository resolves keys for this policy when a Verifier applies it
	// and Key is nil. Verify itself never consults it.
	Repository KeyRepository

	// Algorithm restricts which signature a Verifier selects for this
	// policy. Empty accepts any algorithm.
	Algorithm Algorithm

	// RequiredAttributes maps tag names to the value each must carry.
	RequiredAttributes map[string]string

	// IdentifierName and IdentifierValue select the signature (and so the
	// key entry) this policy applies to, e.g. "d" and "example.com".
	IdentifierName  string
	IdentifierValue string

	// StaleCheck enables the staleness check against Stale.
	StaleCheck bool

	// IgnoreExpiration disables the x= expiration check.
	IgnoreExpiration bool

	Stale StaleWindow
}

// NewVerification returns a policy verifying with key.
func NewVerification(key crypto.PublicKey) *Verification {
	return &Verification{
		Key:                key,
		RequiredAttributes: make(map[string]string),
	}
}

// NewRepositoryVerification returns a policy whose keys come from repo.
func NewRepositoryVerification(repo KeyRepository) *Verification {
	return &Verification{
		Repository:         repo,
		RequiredAttributes: make(map[string]string),
	}
}

// Require adds a required attribute and returns v.
func (v *Verification) Require(name, value string) *Verification {
	if v.RequiredAttributes == nil {
		v.RequiredAttributes = make(map[string]string)
	}
	v.RequiredAttributes[name] = value
	return v
}

// Verify checks sig against headers and body and returns the headers the
// signature covers.
//
// The key is key if non-nil, else v.Key. Checks run in this order and the
// first failure is returned: key presence (ErrNoKey), the cryptographic check
// (ErrSigVerify), expiration (ErrSigExpired) unless IgnoreExpiration,
// staleness (ErrSigStale) when StaleCheck, then required attributes
// (*AttributeMismatchError).
func (v *Verification) Verify(sig *Signature, headers HeaderMap, body []byte, key crypto.PublicKey) (*Validated, error) {
	if key == nil {
		key = v.Key
	}
	if key == nil {
		return nil, ErrNoKey
	}

	validated, err := sig.Verify(headers, body, key)
	if err != nil {
		return nil, err
	}

	if !v.IgnoreExpiration && sig.IsExpired() {
		return nil, fmt.Errorf("%w: expired at %d", ErrSigExpired, sig.ExpireTime)
	}

	if v.StaleCheck && sig.IsStale(v.Stale) {
		return nil, fmt.Errorf("%w: created at %d", ErrSigStale, sig.SignTime)
	}

	if err := v.checkAttributes(sig); err != nil {
		return nil, err
	}

	return validated, nil
}

// checkAttributes walks RequiredAttributes in name order so the reported
// mismatch is deterministic.
func (v *Verification) checkAttributes(sig *Signature) error {
	for _, name := range slices.Sorted(maps.Keys(v.RequiredAttributes)) {
		expected := v.RequiredAttributes[name]
		actual, ok := sig.Attribute(name)
		if !ok {
			return &AttributeMismatchError{Name: name, Expected: expected, Missing: true}
		}
		if actual != expected {
			return &AttributeMismatchError{Name: name, Expected: expected, Actual: actual}
		}
	}
	return nil
}

// matches reports whether sig is the signature this policy applies to.
func (v *Verification) matches(sig *Signature) bool {
	if v.Algorithm != "" && Algorithm(sig.Algorithm) != v.Algorithm {
		return false
	}
	if v.IdentifierName == "" {
		return true
	}
	value, ok := sig.Attribute(v.IdentifierName)
	return ok && value == v.IdentifierValue
}
