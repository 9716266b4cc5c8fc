// Package dkim signs and verifies DKIM-Signature headers carried on HTTP
// messages.
//
// The signature format follows RFC 6376 (tags v, a, d, s, h, t, x, c, i, bh, b)
// applied to an HTTP header map and body instead of an RFC 5322 message.
// Extension tags are preserved as attributes and can be enforced by a
// Verification policy.
//
// Supported algorithms:
//   - rsa-sha256
//   - rsa-sha1 (deprecated, verification only recommended)
//   - ed25519-sha256 (RFC 8463)
//   - ecdsa-sha256 (P-256, P-384, P-521)
//
// # Basic Usage
//
// Signing:
//
//	signer := &dkim.Signer{
//	    Domain:     "example.com",
//	    Selector:   "api",
//	    PrivateKey: privateKey,
//	    Headers:    []string{"Content-Type", "Date"},
//	}
//	value, err := signer.Sign(req.Header, body)
//	req.Header.Set(dkim.HeaderName, value)
//
// Verifying a single signature against a known key:
//
//	sig, err := dkim.ParseSignature(req.Header.Get(dkim.HeaderName))
//	policy := dkim.NewVerification(publicKey)
//	policy.StaleCheck = true
//	policy.Stale = dkim.StaleWindow{Hours: 1}
//	validated, err := policy.Verify(sig, req.Header, body, nil)
//
// Verifying with keys published in DNS:
//
//	verifier := &dkim.Verifier{
//	    Repository:    &dkim.DNSKeyRepository{Resolver: resolver},
//	    Verifications: []*dkim.Verification{policy},
//	}
//	results, err := verifier.Verify(ctx, req.Header, body)
package dkim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HeaderName is the HTTP header carrying the signature.
const HeaderName = "DKIM-Signature"

// Algorithm represents a signing algorithm (a= tag).
type Algorithm string

const (
	// AlgRSASHA256 is the RSA-SHA256 algorithm.
	AlgRSASHA256 Algorithm = "rsa-sha256"

	// AlgRSASHA1 is the deprecated RSA-SHA1 algorithm.
	AlgRSASHA1 Algorithm = "rsa-sha1"

	// AlgEd25519SHA256 is the Ed25519-SHA256 algorithm (RFC 8463).
	AlgEd25519SHA256 Algorithm = "ed25519-sha256"

	// AlgECDSASHA256 is ECDSA with SHA256.
	AlgECDSASHA256 Algorithm = "ecdsa-sha256"
)

// DefaultAlgorithm is what a Signer with an RSA key and no Hash produces.
const DefaultAlgorithm = AlgRSASHA256

// Canonicalization represents header/body canonicalization algorithms.
type Canonicalization string

const (
	// CanonSimple uses the "simple" canonicalization algorithm.
	CanonSimple Canonicalization = "simple"

	// CanonRelaxed uses the "relaxed" canonicalization algorithm.
	CanonRelaxed Canonicalization = "relaxed"
)

var (
	// Key resolution.
	ErrNoKey             = errors.New("dkim: no public key available")
	ErrKeyNotFound       = errors.New("dkim: public key not found")
	ErrNoRecord          = errors.New("dkim: no DKIM DNS record found")
	ErrMultipleRecords   = errors.New("dkim: multiple DKIM DNS records found")
	ErrDNS               = errors.New("dkim: DNS lookup failed")
	ErrSyntax            = errors.New("dkim: syntax error in DKIM record")
	ErrKeyRevoked        = errors.New("dkim: key has been revoked")
	ErrTLD               = errors.New("dkim: signing domain is a public suffix")
	ErrNotAuthentic      = errors.New("dkim: key record is not DNSSEC-authenticated")
	ErrWeakKey           = errors.New("dkim: key is too weak")
	ErrServiceNotAllowed = errors.New("dkim: key record does not allow this service")

	// Cryptographic verification. Specific causes are reported together
	// with ErrSigVerify so errors.Is matches both.
	ErrSigVerify               = errors.New("dkim: signature verification failed")
	ErrBodyHashMismatch        = errors.New("dkim: body hash does not match")
	ErrHashAlgorithmUnknown    = errors.New("dkim: unknown hash algorithm")
	ErrHashAlgNotAllowed       = errors.New("dkim: hash algorithm not allowed by key record")
	ErrSigAlgorithmUnknown     = errors.New("dkim: unknown signature algorithm")
	ErrKeyTypeMismatch         = errors.New("dkim: key type does not match signature algorithm")
	ErrCanonicalizationUnknown = errors.New("dkim: unknown canonicalization")

	// Policy.
	ErrSigExpired        = errors.New("dkim: signature has expired")
	ErrSigStale          = errors.New("dkim: signature is stale")
	ErrAttributeMismatch = errors.New("dkim: required attribute mismatch")

	// Parsing.
	ErrHeaderMalformed   = errors.New("dkim: signature header is malformed")
	ErrMissingTag        = errors.New("dkim: missing required tag")
	ErrDuplicateTag      = errors.New("dkim: duplicate tag")
	ErrInvalidVersion    = errors.New("dkim: invalid version")
	ErrDomainIdentity    = errors.New("dkim: identity not within signing domain")
	ErrBodyHashLength    = errors.New("dkim: body hash length mismatch")
	ErrSignatureNotFound = errors.New("dkim: no DKIM-Signature header")
)

// AttributeMismatchError reports a required attribute that was absent or held
// an unexpected value.
type AttributeMismatchError struct {
	Name     string
	Expected string
	Actual   string
	Missing  bool
}

func (e *AttributeMismatchError) Error() string {
	if e.Missing {
		return fmt.Sprintf("dkim: expected %q for attribute %s, attribute missing", e.Expected, e.Name)
	}
	return fmt.Sprintf("dkim: expected %q got %q for attribute %s", e.Expected, e.Actual, e.Name)
}

func (e *AttributeMismatchError) Unwrap() error {
	return ErrAttributeMismatch
}

// timeNow is replaced in tests.
var timeNow = time.Now

// cryptoRand is the random source for signing.
var cryptoRand = rand.Reader

// algorithmSpec describes one a= value.
type algorithmSpec struct {
	keyType string // "rsa", "ed25519" or "ecdsa"
	hash    crypto.Hash
}

var algorithms = map[Algorithm]algorithmSpec{
	AlgRSASHA256:     {keyType: "rsa", hash: crypto.SHA256},
	AlgRSASHA1:       {keyType: "rsa", hash: crypto.SHA1},
	AlgEd25519SHA256: {keyType: "ed25519", hash: crypto.SHA256},
	AlgECDSASHA256:   {keyType: "ecdsa", hash: crypto.SHA256},
}

func lookupAlgorithm(name string) (algorithmSpec, error) {
	spec, ok := algorithms[Algorithm(strings.ToLower(name))]
	if !ok {
		return algorithmSpec{}, fmt.Errorf("%w: %s", ErrSigAlgorithmUnknown, name)
	}
	return spec, nil
}

// getHash returns the crypto.Hash for the given hash name.
func getHash(name string) (crypto.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha256":
		return crypto.SHA256, true
	case "sha1":
		return crypto.SHA1, true
	default:
		return 0, false
	}
}

// publicKeyType returns the key type name used in a= and k= tags.
func publicKeyType(key crypto.PublicKey) string {
	switch key.(type) {
	case *rsa.PublicKey:
		return "rsa"
	case ed25519.PublicKey:
		return "ed25519"
	case *ecdsa.PublicKey:
		return "ecdsa"
	default:
		return ""
	}
}

// signWithKey signs digest with the given private key.
func signWithKey(key crypto.Signer, hash crypto.Hash, digest []byte) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k.Sign(cryptoRand, digest, hash)
	case ed25519.PrivateKey:
		// PureEdDSA over the digest, as in RFC 8463
		return k.Sign(cryptoRand, digest, crypto.Hash(0))
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(cryptoRand, k, digest)
	default:
		return nil, fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
}

// verifyWithKey verifies signature over digest with the given public key.
func verifyWithKey(key crypto.PublicKey, hash crypto.Hash, digest, signature []byte) error {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, hash, digest, signature)
	case ed25519.PublicKey:
		if !ed25519.Verify(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, digest, signature) {
			return ErrSigVerify
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
}
