package dkim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"maps"
	"strings"
	"time"
)

// DefaultSignedHeaders is used when a Signer lists no headers.
var DefaultSignedHeaders = []string{
	"Content-Type", "Content-Length", "Content-Encoding", "Date", "Digest",
	"Host", "Authorization",
}

// Signer produces DKIM-Signature header values.
// A Signer is safe for concurrent use once configured.
type Signer struct {
	// Domain is the signing domain (d= tag).
	Domain string

	// Selector is the selector for the signing key (s= tag).
	Selector string

	// PrivateKey is the signing key.
	// Supported types: *rsa.PrivateKey, ed25519.PrivateKey, *ecdsa.PrivateKey
	PrivateKey crypto.Signer

	// Headers is the list of headers to sign. Only those present when
	// signing end up in h=. If empty, DefaultSignedHeaders is used.
	Headers []string

	// HeaderCanonicalization defaults to CanonSimple.
	HeaderCanonicalization Canonicalization

	// BodyCanonicalization defaults to CanonSimple.
	BodyCanonicalization Canonicalization

	// Hash is "sha256" (default) or "sha1". Only RSA keys accept sha1.
	Hash string

	// Identity is the i= tag. Optional.
	Identity string

	// Expiration sets x= this long after t=, rounded up to whole seconds.
	// Zero means no x=.
	Expiration time.Duration

	// Attributes are extra tags added to the signature. Names that collide
	// with tags the signer sets are rejected.
	Attributes map[string]string
}

// Sign signs headers and body and returns the DKIM-Signature header value.
func (s *Signer) Sign(headers HeaderMap, body []byte) (string, error) {
	sig, err := s.Signature(headers, body)
	if err != nil {
		return "", err
	}
	return sig.Value(true), nil
}

// Signature signs headers and body and returns the resulting Signature.
func (s *Signer) Signature(headers HeaderMap, body []byte) (*Signature, error) {
	if s.Domain == "" || s.Selector == "" {
		return nil, fmt.Errorf("%w: domain and selector are required", ErrMissingTag)
	}
	if s.PrivateKey == nil {
		return nil, ErrNoKey
	}

	alg, err := s.algorithm()
	if err != nil {
		return nil, err
	}
	spec := algorithms[alg]

	headerCanon := orDefault(s.HeaderCanonicalization, CanonSimple)
	bodyCanon := orDefault(s.BodyCanonicalization, CanonSimple)
	if !knownCanon(headerCanon) || !knownCanon(bodyCanon) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCanonicalizationUnknown, headerCanon, bodyCanon)
	}

	sig := NewSignature()
	sig.Algorithm = string(alg)
	sig.Domain = strings.ToLower(s.Domain)
	sig.Selector = strings.ToLower(s.Selector)
	sig.Canonicalization = string(headerCanon) + "/" + string(bodyCanon)
	sig.Identity = s.Identity
	sig.SignTime = timeNow().Unix()
	if s.Expiration > 0 {
		sig.ExpireTime = sig.SignTime + int64((s.Expiration+time.Second-1)/time.Second)
	}

	wanted := s.Headers
	if len(wanted) == 0 {
		wanted = DefaultSignedHeaders
	}
	for _, name := range wanted {
		if len(headers.Values(name)) > 0 {
			sig.SignedHeaders = append(sig.SignedHeaders, name)
		}
	}
	if len(sig.SignedHeaders) == 0 {
		return nil, fmt.Errorf("%w: none of %v present", ErrMissingTag, wanted)
	}

	for name, value := range s.Attributes {
		if reservedTags[name] || !validTagName(name) {
			return nil, fmt.Errorf("%w: attribute %q cannot be set", ErrHeaderMalformed, name)
		}
		if strings.ContainsAny(value, ";\r\n") {
			return nil, fmt.Errorf("%w: attribute %s value %q", ErrHeaderMalformed, name, value)
		}
	}
	sig.attributes = maps.Clone(s.Attributes)
	if sig.attributes == nil {
		sig.attributes = make(map[string]string)
	}

	sig.BodyHash = computeBodyHash(spec.hash.New(), bodyCanon, body)

	sig.verifyValue = sig.Value(false)
	digest, _ := computeDataHash(spec.hash.New(), headerCanon, headers, sig.SignedHeaders, sig.verifyValue)

	signature, err := signWithKey(s.PrivateKey, spec.hash, digest)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	sig.Signature = signature
	sig.fillAttributes()

	return sig, nil
}

// algorithm picks a= from the key type and Hash.
func (s *Signer) algorithm() (Algorithm, error) {
	hash := strings.ToLower(s.Hash)
	if hash == "" {
		hash = "sha256"
	}

	switch s.PrivateKey.(type) {
	case *rsa.PrivateKey:
		switch hash {
		case "sha256":
			return DefaultAlgorithm, nil
		case "sha1":
			return AlgRSASHA1, nil
		}
	case ed25519.PrivateKey:
		if hash == "sha256" {
			return AlgEd25519SHA256, nil
		}
	case *ecdsa.PrivateKey:
		if hash == "sha256" {
			return AlgECDSASHA256, nil
		}
	default:
		return "", fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, s.PrivateKey)
	}
	return "", fmt.Errorf("%w: %s with %T", ErrHashAlgorithmUnknown, s.Hash, s.PrivateKey)
}

// fillAttributes records the standard tags in the attribute map so a signed
// Signature answers Attribute the same way a parsed one does.
func (s *Signature) fillAttributes() {
	for _, t := range s.tagValues(true) {
		s.attributes[t.tag] = t.value
	}
}

func orDefault(c, def Canonicalization) Canonicalization {
	if c == "" {
		return def
	}
	return Canonicalization(strings.ToLower(string(c)))
}
