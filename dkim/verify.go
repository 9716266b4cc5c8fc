package dkim

import (
	"bytes"
	"crypto"
	"fmt"
)

// Verify checks the signature over headers and body with key and returns the
// headers it covers.
//
// Every value of each header named in h= is covered; a header that is listed
// but absent is skipped and does not appear in the result. All failures wrap
// ErrSigVerify, together with a specific cause where one exists.
func (s *Signature) Verify(headers HeaderMap, body []byte, key crypto.PublicKey) (*Validated, error) {
	if key == nil {
		return nil, ErrNoKey
	}

	spec, err := lookupAlgorithm(s.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigVerify, err)
	}

	if kt := publicKeyType(key); kt != spec.keyType {
		return nil, fmt.Errorf("%w: %w: %T cannot verify %s", ErrSigVerify, ErrKeyTypeMismatch, key, s.Algorithm)
	}

	headerCanon := s.HeaderCanon()
	bodyCanon := s.BodyCanon()
	if !knownCanon(headerCanon) {
		return nil, fmt.Errorf("%w: %w: header %s", ErrSigVerify, ErrCanonicalizationUnknown, headerCanon)
	}
	if !knownCanon(bodyCanon) {
		return nil, fmt.Errorf("%w: %w: body %s", ErrSigVerify, ErrCanonicalizationUnknown, bodyCanon)
	}

	bodyHash := computeBodyHash(spec.hash.New(), bodyCanon, body)
	if !bytes.Equal(s.BodyHash, bodyHash) {
		return nil, fmt.Errorf("%w: %w", ErrSigVerify, ErrBodyHashMismatch)
	}

	sigValue := s.verifyValue
	if sigValue == "" {
		sigValue = s.Value(false)
	}

	digest, validated := computeDataHash(spec.hash.New(), headerCanon, headers, s.SignedHeaders, sigValue)
	if err := verifyWithKey(key, spec.hash, digest, s.Signature); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSigVerify, s.Algorithm, err)
	}

	return validated, nil
}

func knownCanon(c Canonicalization) bool {
	return c == CanonSimple || c == CanonRelaxed
}
