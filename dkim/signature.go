package dkim

import (
	"encoding/base64"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Signature represents a parsed DKIM-Signature header value.
//
// A Signature returned by ParseSignature must be treated as read-only; it is
// safe to verify it from several goroutines.
type Signature struct {
	// Required fields
	Version       int      // v= Version, must be 1
	Algorithm     string   // a= Algorithm (e.g., "rsa-sha256")
	Signature     []byte   // b= Signature data
	BodyHash      []byte   // bh= Body hash
	Domain        string   // d= Signing domain
	SignedHeaders []string // h= Signed header fields
	Selector      string   // s= Selector

	// Optional fields
	Canonicalization string // c= Canonicalization (e.g., "relaxed/simple")
	Identity         string // i= Agent or User Identifier
	SignTime         int64  // t= Signature timestamp (-1 if not set)
	ExpireTime       int64  // x= Signature expiration (-1 if not set)

	// attributes holds every tag as transmitted, extension tags included.
	attributes map[string]string

	// verifyValue is the header value with the b= value removed.
	verifyValue string
}

// reservedTags are represented by Signature fields and cannot be set as
// extension attributes.
var reservedTags = map[string]bool{
	"v": true, "a": true, "b": true, "bh": true, "c": true, "d": true,
	"h": true, "i": true, "l": true, "q": true, "s": true, "t": true,
	"x": true, "z": true,
}

// NewSignature creates a new Signature with default values.
func NewSignature() *Signature {
	return &Signature{
		Version:          1,
		Canonicalization: "simple/simple",
		SignTime:         -1,
		ExpireTime:       -1,
		attributes:       make(map[string]string),
	}
}

// AlgorithmSign returns the signing algorithm part (e.g., "rsa" from "rsa-sha256").
func (s *Signature) AlgorithmSign() string {
	sign, _, _ := strings.Cut(s.Algorithm, "-")
	return sign
}

// AlgorithmHash returns the hash algorithm part (e.g., "sha256" from "rsa-sha256").
func (s *Signature) AlgorithmHash() string {
	_, hash, _ := strings.Cut(s.Algorithm, "-")
	return hash
}

// HeaderCanon returns the header canonicalization algorithm.
func (s *Signature) HeaderCanon() Canonicalization {
	header, _, _ := strings.Cut(s.Canonicalization, "/")
	if header == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(header))
}

// BodyCanon returns the body canonicalization algorithm.
func (s *Signature) BodyCanon() Canonicalization {
	_, body, ok := strings.Cut(s.Canonicalization, "/")
	if !ok || body == "" {
		return CanonSimple
	}
	return Canonicalization(strings.ToLower(body))
}

// Attribute returns the raw value of tag name and whether it was present.
func (s *Signature) Attribute(name string) (string, bool) {
	v, ok := s.attributes[name]
	return v, ok
}

// Attributes returns a copy of all tags.
func (s *Signature) Attributes() map[string]string {
	return maps.Clone(s.attributes)
}

// CoveredHeaders returns the names from h= that are present in headers, each
// once, in h= order. These are the names a successful Verify validates.
func (s *Signature) CoveredHeaders(headers HeaderMap) []string {
	var names []string
	seen := make(map[string]bool)
	for _, name := range s.SignedHeaders {
		lname := strings.ToLower(name)
		if seen[lname] || len(headers.Values(name)) == 0 {
			continue
		}
		seen[lname] = true
		names = append(names, name)
	}
	return names
}

// Created returns the t= timestamp.
func (s *Signature) Created() (time.Time, bool) {
	if s.SignTime < 0 {
		return time.Time{}, false
	}
	return time.Unix(s.SignTime, 0), true
}

// Expires returns the x= timestamp.
func (s *Signature) Expires() (time.Time, bool) {
	if s.ExpireTime < 0 {
		return time.Time{}, false
	}
	return time.Unix(s.ExpireTime, 0), true
}

// IsExpired reports whether the x= timestamp has passed.
func (s *Signature) IsExpired() bool {
	if s.ExpireTime < 0 {
		return false
	}
	return timeNow().Unix() > s.ExpireTime
}

// IsStale reports whether the signature was created longer ago than w allows.
// A signature without t= is never stale.
func (s *Signature) IsStale(w StaleWindow) bool {
	created, ok := s.Created()
	if !ok {
		return false
	}
	return timeNow().After(w.Deadline(created))
}

// Value serializes the signature as a single-line header value.
// If includeSignature is false, b= is left empty for signing.
func (s *Signature) Value(includeSignature bool) string {
	tags := s.tagValues(includeSignature)
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = t.tag + "=" + t.value
	}
	return strings.Join(parts, "; ")
}

type tagValue struct {
	tag, value string
}

// tagValues lists tags in output order: v a [c] d s [i] [t] [x] h, extension
// tags sorted by name, bh, b.
func (s *Signature) tagValues(includeSignature bool) []tagValue {
	var tags []tagValue
	add := func(tag, value string) {
		tags = append(tags, tagValue{tag, value})
	}

	add("v", strconv.Itoa(s.Version))
	add("a", s.Algorithm)
	if s.Canonicalization != "" &&
		!strings.EqualFold(s.Canonicalization, "simple") &&
		!strings.EqualFold(s.Canonicalization, "simple/simple") {
		add("c", s.Canonicalization)
	}
	add("d", s.Domain)
	add("s", s.Selector)
	if s.Identity != "" {
		add("i", s.Identity)
	}
	if s.SignTime >= 0 {
		add("t", strconv.FormatInt(s.SignTime, 10))
	}
	if s.ExpireTime >= 0 {
		add("x", strconv.FormatInt(s.ExpireTime, 10))
	}
	add("h", strings.Join(s.SignedHeaders, ":"))

	for _, tag := range slices.Sorted(maps.Keys(s.attributes)) {
		if !reservedTags[tag] {
			add(tag, s.attributes[tag])
		}
	}

	add("bh", base64.StdEncoding.EncodeToString(s.BodyHash))
	if includeSignature {
		add("b", base64.StdEncoding.EncodeToString(s.Signature))
	} else {
		add("b", "")
	}
	return tags
}

// String returns the complete header line.
func (s *Signature) String() string {
	return HeaderName + ": " + s.Value(true)
}

// ParseSignature parses a DKIM-Signature header value. A leading
// "DKIM-Signature:" is accepted and ignored.
func ParseSignature(value string) (*Signature, error) {
	value = strings.TrimSuffix(value, "\r\n")
	value = unfoldHeader(value)
	if len(value) >= len(HeaderName)+1 && strings.EqualFold(value[:len(HeaderName)+1], HeaderName+":") {
		value = value[len(HeaderName)+1:]
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%w: empty value", ErrHeaderMalformed)
	}

	sig := NewSignature()
	seen := make(map[string]bool)

	parts := strings.Split(value, ";")
	for i, part := range parts {
		if strings.TrimSpace(part) == "" {
			if i == len(parts)-1 {
				// trailing semicolon
				continue
			}
			return nil, fmt.Errorf("%w: empty tag", ErrHeaderMalformed)
		}

		rawTag, rawValue, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: tag without value: %q", ErrHeaderMalformed, strings.TrimSpace(part))
		}

		tag := strings.TrimSpace(rawTag)
		if !validTagName(tag) {
			return nil, fmt.Errorf("%w: invalid tag name %q", ErrHeaderMalformed, tag)
		}
		tagValue := strings.TrimSpace(rawValue)

		if seen[tag] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTag, tag)
		}
		seen[tag] = true
		sig.attributes[tag] = tagValue

		if tag == "b" {
			// keep "b=" with any whitespace before it, drop the value
			parts[i] = rawTag + "="
		}

		if err := sig.setTag(tag, tagValue); err != nil {
			return nil, err
		}
	}

	for _, tag := range []string{"v", "a", "b", "bh", "d", "h", "s"} {
		if !seen[tag] {
			return nil, fmt.Errorf("%w: %s", ErrMissingTag, tag)
		}
	}

	if h, ok := getHash(sig.AlgorithmHash()); ok && len(sig.BodyHash) != h.Size() {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d for %s",
			ErrBodyHashLength, len(sig.BodyHash), h.Size(), sig.AlgorithmHash())
	}

	if sig.SignTime >= 0 && sig.ExpireTime >= 0 && sig.SignTime >= sig.ExpireTime {
		return nil, fmt.Errorf("%w: sign time >= expire time", ErrSigExpired)
	}

	if sig.Identity != "" {
		if at := strings.LastIndex(sig.Identity, "@"); at >= 0 {
			identityDomain := strings.ToLower(sig.Identity[at+1:])
			if identityDomain != sig.Domain && !strings.HasSuffix(identityDomain, "."+sig.Domain) {
				return nil, fmt.Errorf("%w: %s not under %s", ErrDomainIdentity, identityDomain, sig.Domain)
			}
		}
	}

	sig.verifyValue = strings.TrimSpace(strings.Join(parts, ";"))
	return sig, nil
}

// setTag stores a known tag in its field.
func (s *Signature) setTag(tag, value string) error {
	switch tag {
	case "v":
		v, err := strconv.Atoi(value)
		if err != nil || v != 1 {
			return fmt.Errorf("%w: %s", ErrInvalidVersion, value)
		}
		s.Version = v

	case "a":
		s.Algorithm = strings.ToLower(value)

	case "b":
		decoded, err := decodeBase64(value)
		if err != nil {
			return fmt.Errorf("%w: invalid signature encoding: %v", ErrHeaderMalformed, err)
		}
		s.Signature = decoded

	case "bh":
		decoded, err := decodeBase64(value)
		if err != nil {
			return fmt.Errorf("%w: invalid body hash encoding: %v", ErrHeaderMalformed, err)
		}
		s.BodyHash = decoded

	case "c":
		s.Canonicalization = strings.ToLower(value)

	case "d":
		s.Domain = strings.ToLower(value)

	case "h":
		for _, h := range strings.Split(value, ":") {
			if h = strings.TrimSpace(h); h != "" {
				s.SignedHeaders = append(s.SignedHeaders, h)
			}
		}
		if len(s.SignedHeaders) == 0 {
			return fmt.Errorf("%w: empty h= tag", ErrHeaderMalformed)
		}

	case "i":
		s.Identity = value

	case "s":
		s.Selector = strings.ToLower(value)

	case "t":
		t, err := strconv.ParseInt(value, 10, 64)
		if err != nil || t < 0 {
			return fmt.Errorf("%w: invalid timestamp %q", ErrHeaderMalformed, value)
		}
		s.SignTime = t

	case "x":
		x, err := strconv.ParseInt(value, 10, 64)
		if err != nil || x < 0 {
			return fmt.Errorf("%w: invalid expiration %q", ErrHeaderMalformed, value)
		}
		s.ExpireTime = x
	}
	return nil
}

// decodeBase64 decodes a tag value, ignoring embedded whitespace.
func decodeBase64(value string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, value)
	return base64.StdEncoding.DecodeString(cleaned)
}

// validTagName reports whether name matches ALPHA *(ALPHA / DIGIT / "_").
func validTagName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && (c >= '0' && c <= '9' || c == '_'):
		default:
			return false
		}
	}
	return true
}

// unfoldHeader removes CRLF (or LF) followed by whitespace.
func unfoldHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n\t", " ")
	s = strings.ReplaceAll(s, "\r\n ", " ")
	s = strings.ReplaceAll(s, "\n\t", " ")
	s = strings.ReplaceAll(s, "\n ", " ")
	return s
}
