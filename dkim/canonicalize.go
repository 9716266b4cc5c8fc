package dkim

import (
	"bytes"
	"hash"
	"strings"
)

var crlf = []byte("\r\n")

// canonicalHeader returns "name:value" in the given canonicalization, without
// the trailing CRLF.
//
// Simple keeps the name as written in h= and the value as transmitted, minus
// surrounding whitespace that HTTP stacks strip anyway. Relaxed lowercases the
// name, unfolds the value and compresses runs of whitespace to one space.
func canonicalHeader(canon Canonicalization, name, value string) string {
	if canon == CanonRelaxed {
		return canonicalizeHeaderRelaxed(name, value)
	}
	return name + ":" + strings.TrimSpace(value)
}

func canonicalizeHeaderRelaxed(name, value string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	value = unfoldHeader(value)

	var b strings.Builder
	b.Grow(len(name) + 1 + len(value))
	b.WriteString(name)
	b.WriteByte(':')

	value = strings.Trim(value, " \t\r\n")
	prevWS := false
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c == ' ' || c == '\t' {
			if !prevWS {
				b.WriteByte(' ')
			}
			prevWS = true
			continue
		}
		b.WriteByte(c)
		prevWS = false
	}
	return b.String()
}

// computeBodyHash hashes the canonicalized body.
func computeBodyHash(h hash.Hash, canon Canonicalization, body []byte) []byte {
	if canon == CanonRelaxed {
		writeBodyRelaxed(h, body)
	} else {
		writeBodySimple(h, body)
	}
	return h.Sum(nil)
}

// writeBodySimple reduces trailing empty lines to a single CRLF. An empty
// body becomes one CRLF.
func writeBodySimple(h hash.Hash, body []byte) {
	for bytes.HasSuffix(body, crlf) {
		body = body[:len(body)-2]
	}
	h.Write(body)
	h.Write(crlf)
}

// writeBodyRelaxed drops trailing whitespace on every line, compresses inner
// whitespace runs, and ignores empty lines at the end. An empty body stays
// empty.
func writeBodyRelaxed(h hash.Hash, body []byte) {
	lines := bytes.Split(body, crlf)

	var out [][]byte
	for _, line := range lines {
		line = bytes.TrimRight(line, " \t")
		processed := make([]byte, 0, len(line))
		prevWS := false
		for _, c := range line {
			if c == ' ' || c == '\t' {
				if !prevWS {
					processed = append(processed, ' ')
				}
				prevWS = true
				continue
			}
			processed = append(processed, c)
			prevWS = false
		}
		out = append(out, processed)
	}

	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}

	for _, line := range out {
		h.Write(line)
		h.Write(crlf)
	}
}

// computeDataHash hashes every value of each header named in signedHeaders,
// then the signature header itself (with b= empty, no trailing CRLF).
// It returns the digest and the headers that went into it. Names absent from
// headers are skipped.
func computeDataHash(h hash.Hash, canon Canonicalization, headers HeaderMap, signedHeaders []string, sigValue string) ([]byte, *Validated) {
	validated := newValidated()

	for _, name := range signedHeaders {
		values := headers.Values(name)
		if len(values) == 0 {
			continue
		}

		record := !validated.has(name)
		for _, v := range values {
			h.Write([]byte(canonicalHeader(canon, name, v)))
			h.Write(crlf)
			if record {
				validated.add(name, strings.TrimSpace(v))
			}
		}
	}

	h.Write([]byte(canonicalHeader(canon, HeaderName, sigValue)))

	return h.Sum(nil), validated
}
