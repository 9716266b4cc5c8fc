package dkim

import (
	"crypto"
	"encoding/base64"
	"net/http"
	"slices"
	"testing"
)

func TestCanonicalHeader(t *testing.T) {
	tests := []struct {
		canon       Canonicalization
		name, value string
		want        string
	}{
		{CanonSimple, "Content-Type", " application/json ", "Content-Type:application/json"},
		{CanonSimple, "X-Spaces", "a  b", "X-Spaces:a  b"},
		{CanonRelaxed, "Content-Type", " application/json ", "content-type:application/json"},
		{CanonRelaxed, "Subject", "a \t b\r\n  c", "subject:a b c"},
		{CanonRelaxed, " X-Name ", "value", "x-name:value"},
	}
	for _, tt := range tests {
		t.Run(string(tt.canon)+"/"+tt.name, func(t *testing.T) {
			if got := canonicalHeader(tt.canon, tt.name, tt.value); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBodyHash(t *testing.T) {
	hashOf := func(s string) string {
		h := crypto.SHA256.New()
		h.Write([]byte(s))
		return base64.StdEncoding.EncodeToString(h.Sum(nil))
	}

	tests := []struct {
		name  string
		canon Canonicalization
		body  string
		want  string
	}{
		{"simple empty", CanonSimple, "", hashOf("\r\n")},
		{"simple trailing lines", CanonSimple, "test\r\n\r\n\r\n", hashOf("test\r\n")},
		{"simple no final CRLF", CanonSimple, "test", hashOf("test\r\n")},
		{"relaxed empty", CanonRelaxed, "", hashOf("")},
		{"relaxed whitespace", CanonRelaxed, "a  \t b \r\n\r\n", hashOf("a b\r\n")},
		{"relaxed keeps leading space", CanonRelaxed, "  x\r\n", hashOf(" x\r\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := base64.StdEncoding.EncodeToString(computeBodyHash(crypto.SHA256.New(), tt.canon, []byte(tt.body)))
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeDataHashRepeatedHeader(t *testing.T) {
	headers := http.Header{}
	headers.Add("Accept", "text/plain")
	headers.Add("Accept", "application/json")
	headers.Set("Host", "api.example.com")

	digest1, validated := computeDataHash(crypto.SHA256.New(), CanonRelaxed, headers,
		[]string{"accept", "host", "missing", "Accept"}, "v=1; b=")

	if got := validated.Names(); !slices.Equal(got, []string{"accept", "host"}) {
		t.Errorf("names = %v", got)
	}
	if got := validated.Values("Accept"); !slices.Equal(got, []string{"text/plain", "application/json"}) {
		t.Errorf("accept values = %v", got)
	}

	// Listing a name twice hashes its values twice.
	digest2, _ := computeDataHash(crypto.SHA256.New(), CanonRelaxed, headers,
		[]string{"accept", "host"}, "v=1; b=")
	if slices.Equal(digest1, digest2) {
		t.Error("repeated h= entry did not change the digest")
	}

	// Order of values is significant.
	reordered := http.Header{"Accept": {"application/json", "text/plain"}, "Host": {"api.example.com"}}
	digest3, _ := computeDataHash(crypto.SHA256.New(), CanonRelaxed, reordered,
		[]string{"accept", "host"}, "v=1; b=")
	if slices.Equal(digest2, digest3) {
		t.Error("value order did not change the digest")
	}
}

func TestValidatedHeader(t *testing.T) {
	v := newValidated()
	v.add("From", "a@example.com")
	v.add("Via", "1.1 a")
	v.add("via", "1.1 b")

	if v.Len() != 2 {
		t.Errorf("Len = %d, want 2", v.Len())
	}
	h := v.Header()
	if got := h.Values("Via"); !slices.Equal(got, []string{"1.1 a", "1.1 b"}) {
		t.Errorf("Via = %v", got)
	}
	if h.Get("From") != "a@example.com" {
		t.Errorf("From = %q", h.Get("From"))
	}
}

func TestHeaderMapLookup(t *testing.T) {
	single := SingleValued{"Content-Type": "text/plain", "content-type": "exact"}
	if got := single.Values("content-type"); !slices.Equal(got, []string{"exact"}) {
		t.Errorf("exact-case key should win, got %v", got)
	}
	if got := single.Values("CONTENT-TYPE"); len(got) != 1 {
		t.Errorf("case-insensitive lookup failed: %v", got)
	}
	if got := (MultiValued{"X": {"1", "2"}}).Values("x"); !slices.Equal(got, []string{"1", "2"}) {
		t.Errorf("multi = %v", got)
	}
	if got := (MultiValued{}).Values("x"); got != nil {
		t.Errorf("missing = %v", got)
	}
}
