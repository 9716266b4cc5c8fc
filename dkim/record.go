package dkim

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// errNotKeyRecord marks a TXT string that is not a key record at all, so a
// lookup can skip it instead of failing.
var errNotKeyRecord = errors.New("dkim: not a key record")

// Record is a key record published at <selector>._domainkey.<domain>.
type Record struct {
	Version  string   // v=, always "DKIM1"
	Hashes   []string // h=, empty allows every hash
	Key      string   // k=, "rsa" when absent
	Notes    string   // n=
	Services []string // s=, empty or "*" allows every service
	Flags    []string // t=, "y" testing, "s" strict identity

	// Pubkey is the decoded p= value. Empty means revoked.
	Pubkey []byte

	// PublicKey is the parsed Pubkey: *rsa.PublicKey, ed25519.PublicKey or
	// *ecdsa.PublicKey.
	PublicKey crypto.PublicKey
}

// NewRecord returns a record publishing key.
func NewRecord(key crypto.PublicKey) (*Record, error) {
	kt := publicKeyType(key)
	if kt == "" {
		return nil, fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
	return &Record{Version: "DKIM1", Key: kt, PublicKey: key}, nil
}

// Revoked reports whether the record carries an empty p= tag.
func (r *Record) Revoked() bool {
	return len(r.Pubkey) == 0 && r.PublicKey == nil
}

// HashAllowed reports whether h= permits hash.
func (r *Record) HashAllowed(hash string) bool {
	if len(r.Hashes) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Hashes, func(h string) bool {
		return strings.EqualFold(h, hash)
	})
}

// ServiceAllowed reports whether s= permits service.
func (r *Record) ServiceAllowed(service string) bool {
	if len(r.Services) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Services, func(s string) bool {
		return s == "*" || strings.EqualFold(s, service)
	})
}

// IsTesting reports the t=y flag.
func (r *Record) IsTesting() bool { return r.hasFlag("y") }

// StrictIdentity reports the t=s flag: i= must use exactly the d= domain.
func (r *Record) StrictIdentity() bool { return r.hasFlag("s") }

func (r *Record) hasFlag(flag string) bool {
	return slices.ContainsFunc(r.Flags, func(f string) bool {
		return strings.EqualFold(f, flag)
	})
}

// ToTXT renders the record as a TXT string.
func (r *Record) ToTXT() (string, error) {
	if r.Version != "DKIM1" {
		return "", fmt.Errorf("%w: version %q", ErrSyntax, r.Version)
	}
	parts := []string{"v=DKIM1"}

	if len(r.Hashes) > 0 {
		parts = append(parts, "h="+strings.Join(r.Hashes, ":"))
	}
	if r.Key != "" && !strings.EqualFold(r.Key, "rsa") {
		parts = append(parts, "k="+r.Key)
	}
	if r.Notes != "" {
		parts = append(parts, "n="+encodeQPSection(r.Notes))
	}
	if len(r.Services) > 0 && !slices.Equal(r.Services, []string{"*"}) {
		parts = append(parts, "s="+strings.Join(r.Services, ":"))
	}
	if len(r.Flags) > 0 {
		parts = append(parts, "t="+strings.Join(r.Flags, ":"))
	}

	pk := r.Pubkey
	if len(pk) == 0 && r.PublicKey != nil {
		var err error
		if pk, err = marshalRecordKey(r.PublicKey); err != nil {
			return "", err
		}
	}
	parts = append(parts, "p="+base64.StdEncoding.EncodeToString(pk))

	return strings.Join(parts, "; "), nil
}

// ParseRecord parses a key record TXT string. The boolean reports whether the
// string looked like a key record, so a caller can tell a broken record from
// an unrelated TXT entry.
func ParseRecord(txt string) (*Record, bool, error) {
	r := &Record{Version: "DKIM1", Key: "rsa", Services: []string{"*"}}
	seen := make(map[string]bool)
	isKey := false

	for part := range strings.SplitSeq(txt, ";") {
		tag, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		tag = strings.TrimSpace(tag)
		value = strings.TrimSpace(value)

		if seen[tag] {
			if isKey {
				return nil, true, fmt.Errorf("%w: duplicate tag %s", ErrSyntax, tag)
			}
			continue
		}
		seen[tag] = true

		switch tag {
		case "v":
			if value != "DKIM1" {
				return nil, false, fmt.Errorf("%w: version %q", errNotKeyRecord, value)
			}
		case "h":
			r.Hashes = splitList(value)
		case "k":
			r.Key = strings.ToLower(value)
		case "n":
			r.Notes = decodeQPSection(value)
		case "s":
			r.Services = splitList(value)
		case "t":
			r.Flags = splitList(value)
		case "p":
			if value != "" {
				decoded, err := decodeBase64(value)
				if err != nil {
					return nil, true, fmt.Errorf("%w: public key encoding: %v", ErrSyntax, err)
				}
				r.Pubkey = decoded
			}
		default:
			continue
		}
		isKey = true
	}

	if !isKey {
		return nil, false, errNotKeyRecord
	}
	if !seen["p"] {
		return nil, true, fmt.Errorf("%w: missing p= tag", ErrSyntax)
	}

	if len(r.Pubkey) > 0 {
		pk, err := parseRecordKey(r.Key, r.Pubkey)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %v", ErrSyntax, err)
		}
		r.PublicKey = pk
	}
	return r, true, nil
}

func splitList(value string) []string {
	var out []string
	for item := range strings.SplitSeq(value, ":") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// marshalRecordKey encodes key for p=: PKIX for RSA and ECDSA, raw bytes for
// Ed25519.
func marshalRecordKey(key crypto.PublicKey) ([]byte, error) {
	switch k := key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey:
		return x509.MarshalPKIXPublicKey(k)
	case ed25519.PublicKey:
		return []byte(k), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrSigAlgorithmUnknown, key)
	}
}

func parseRecordKey(keyType string, data []byte) (crypto.PublicKey, error) {
	switch keyType {
	case "", "rsa", "ecdsa":
		pk, err := x509.ParsePKIXPublicKey(data)
		if err != nil {
			return nil, fmt.Errorf("%s public key: %w", keyType, err)
		}
		want := keyType
		if want == "" {
			want = "rsa"
		}
		if got := publicKeyType(pk); got != want {
			return nil, fmt.Errorf("%w: k=%s but key is %T", ErrKeyTypeMismatch, want, pk)
		}
		return pk, nil
	case "ed25519":
		if len(data) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("ed25519 public key: %d bytes", len(data))
		}
		return ed25519.PublicKey(data), nil
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

func encodeQPSection(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c > ' ' && c < 0x7f && c != '=' && c != ';' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('=')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}
	return b.String()
}

func decodeQPSection(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '=' && i+2 < len(s) {
			hi, lo := hexVal(s[i+1]), hexVal(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func hexVal(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}
