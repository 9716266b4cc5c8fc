package dkim

import (
	"net/http"
	"strings"
)

// HeaderMap is the header source a signature is computed over.
// http.Header satisfies it, as do SingleValued and MultiValued.
type HeaderMap interface {
	Values(name string) []string
}

// SingleValued is a header map holding one value per name.
// Lookup is case-insensitive; an exact-case key wins.
type SingleValued map[string]string

// Values returns the value stored under name as a one-element slice.
func (h SingleValued) Values(name string) []string {
	if v, ok := h[name]; ok {
		return []string{v}
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return []string{v}
		}
	}
	return nil
}

// MultiValued is a header map where every element of a name's list is a
// separate occurrence of that header. Lookup is case-insensitive; an
// exact-case key wins.
type MultiValued map[string][]string

// Values returns all values stored under name.
func (h MultiValued) Values(name string) []string {
	if v, ok := h[name]; ok {
		return v
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

var (
	_ HeaderMap = http.Header(nil)
	_ HeaderMap = SingleValued(nil)
	_ HeaderMap = MultiValued(nil)
)

// Validated holds the headers covered by a verified signature, in the order
// they were named in the h= tag.
type Validated struct {
	names  []string
	values map[string][]string // keyed by lowercase name
}

func newValidated() *Validated {
	return &Validated{values: make(map[string][]string)}
}

func (v *Validated) add(name, value string) {
	lname := strings.ToLower(name)
	if _, ok := v.values[lname]; !ok {
		v.names = append(v.names, name)
	}
	v.values[lname] = append(v.values[lname], value)
}

func (v *Validated) has(name string) bool {
	_, ok := v.values[strings.ToLower(name)]
	return ok
}

// Names returns the validated header names in signing order.
func (v *Validated) Names() []string {
	return append([]string(nil), v.names...)
}

// Values returns every validated value of name.
func (v *Validated) Values(name string) []string {
	return append([]string(nil), v.values[strings.ToLower(name)]...)
}

// Get returns the first validated value of name, or "".
func (v *Validated) Get(name string) string {
	vals := v.values[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// Len returns the number of distinct validated header names.
func (v *Validated) Len() int {
	return len(v.names)
}

// Header converts the validated headers to an http.Header.
func (v *Validated) Header() http.Header {
	h := make(http.Header, len(v.names))
	for _, name := range v.names {
		for _, val := range v.values[strings.ToLower(name)] {
			h.Add(name, val)
		}
	}
	return h
}
