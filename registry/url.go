package registry

import (
	"sort"
	"strconv"
	"strings"
)

// URL identifies a registration, a cluster subscription or a config
// subscription target. It is a small stand-in for a real URL parser
// (parsing query strings, schemes, etc. is out of scope for this
// package — callers build URLs with NewURL/With).
type URL struct {
	Scheme string
	Path   string
	Params map[string]string
}

// NewURL builds a URL for the given scheme and path (usually an
// interface/service name) with the supplied parameters.
func NewURL(scheme, path string, params map[string]string) URL {
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return URL{Scheme: scheme, Path: path, Params: cp}
}

// Get returns a parameter value, or def if it is absent or empty.
func (u URL) Get(key, def string) string {
	if v, ok := u.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// GetInt parses a parameter as an integer, or returns def on absence
// or parse failure.
func (u URL) GetInt(key string, def int) int {
	v, ok := u.Params[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetInt64 parses a parameter as an int64, or returns def.
func (u URL) GetInt64(key string, def int64) int64 {
	v, ok := u.Params[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// With returns a copy of u with key=value added (or overwritten).
func (u URL) With(key, value string) URL {
	cp := make(map[string]string, len(u.Params)+1)
	for k, v := range u.Params {
		cp[k] = v
	}
	cp[key] = value
	return URL{Scheme: u.Scheme, Path: u.Path, Params: cp}
}

// CanonicalKey builds the canonical string identity of u as
// "scheme:path" followed by "&field=value" for each named parameter
// field, sorted by field name. Two URLs with the same scheme, path and field values
// produce the same key regardless of any other parameters carried —
// this is the Go rendering of the Java URL.toString(false, true, fields...)
// helper used to derive register/cluster/config keys.
func (u URL) CanonicalKey(fields ...string) string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteByte(':')
	b.WriteString(u.Path)
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	for _, f := range sorted {
		b.WriteByte('&')
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(u.Params[f])
	}
	return b.String()
}

func (u URL) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Path)
	if len(u.Params) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(u.Params))
	for k := range u.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(u.Params[k])
	}
	return b.String()
}

// URLKey pairs a URL with the canonical key used for map identity and
// equality. It is the common base of registrations and subscriptions.
type URLKey struct {
	URL URL
	Key string
}

func newURLKey(url URL, key string) URLKey {
	return URLKey{URL: url, Key: key}
}
