package har

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Query maps a parameter name to its values in encounter order
type Query map[string][]string

// ParseQuery parses a bare query string or a full URL into a Query.
//
// The input is URL-decoded once as a whole. When it contains a '?', only the
// part after the first '?' is parsed. Runs of '&' collapse, names without '='
// get an empty value and empty names are ignored.
func ParseQuery(raw string) Query {
	q := Query{}
	if raw == "" {
		return q
	}

	s := raw
	if decoded, err := url.PathUnescape(raw); err == nil {
		s = decoded
	}
	if _, after, found := strings.Cut(s, "?"); found {
		s = after
	}
	s = strings.TrimLeft(s, "?&")

	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		if name == "" {
			continue
		}
		q[name] = append(q[name], value)
	}

	return q
}

// QueryFromData converts request data the host supplied into a Query.
// Strings are parsed, maps are taken over, anything else yields an empty Query.
func QueryFromData(data any) Query {
	switch v := data.(type) {
	case string:
		return ParseQuery(v)
	case []byte:
		return ParseQuery(string(v))
	case Query:
		return v.Clone()
	case url.Values:
		return Query(v).Clone()
	case map[string][]string:
		return Query(v).Clone()
	case map[string]string:
		q := make(Query, len(v))
		for name, value := range v {
			q[name] = []string{value}
		}
		return q
	case map[string]any:
		q := make(Query, len(v))
		for name, value := range v {
			q[name] = []string{fmt.Sprint(value)}
		}
		return q
	}
	return Query{}
}

// Get returns the first value for name
func (q Query) Get(name string) string {
	if values := q[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Merge copies every key of other into q, replacing existing keys
func (q Query) Merge(other Query) {
	for name, values := range other {
		q[name] = slices.Clone(values)
	}
}

// Clone returns a deep copy of q
func (q Query) Clone() Query {
	c := make(Query, len(q))
	for name, values := range q {
		c[name] = slices.Clone(values)
	}
	return c
}
