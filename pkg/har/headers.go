package har

import (
	"maps"
	"net/http"
	"slices"
	"strings"
)

// ParseRawHeaders converts a raw CRLF separated header blob into a mapping.
// Lines are split on the first ": " since values may contain ": " themselves.
// Repeated names are joined with ", ".
func ParseRawHeaders(blob string) map[string]string {
	headers := make(map[string]string)
	if blob == "" {
		return headers
	}

	for _, line := range strings.Split(blob, "\r\n") {
		index := strings.Index(line, ": ")
		if index <= 0 {
			continue
		}
		name, value := line[:index], line[index+2:]
		if prev, ok := headers[name]; ok {
			headers[name] = prev + ", " + value
		} else {
			headers[name] = value
		}
	}

	return headers
}

// HeaderMap converts http.Header to map[string]string, joining repeated values
func HeaderMap(headers http.Header) map[string]string {
	result := make(map[string]string, len(headers))
	for name, values := range headers {
		if len(values) > 0 {
			result[name] = strings.Join(values, ", ")
		}
	}
	return result
}

// ToPairs converts a mapping into one name/value pair per key, sorted by name
func ToPairs(m map[string]string) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		pairs = append(pairs, NameValuePair{Name: name, Value: m[name]})
	}
	return pairs
}

// QueryPairs converts a query into one pair per value, sorted by name
func QueryPairs(q Query) []NameValuePair {
	pairs := make([]NameValuePair, 0, len(q))
	for _, name := range slices.Sorted(maps.Keys(q)) {
		for _, value := range q[name] {
			pairs = append(pairs, NameValuePair{Name: name, Value: value})
		}
	}
	return pairs
}
