package har

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// timeLayout is ISO-8601 in UTC with millisecond precision
const timeLayout = "2006-01-02T15:04:05.000Z"

// Meta holds the fixed values stamped on every entry
type Meta struct {
	HTTPVersion string
	FallbackIP  string
}

// Builder turns completed exchanges into HAR entries
type Builder struct {
	meta     Meta
	clientIP func() string
}

// NewBuilder creates a builder. clientIP is consulted on every build and may
// be nil, in which case the fallback IP is reported as the client address.
func NewBuilder(meta Meta, clientIP func() string) *Builder {
	if clientIP == nil {
		clientIP = func() string { return meta.FallbackIP }
	}
	return &Builder{meta: meta, clientIP: clientIP}
}

// Build converts a completed exchange into an entry. It never fails: anything
// that cannot be normalized degrades to an empty value.
func (b *Builder) Build(x *Exchange) Entry {
	method := strings.ToUpper(x.Method)
	elapsed := millis(x.Elapsed())

	// Only GET payloads are sized; other methods report an empty body
	body := ""
	query := Query{}
	if method == http.MethodGet {
		body = requestBody(x.RequestData)
		query = QueryFromData(x.RequestData)
	}

	if rawURL, _, _ := strings.Cut(x.URL, "#"); strings.Contains(rawURL, "?") {
		query.Merge(ParseQuery(rawURL))
	}

	responseHeaders := x.ResponseHeaders
	if responseHeaders == nil {
		responseHeaders = ParseRawHeaders(x.RawResponseHeaders)
	}

	send := 0.0
	if !x.SendEventTime.IsZero() {
		send = max(millis(x.Start.Sub(x.SendEventTime)), 0)
	}

	return Entry{
		StartedDateTime: x.Start.UTC().Format(timeLayout),
		ServerIPAddress: b.meta.FallbackIP,
		ClientIPAddress: b.clientIP(),
		Time:            elapsed,
		Request: Request{
			Method:      method,
			URL:         x.URL,
			HTTPVersion: b.meta.HTTPVersion,
			QueryString: QueryPairs(query),
			Headers:     ToPairs(x.RequestHeaders),
			HeadersSize: NotComputed,
			BodySize:    SizeOf(body),
		},
		Response: Response{
			Status:      x.StatusCode,
			StatusText:  x.StatusText,
			HTTPVersion: b.meta.HTTPVersion,
			Headers:     ToPairs(responseHeaders),
			HeadersSize: NotComputed,
			BodySize:    x.responseBodySize(),
		},
		Timings: Timings{
			Send: send,
			Wait: elapsed,
		},
	}
}

// requestBody renders request data the way it would go on the wire:
// strings verbatim, everything else as JSON. Marshal failures yield "".
func requestBody(data any) string {
	switch v := data.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
