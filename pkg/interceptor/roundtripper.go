package interceptor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/httpseal/alfseal/pkg/har"
	"github.com/httpseal/alfseal/pkg/transport"
)

// Status texts reported for exchanges that failed below HTTP
const (
	StatusTextError   = "error"
	StatusTextTimeout = "timeout"
)

type dataKey struct{}

// WithData attaches the original request payload to ctx so that it is
// reported with the exchange instead of being read back from the body
func WithData(ctx context.Context, data any) context.Context {
	return context.WithValue(ctx, dataKey{}, data)
}

// DataFromContext returns the payload attached with WithData
func DataFromContext(ctx context.Context) (any, bool) {
	data := ctx.Value(dataKey{})
	return data, data != nil
}

// Transport is an http.RoundTripper that reports every round trip to Hooks.
// The response reaches the caller unchanged; completion is reported once its
// body has been read to the end or closed.
type Transport struct {
	base  http.RoundTripper
	hooks Hooks
}

// Wrap instruments base; a nil base means http.DefaultTransport
func Wrap(base http.RoundTripper, hooks Hooks) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{base: base, hooks: hooks}
}

// Client returns a copy of base whose transport is instrumented
func Client(base *http.Client, hooks Hooks) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	c := *base
	c.Transport = Wrap(base.Transport, hooks)
	return &c
}

// RoundTrip implements http.RoundTripper. The agent's own requests to the
// collector pass through unrecorded.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if transport.IsUntraced(req.Context()) {
		return t.base.RoundTrip(req)
	}

	id := uuid.NewString()
	t.hooks.OnRequestStart(id, RequestInfo{
		Method:    req.Method,
		URL:       req.URL.String(),
		Headers:   har.HeaderMap(req.Header),
		Data:      requestData(req),
		EventTime: time.Now(),
	})

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// An aborted request never completes
		if errors.Is(err, context.Canceled) {
			t.forget(id)
		} else {
			t.hooks.OnRequestComplete(id, ResponseInfo{StatusText: failureText(err)})
		}
		return resp, err
	}

	tracker := &bodyTracker{
		body:     resp.Body,
		encoding: contentEncoding(resp),
		finish: func(body []byte, size *int) {
			var raw strings.Builder
			resp.Header.Write(&raw)
			t.hooks.OnRequestComplete(id, ResponseInfo{
				StatusCode: resp.StatusCode,
				StatusText: statusText(resp),
				RawHeaders: raw.String(),
				Body:       string(body),
				BodySize:   size,
			})
		},
	}
	if resp.Body == nil {
		tracker.done()
		return resp, nil
	}
	resp.Body = tracker
	return resp, nil
}

func failureText(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return StatusTextTimeout
	}
	return StatusTextError
}

func (t *Transport) forget(id string) {
	if f, ok := t.hooks.(interface{ Forget(id string) }); ok {
		f.Forget(id)
	}
}

// requestData returns the payload to report for req. Only GET payloads are
// ever sized, so other bodies are left alone.
func requestData(req *http.Request) any {
	if data, ok := DataFromContext(req.Context()); ok {
		return data
	}
	if req.Method != http.MethodGet || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return nil
	}
	return string(data)
}

// contentEncoding returns the encoding still applied to the body the caller reads
func contentEncoding(resp *http.Response) string {
	if resp.Uncompressed {
		return ""
	}
	return resp.Header.Get("Content-Encoding")
}

// statusText extracts status text from status string like "200 OK"
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// MaxTrackedBody bounds how much of a response body is retained for sizing.
// Larger identity bodies are sized by counting bytes; larger encoded bodies
// are reported as har.NotComputed.
const MaxTrackedBody = 8 << 20

// bodyTracker copies the body as the caller reads it and reports completion
// exactly once, on EOF, read error or Close
type bodyTracker struct {
	body     io.ReadCloser
	encoding string
	finish   func(body []byte, size *int)

	mu       sync.Mutex
	buf      bytes.Buffer
	read     int
	overflow bool
	finished bool
	once     sync.Once
}

func (b *bodyTracker) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.mu.Lock()
	if !b.finished {
		b.read += n
		switch {
		case b.overflow:
			// counting only
		case b.buf.Len()+n > MaxTrackedBody:
			b.overflow = true
			b.buf = bytes.Buffer{}
		default:
			b.buf.Write(p[:n])
		}
	}
	b.mu.Unlock()
	if err != nil {
		b.done()
	}
	return n, err
}

func (b *bodyTracker) Close() error {
	err := b.body.Close()
	b.done()
	return err
}

func (b *bodyTracker) done() {
	b.once.Do(func() {
		b.mu.Lock()
		body := b.buf.Bytes()
		read, overflow := b.read, b.overflow
		b.buf = bytes.Buffer{}
		b.finished = true
		b.mu.Unlock()

		if overflow {
			size := har.NotComputed
			if DetectCompressionType(b.encoding) == CompressionNone {
				size = read
			}
			b.finish(nil, &size)
			return
		}

		decoded, err := DecodeBody(body, b.encoding)
		switch {
		case err == nil:
			body = decoded
		case errors.Is(err, ErrBodyTooLarge):
			size := har.NotComputed
			b.finish(nil, &size)
			return
		}
		b.finish(body, nil)
	})
}
