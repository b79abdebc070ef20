package interceptor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/alfseal/pkg/har"
	"github.com/httpseal/alfseal/pkg/transport"
)

func newTestClient(t *testing.T) (*http.Client, *Interceptor, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	i := newTestInterceptor(sender, nil)
	return Client(nil, i), i, sender
}

func onlyEntry(t *testing.T, sender *captureSender) har.Entry {
	t.Helper()
	envelopes := sender.all()
	require.Len(t, envelopes, 1)
	require.Len(t, envelopes[0].HAR.Log.Entries, 1)
	return envelopes[0].HAR.Log.Entries[0]
}

func TestRoundTripReportsCompletedExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Trace", "abc")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer server.Close()

	client, i, sender := newTestClient(t)

	req, err := http.NewRequest(http.MethodGet, server.URL+"/items?page=2&sort=name", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request", "1")

	resp, err := client.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "created", string(body))
	assert.Equal(t, 0, i.Pending())

	entry := onlyEntry(t, sender)
	assert.Equal(t, "GET", entry.Request.Method)
	assert.Equal(t, server.URL+"/items?page=2&sort=name", entry.Request.URL)
	assert.Equal(t, []har.NameValuePair{{Name: "page", Value: "2"}, {Name: "sort", Value: "name"}}, entry.Request.QueryString)
	assert.Contains(t, entry.Request.Headers, har.NameValuePair{Name: "X-Request", Value: "1"})
	assert.Equal(t, 201, entry.Response.Status)
	assert.Equal(t, "Created", entry.Response.StatusText)
	assert.Equal(t, 7, entry.Response.BodySize)
	assert.Contains(t, entry.Response.Headers, har.NameValuePair{Name: "X-Trace", Value: "abc"})
	assert.GreaterOrEqual(t, entry.Timings.Wait, 0.0)
}

func TestRoundTripCompletesOnCloseWithoutRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ignored"))
	}))
	defer server.Close()

	client, i, sender := newTestClient(t)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, i.Pending())
	assert.Empty(t, sender.all())

	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	entry := onlyEntry(t, sender)
	assert.Equal(t, 200, entry.Response.Status)
}

func TestRoundTripSizesDecodedBody(t *testing.T) {
	payload := strings.Repeat("compressible ", 20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipBytes(t, payload))
	}))
	defer server.Close()

	client, _, sender := newTestClient(t)

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	// Asking explicitly disables the transport's transparent decompression
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := client.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEqual(t, payload, string(raw), "caller must receive the body untouched")
	assert.Equal(t, len(payload), onlyEntry(t, sender).Response.BodySize)
}

func TestRoundTripSizesZlibDeflateBody(t *testing.T) {
	payload := strings.Repeat("x", 1200)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "deflate")
		w.Write(zlibBytes(t, payload))
	}))
	defer server.Close()

	client, _, sender := newTestClient(t)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 1200, onlyEntry(t, sender).Response.BodySize)
}

func TestRoundTripLargeBodyIsCountedNotRetained(t *testing.T) {
	const size = MaxTrackedBody + 1<<20
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		chunk := bytes.Repeat([]byte("a"), 64<<10)
		for written := 0; written < size; written += len(chunk) {
			w.Write(chunk)
		}
	}))
	defer server.Close()

	client, _, sender := newTestClient(t)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	tracker, ok := resp.Body.(*bodyTracker)
	require.True(t, ok)

	_, err = io.CopyN(io.Discard, resp.Body, MaxTrackedBody+512<<10)
	require.NoError(t, err)
	tracker.mu.Lock()
	assert.True(t, tracker.overflow)
	assert.Zero(t, tracker.buf.Len(), "body must not be retained")
	tracker.mu.Unlock()

	_, err = io.Copy(io.Discard, resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, size, onlyEntry(t, sender).Response.BodySize)
}

func TestBodyTrackerOverflow(t *testing.T) {
	tests := []struct {
		name     string
		encoding string
		expected int
	}{
		{"identity", "", MaxTrackedBody + 10},
		{"gzip", "gzip", har.NotComputed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *int
			tracker := &bodyTracker{
				body:     io.NopCloser(io.LimitReader(zeros{}, MaxTrackedBody+10)),
				encoding: tt.encoding,
				finish: func(body []byte, size *int) {
					assert.Empty(t, body)
					got = size
				},
			}

			_, err := io.Copy(io.Discard, tracker)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.expected, *got)
		})
	}
}

type zeros struct{}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestRoundTripWithAttachedData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client, _, sender := newTestClient(t)

	ctx := WithData(context.Background(), map[string]string{"term": "go"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?page=1", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	entry := onlyEntry(t, sender)
	assert.Equal(t, []har.NameValuePair{{Name: "page", Value: "1"}, {Name: "term", Value: "go"}}, entry.Request.QueryString)
	assert.Equal(t, len(`{"term":"go"}`), entry.Request.BodySize)
}

func TestRoundTripNonGETBodyIsNotSized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
	}))
	defer server.Close()

	client, _, sender := newTestClient(t)

	resp, err := client.Post(server.URL, "text/plain", strings.NewReader("a=1&b=2"))
	require.NoError(t, err)
	resp.Body.Close()

	entry := onlyEntry(t, sender)
	assert.Equal(t, "POST", entry.Request.Method)
	assert.Equal(t, 0, entry.Request.BodySize)
	assert.Empty(t, entry.Request.QueryString)
}

func TestRoundTripNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client, i, sender := newTestClient(t)

	_, err := client.Get(url)
	require.Error(t, err)
	assert.Equal(t, 0, i.Pending())

	entry := onlyEntry(t, sender)
	assert.Equal(t, 0, entry.Response.Status)
	assert.Equal(t, StatusTextError, entry.Response.StatusText)
}

func TestRoundTripTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, _, sender := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)

	entry := onlyEntry(t, sender)
	assert.Equal(t, StatusTextTimeout, entry.Response.StatusText)
}

func TestRoundTripCanceledIsNeverReported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client, i, sender := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Equal(t, 0, i.Pending())
	assert.Empty(t, sender.all())
}

func TestStatusText(t *testing.T) {
	assert.Equal(t, "Not Found", statusText(&http.Response{Status: "404 Not Found", StatusCode: 404}))
	assert.Equal(t, "Teapot", statusText(&http.Response{Status: "418 Teapot", StatusCode: 418}))
	assert.Equal(t, "OK", statusText(&http.Response{StatusCode: 200}))
}

func TestRoundTripPassesUntracedRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, i, sender := newTestClient(t)

	req, err := http.NewRequestWithContext(transport.Untraced(context.Background()), http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 0, i.Pending())
	assert.Empty(t, sender.all())
}
