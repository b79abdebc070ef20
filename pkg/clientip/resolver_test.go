package clientip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/alfseal/pkg/dns"
	"github.com/httpseal/alfseal/pkg/metrics"
)

type countingLookup struct {
	calls atomic.Int32
	ip    string
	err   error
}

func (l *countingLookup) LookupIP(ctx context.Context) (string, error) {
	l.calls.Add(1)
	return l.ip, l.err
}

func TestCurrentStartsAtFallback(t *testing.T) {
	r := New(Options{FallbackIP: "10.0.0.1"}, nil, nil)
	assert.Equal(t, "10.0.0.1", r.Current())
}

func TestDisabledNeverLooksUp(t *testing.T) {
	lookup := &countingLookup{ip: "198.51.100.4"}
	r := New(Options{FallbackIP: "127.0.0.1", Enabled: false, Lookup: lookup}, nil, nil)

	r.Start(context.Background())
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, int32(0), lookup.calls.Load())
	assert.Equal(t, "127.0.0.1", r.Current())
}

func TestStartResolvesInBackground(t *testing.T) {
	lookup := &countingLookup{ip: "198.51.100.4"}
	m := metrics.New(nil)
	r := New(Options{FallbackIP: "127.0.0.1", Enabled: true, Lookup: lookup}, nil, m)

	r.Start(context.Background())

	require.Eventually(t, func() bool { return r.Current() == "198.51.100.4" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), lookup.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientIPResolved))
}

func TestFailedLookupKeepsFallback(t *testing.T) {
	lookup := &countingLookup{err: errors.New("unreachable")}
	m := metrics.New(nil)
	r := New(Options{FallbackIP: "127.0.0.1", Enabled: true, Lookup: lookup}, nil, m)

	err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.Equal(t, "127.0.0.1", r.Current())
	assert.Equal(t, int32(1), lookup.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClientIPLookups.WithLabelValues("error")))
}

func TestInvalidAddressKeepsFallback(t *testing.T) {
	r := New(Options{FallbackIP: "127.0.0.1", Lookup: &countingLookup{ip: "not-an-ip"}}, nil, nil)
	assert.Error(t, r.Resolve(context.Background()))
	assert.Equal(t, "127.0.0.1", r.Current())
}

func TestResolveWithoutLookup(t *testing.T) {
	r := New(Options{FallbackIP: "127.0.0.1", Enabled: true}, nil, nil)
	r.Start(context.Background())
	assert.Error(t, r.Resolve(context.Background()))
	assert.Equal(t, "127.0.0.1", r.Current())
}

func TestHTTPEchoYAML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "yaml", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte("origin: 203.0.113.9\nheaders:\n  Accept: yaml\n"))
	}))
	defer server.Close()

	ip, err := (&HTTPEcho{URL: server.URL}).LookupIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ip)
}

func TestHTTPEchoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"origin": "203.0.113.9, 10.0.0.2"}`))
	}))
	defer server.Close()

	ip, err := (&HTTPEcho{URL: server.URL}).LookupIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", ip)
}

func TestHTTPEchoFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		payload string
	}{
		{"server error", http.StatusBadGateway, "origin: 203.0.113.9"},
		{"missing origin", http.StatusOK, "ip: 203.0.113.9"},
		{"unparseable", http.StatusOK, "origin: [unterminated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.payload))
			}))
			defer server.Close()

			_, err := (&HTTPEcho{URL: server.URL}).LookupIP(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestDNSEcho(t *testing.T) {
	server := dns.NewServer("127.0.0.1:0", nil)
	require.NoError(t, server.Start())
	defer server.Stop()

	r := New(Options{
		FallbackIP: "0.0.0.0",
		Enabled:    true,
		Lookup:     &DNSEcho{Server: server.Addr(), Name: DefaultDNSName},
		Timeout:    2 * time.Second,
	}, nil, nil)

	require.NoError(t, r.Resolve(context.Background()))
	assert.Equal(t, "127.0.0.1", r.Current())
}
