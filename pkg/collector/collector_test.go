package collector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httpseal/alfseal/pkg/cert"
	"github.com/httpseal/alfseal/pkg/har"
	"github.com/httpseal/alfseal/pkg/metrics"
)

func envelopeBody(t *testing.T, token string, entries ...har.Entry) string {
	t.Helper()
	env := har.NewEnvelope(token, har.Creator{Name: "Go Analytics Agent", Version: "test"})
	for _, e := range entries {
		env.AddEntry(e)
	}
	body, err := env.Marshal()
	require.NoError(t, err)
	return string(body)
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestAcceptsEnvelope(t *testing.T) {
	m := metrics.New(nil)
	c := New(Config{Keep: 10}, nil, m)
	h := c.Router()

	entry := har.Entry{Request: har.Request{Method: "GET", URL: "http://x/"}, Response: har.Response{Status: 200}}
	rec := post(t, h, envelopeBody(t, "token", entry))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, ingestResponse{Status: "ok", Entries: 1}, resp)

	envelopes := c.Envelopes()
	require.Len(t, envelopes, 1)
	assert.Equal(t, "token", envelopes[0].ServiceToken)
	assert.Equal(t, "http://x/", envelopes[0].HAR.Log.Entries[0].Request.URL)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EntriesReceived))
}

func TestIngestRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing token", `{"har":{"log":{"version":"1.2","creator":{"name":"a","version":"1"},"entries":[]}}}`},
		{"wrong version", `{"serviceToken":"t","har":{"log":{"version":"1.1","creator":{"name":"a","version":"1"},"entries":[]}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New(nil)
			c := New(Config{Keep: 10}, nil, m)

			rec := post(t, c.Router(), tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
			assert.Empty(t, c.Envelopes())
			assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesReceived.WithLabelValues("rejected")))
		})
	}
}

func TestKeepBoundsRetainedEnvelopes(t *testing.T) {
	c := New(Config{Keep: 2}, nil, nil)
	h := c.Router()

	for _, token := range []string{"a", "b", "c"} {
		require.Equal(t, http.StatusOK, post(t, h, envelopeBody(t, token)).Code)
	}

	envelopes := c.Envelopes()
	require.Len(t, envelopes, 2)
	assert.Equal(t, "b", envelopes[0].ServiceToken)
	assert.Equal(t, "c", envelopes[1].ServiceToken)
}

func TestHealth(t *testing.T) {
	c := New(Config{}, nil, nil)
	h := c.Router()
	post(t, h, envelopeBody(t, "token"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, healthResponse{Status: "ok", Envelopes: 1}, resp)
	assert.Empty(t, c.Envelopes(), "nothing retained without Keep")
}

func TestCORSPreflight(t *testing.T) {
	c := New(Config{CORSOrigins: []string{"https://app.example"}}, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	c.Router().ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStartAndShutdown(t *testing.T) {
	c := New(Config{Keep: 1}, nil, nil)
	require.NoError(t, c.Start("127.0.0.1:0"))
	defer c.Shutdown(context.Background())

	resp, err := http.Post("http://"+c.Addr()+"/", "application/json", strings.NewReader(envelopeBody(t, "token")))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, c.Envelopes(), 1)
}

func TestStartTLS(t *testing.T) {
	ca, err := cert.Load(t.TempDir(), nil)
	require.NoError(t, err)

	c := New(Config{Keep: 1, TLS: ca.TLSConfig("127.0.0.1")}, nil, nil)
	require.NoError(t, c.Start("127.0.0.1:0"))
	defer c.Shutdown(context.Background())

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: ca.Pool()}}}
	resp, err := client.Post("https://"+c.Addr()+"/", "application/json", strings.NewReader(envelopeBody(t, "token")))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, c.Envelopes(), 1)
}
