package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

type untracedKey struct{}

// Untraced marks ctx so that instrumented transports pass its requests
// through without recording them
func Untraced(ctx context.Context) context.Context {
	return context.WithValue(ctx, untracedKey{}, true)
}

// IsUntraced reports whether ctx was marked with Untraced
func IsUntraced(ctx context.Context) bool {
	v, _ := ctx.Value(untracedKey{}).(bool)
	return v
}

// stock is taken at package init, before host code can replace
// http.DefaultTransport with an instrumented one
var stock = newStockTransport()

// shared backs every default client so collector connections are reused
var shared = stock.Clone()

func newStockTransport() *http.Transport {
	if t, ok := http.DefaultTransport.(*http.Transport); ok {
		return t.Clone()
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewTransport returns a transport private to the agent. A nil tlsConfig
// keeps the stock TLS settings.
func NewTransport(tlsConfig *tls.Config) *http.Transport {
	t := stock.Clone()
	if tlsConfig != nil {
		t.TLSClientConfig = tlsConfig
	}
	return t
}

// NewClient returns a client that never goes through http.DefaultTransport
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: shared}
}
