// Package clientip resolves the public address of the host once and caches
// it for the entries built afterwards.
package clientip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/httpseal/alfseal/pkg/dns"
	"github.com/httpseal/alfseal/pkg/logger"
	"github.com/httpseal/alfseal/pkg/metrics"
	"github.com/httpseal/alfseal/pkg/transport"
)

// Defaults for the lookup endpoints
const (
	DefaultEchoURL   = "http://httpconsole.com/ip"
	DefaultDNSServer = "resolver1.opendns.com:53"
	DefaultDNSName   = "myip.opendns.com"
)

// maxEchoBody bounds how much of the echo response is read
const maxEchoBody = 64 << 10

// Lookup finds the public address of this host
type Lookup interface {
	LookupIP(ctx context.Context) (string, error)
}

// HTTPEcho asks an HTTP echo service for the caller's address
type HTTPEcho struct {
	URL    string
	Client *http.Client
}

// echoResponse is the part of the echo payload we read. The service answers
// YAML when asked to; JSON parses as YAML too.
type echoResponse struct {
	Origin string `yaml:"origin"`
}

// LookupIP implements Lookup
func (e *HTTPEcho) LookupIP(ctx context.Context) (string, error) {
	client := e.Client
	if client == nil {
		client = transport.NewClient(10 * time.Second)
	}

	req, err := http.NewRequestWithContext(transport.Untraced(ctx), http.MethodGet, e.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create echo request: %w", err)
	}
	req.Header.Set("Accept", "yaml")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("echo service responded %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEchoBody))
	if err != nil {
		return "", fmt.Errorf("failed to read echo response: %w", err)
	}

	var payload echoResponse
	if err := yaml.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("failed to parse echo response: %w", err)
	}
	if payload.Origin == "" {
		return "", errors.New("echo response has no origin")
	}
	// Behind proxies the origin lists every hop; the first one is the client
	first, _, _ := strings.Cut(payload.Origin, ",")
	return strings.TrimSpace(first), nil
}

// DNSEcho resolves a name that a DNS server answers with the caller's address
type DNSEcho struct {
	Server string
	Name   string
}

// LookupIP implements Lookup
func (d *DNSEcho) LookupIP(ctx context.Context) (string, error) {
	return dns.Lookup(ctx, d.Server, d.Name)
}

// Options configures a Resolver
type Options struct {
	FallbackIP string
	// Enabled controls whether Start performs a lookup at all
	Enabled bool
	Lookup  Lookup
	Timeout time.Duration
}

// Resolver holds the best known client address. Reads may observe the
// fallback until the single lookup has finished.
type Resolver struct {
	opts    Options
	current atomic.Pointer[string]
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a resolver whose current value is the fallback IP
func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	r := &Resolver{
		opts:    opts,
		logger:  logger.OrNop(log),
		metrics: m,
	}
	fallback := opts.FallbackIP
	r.current.Store(&fallback)
	return r
}

// Start launches the lookup in the background when enabled.
// It returns immediately; the outcome is only visible through Current.
func (r *Resolver) Start(ctx context.Context) {
	if !r.opts.Enabled || r.opts.Lookup == nil {
		return
	}
	go func() {
		_ = r.Resolve(ctx)
	}()
}

// Resolve performs one lookup and stores the result on success.
// On failure the current value is left untouched.
func (r *Resolver) Resolve(ctx context.Context) error {
	if r.opts.Lookup == nil {
		return errors.New("no lookup configured")
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	ip, err := r.opts.Lookup.LookupIP(ctx)
	if err == nil && net.ParseIP(ip) == nil {
		err = fmt.Errorf("lookup returned invalid address %q", ip)
	}
	r.metrics.Lookup(err)
	if err != nil {
		r.logger.Debug("Client IP lookup failed, keeping fallback", "fallback", r.Current(), "error", err)
		return err
	}

	r.current.Store(&ip)
	r.logger.Debug("Client IP resolved", "ip", ip)
	return nil
}

// Current returns the cached client address
func (r *Resolver) Current() string {
	return *r.current.Load()
}
