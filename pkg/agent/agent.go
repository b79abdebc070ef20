// Package agent wires the interceptor, the entry builder, the client address
// resolver and the collector transport into a single value a host
// application creates once.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/httpseal/alfseal/internal/config"
	"github.com/httpseal/alfseal/pkg/cert"
	"github.com/httpseal/alfseal/pkg/clientip"
	"github.com/httpseal/alfseal/pkg/har"
	"github.com/httpseal/alfseal/pkg/interceptor"
	"github.com/httpseal/alfseal/pkg/logger"
	"github.com/httpseal/alfseal/pkg/metrics"
	"github.com/httpseal/alfseal/pkg/transport"
)

// Name identifies this agent in the creator block of every log
const Name = "Go Analytics Agent"

// Version is reported as the creator version; set at build time with
// -ldflags "-X github.com/httpseal/alfseal/pkg/agent.Version=..."
var Version = "0.1.0"

// ErrMissingArgument matches every MissingArgumentError
var ErrMissingArgument = errors.New("missing argument")

// MissingArgumentError reports a required initialization argument that was
// not supplied
type MissingArgumentError struct {
	Name    string
	Message string
}

func (e *MissingArgumentError) Error() string {
	return e.Name + ": " + e.Message
}

// Is reports whether target is ErrMissingArgument
func (e *MissingArgumentError) Is(target error) bool {
	return target == ErrMissingArgument
}

func missingToken() error {
	return &MissingArgumentError{Name: "MissingArgument", Message: "Service token is missing"}
}

// Option customizes an Agent
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registry   prometheus.Registerer
	metrics    *metrics.Metrics
	httpClient *http.Client
	lookup     clientip.Lookup
	onEnvelope interceptor.EnvelopeFunc
}

// WithLogger sets the logger; the default discards everything
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers the agent's metrics on reg
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithMetrics shares an existing set of collectors, e.g. with a collector
// running in the same process
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient sets the client used to reach the collector and the IP echo
// service. It must not be an instrumented client. It takes precedence over
// the collector CA from the config.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithLookup replaces the client address lookup selected by the config
func WithLookup(l clientip.Lookup) Option {
	return func(o *options) { o.lookup = l }
}

// WithInspector observes every envelope together with the prepared collector
// request. Combined with debug mode this shows what would have been sent.
func WithInspector(fn interceptor.EnvelopeFunc) Option {
	return func(o *options) { o.onEnvelope = fn }
}

// Agent is an initialized analytics agent
type Agent struct {
	cfg         config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
	resolver    *clientip.Resolver
	sender      *transport.Sender
	interceptor *interceptor.Interceptor
	cancel      context.CancelFunc
}

// New initializes an agent. The token may be empty when cfg.ServiceToken
// carries it; with neither set a *MissingArgumentError is returned.
// Zero-valued string and numeric fields of cfg take their defaults.
//
// The client address lookup, when enabled, starts in the background and
// entries built before it finishes carry the fallback address.
func New(token string, cfg config.Config, opts ...Option) (*Agent, error) {
	if token == "" {
		token = cfg.ServiceToken
	}
	if token == "" {
		return nil, missingToken()
	}
	cfg.ServiceToken = token
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	log := logger.OrNop(o.logger)

	client := o.httpClient
	if client == nil && cfg.CollectorCA != "" {
		pool, err := cert.LoadPool(cfg.CollectorCA)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		client = &http.Client{
			Timeout:   cfg.SendTimeout,
			Transport: transport.NewTransport(&tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}),
		}
	}

	m := o.metrics
	if m == nil {
		m = metrics.New(o.registry)
	}

	lookup := o.lookup
	if lookup == nil {
		lookup = newLookup(cfg, o.httpClient)
	}
	resolver := clientip.New(clientip.Options{
		FallbackIP: cfg.FallbackIP,
		Enabled:    cfg.FetchClientIP,
		Lookup:     lookup,
		Timeout:    cfg.SendTimeout,
	}, log, m)

	sender := transport.New(transport.Options{
		Endpoint:  cfg.AnalyticsHost,
		Debug:     cfg.Debug,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.SendTimeout,
		Client:    client,
	}, log, m)

	builder := har.NewBuilder(har.Meta{
		HTTPVersion: cfg.HTTPVersion,
		FallbackIP:  cfg.FallbackIP,
	}, resolver.Current)

	ic := interceptor.New(interceptor.Options{
		ServiceToken: token,
		Creator:      Creator(),
		Builder:      builder,
		Sender:       sender,
		OnEnvelope:   o.onEnvelope,
	}, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	resolver.Start(ctx)

	log.Debug("Agent initialized",
		"collector", cfg.AnalyticsHost,
		"debug", cfg.Debug,
		"fetch_client_ip", cfg.FetchClientIP,
		"ip_lookup", cfg.IPLookup)

	return &Agent{
		cfg:         cfg,
		logger:      log,
		metrics:     m,
		resolver:    resolver,
		sender:      sender,
		interceptor: ic,
		cancel:      cancel,
	}, nil
}

// Creator returns the creator block stamped on every log
func Creator() har.Creator {
	return har.Creator{Name: Name, Version: Version}
}

func withDefaults(cfg config.Config) config.Config {
	def := config.Default()
	if cfg.AnalyticsHost == "" {
		cfg.AnalyticsHost = def.AnalyticsHost
	}
	if cfg.HTTPVersion == "" {
		cfg.HTTPVersion = def.HTTPVersion
	}
	if cfg.FallbackIP == "" {
		cfg.FallbackIP = def.FallbackIP
	}
	if cfg.IPLookup == "" {
		cfg.IPLookup = def.IPLookup
	}
	if cfg.IPEchoURL == "" {
		cfg.IPEchoURL = def.IPEchoURL
	}
	if cfg.DNSServer == "" {
		cfg.DNSServer = def.DNSServer
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return cfg
}

func newLookup(cfg config.Config, client *http.Client) clientip.Lookup {
	if cfg.IPLookup == config.IPLookupDNS {
		return &clientip.DNSEcho{Server: cfg.DNSServer, Name: clientip.DefaultDNSName}
	}
	return &clientip.HTTPEcho{URL: cfg.IPEchoURL, Client: client}
}

// Client returns a copy of base (nil for a default client) whose requests
// are reported to the collector
func (a *Agent) Client(base *http.Client) *http.Client {
	return interceptor.Client(base, a.interceptor)
}

// RoundTripper instruments base; nil means http.DefaultTransport
func (a *Agent) RoundTripper(base http.RoundTripper) http.RoundTripper {
	return interceptor.Wrap(base, a.interceptor)
}

// Hooks exposes the lifecycle hooks for hosts that are not net/http based
func (a *Agent) Hooks() interceptor.Hooks {
	return a.interceptor
}

// ClientIP returns the client address currently reported in entries
func (a *Agent) ClientIP() string {
	return a.resolver.Current()
}

// Config returns the effective configuration
func (a *Agent) Config() config.Config {
	return a.cfg
}

// Metrics returns the agent's collectors
func (a *Agent) Metrics() *metrics.Metrics {
	return a.metrics
}

// Inspected returns the collector requests held back in debug mode
func (a *Agent) Inspected() []*transport.Request {
	return a.sender.Inspected()
}

// Pending returns the number of exchanges still waiting for completion
func (a *Agent) Pending() int {
	return a.interceptor.Pending()
}

// Close stops the client address lookup and waits until queued envelopes
// have been posted or ctx is done
func (a *Agent) Close(ctx context.Context) error {
	a.cancel()
	return a.sender.Close(ctx)
}
