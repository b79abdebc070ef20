// Package collector is a local ingestion endpoint for envelopes. It accepts
// what the agent posts, checks the envelope shape and logs every entry, which
// is enough to develop against without a hosted collector.
package collector

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/httpseal/alfseal/pkg/har"
	"github.com/httpseal/alfseal/pkg/logger"
	"github.com/httpseal/alfseal/pkg/metrics"
)

// maxEnvelopeSize bounds a single posted envelope
const maxEnvelopeSize = 8 << 20

// Config configures a Collector
type Config struct {
	// CORSOrigins allows browser agents on these origins to post envelopes
	CORSOrigins []string
	// Keep is how many accepted envelopes are retained for Envelopes; 0 keeps none
	Keep int
	// TLS serves HTTPS when set
	TLS *tls.Config
}

// Collector receives envelopes over HTTP
type Collector struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	envelopes []har.Envelope
	received  int

	server   *http.Server
	listener net.Listener
}

type ingestResponse struct {
	Status  string `json:"status"`
	Entries int    `json:"entries"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Envelopes int    `json:"envelopes"`
}

// New creates a collector
func New(cfg Config, log *slog.Logger, m *metrics.Metrics) *Collector {
	return &Collector{
		cfg:     cfg,
		logger:  logger.OrNop(log),
		metrics: m,
	}
}

// Router returns the collector HTTP handler
func (c *Collector) Router() http.Handler {
	r := chi.NewRouter()

	if len(c.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: c.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Post("/", c.handleIngest)
	r.Get("/health", c.handleHealth)
	r.Get("/envelopes", c.handleEnvelopes)

	return r
}

func (c *Collector) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeSize))
	if err != nil {
		c.reject(w, fmt.Errorf("failed to read envelope: %w", err))
		return
	}

	var env har.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.reject(w, fmt.Errorf("invalid envelope: %w", err))
		return
	}
	if err := validate(&env); err != nil {
		c.reject(w, err)
		return
	}

	entries := env.Entries()
	for _, e := range entries {
		c.logger.Info("Entry received",
			"method", e.Request.Method,
			"url", e.Request.URL,
			"status", e.Response.Status,
			"time_ms", e.Time,
			"client_ip", e.ClientIPAddress,
			"creator", env.HAR.Log.Creator.Name)
	}

	c.mu.Lock()
	c.received++
	if c.cfg.Keep > 0 {
		c.envelopes = append(c.envelopes, env)
		if len(c.envelopes) > c.cfg.Keep {
			c.envelopes = c.envelopes[len(c.envelopes)-c.cfg.Keep:]
		}
	}
	c.mu.Unlock()

	c.metrics.Received(len(entries), nil)
	writeJSON(w, http.StatusOK, ingestResponse{Status: "ok", Entries: len(entries)})
}

func (c *Collector) reject(w http.ResponseWriter, err error) {
	c.metrics.Received(0, err)
	c.logger.Warn("Rejected envelope", "error", err)
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (c *Collector) handleHealth(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	received := c.received
	c.mu.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Envelopes: received})
}

func (c *Collector) handleEnvelopes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.Envelopes())
}

// validate checks the parts of an envelope every consumer relies on
func validate(env *har.Envelope) error {
	if env.ServiceToken == "" {
		return errors.New("envelope has no service token")
	}
	if v := env.HAR.Log.Version; v != har.Version {
		return fmt.Errorf("unsupported HAR version %q", v)
	}
	return nil
}

// Envelopes returns the retained envelopes, oldest first
func (c *Collector) Envelopes() []har.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]har.Envelope, len(c.envelopes))
	copy(out, c.envelopes)
	return out
}

// Start listens on addr and serves in the background
func (c *Collector) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on collector address %s: %w", addr, err)
	}
	if c.cfg.TLS != nil {
		listener = tls.NewListener(listener, c.cfg.TLS)
	}
	c.listener = listener
	c.server = &http.Server{
		Handler:           c.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	c.logger.Info("Collector started", "addr", listener.Addr().String(), "tls", c.cfg.TLS != nil)

	go func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("Collector stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the address the collector listens on
func (c *Collector) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Shutdown stops the server started by Start
func (c *Collector) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
