package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/httpseal/alfseal/pkg/logger"
	"github.com/httpseal/alfseal/pkg/metrics"
)

// ContentType is the media type of every envelope POST
const ContentType = "application/json"

// Request describes one POST to the collector
type Request struct {
	Method      string          `json:"type"`
	URL         string          `json:"url"`
	ContentType string          `json:"contentType"`
	Data        json.RawMessage `json:"data"`
}

// Options configures a Sender
type Options struct {
	// Endpoint is the collector URL envelopes are POSTed to
	Endpoint string
	// Debug keeps envelopes for inspection instead of transmitting them
	Debug bool
	// QueueSize bounds the number of envelopes waiting for transmission
	QueueSize int
	// Timeout bounds a single POST
	Timeout time.Duration
	// InspectLimit bounds how many requests debug mode keeps; the oldest
	// are discarded first
	InspectLimit int
	// Client defaults to a private client that is never instrumented
	Client *http.Client
}

// DefaultInspectLimit is used when Options.InspectLimit is not set
const DefaultInspectLimit = 1024

// Sender ships serialized envelopes to the collector in the background
type Sender struct {
	opts    Options
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue chan *Request
	done  chan struct{}

	mu        sync.Mutex
	closed    bool
	inspected []*Request
}

// New creates a sender and, unless in debug mode, starts its worker
func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Sender {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.InspectLimit <= 0 {
		opts.InspectLimit = DefaultInspectLimit
	}

	client := opts.Client
	if client == nil {
		client = NewClient(opts.Timeout)
	}

	s := &Sender{
		opts:    opts,
		client:  client,
		logger:  logger.OrNop(log),
		metrics: m,
		queue:   make(chan *Request, opts.QueueSize),
		done:    make(chan struct{}),
	}

	if opts.Debug {
		close(s.done)
	} else {
		go s.run()
	}
	return s
}

// Send prepares the POST for body and queues it without blocking.
// Delivery failures are never reported to the caller.
func (s *Sender) Send(body []byte) *Request {
	req := &Request{
		Method:      http.MethodPost,
		URL:         s.opts.Endpoint,
		ContentType: ContentType,
		Data:        json.RawMessage(body),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.Debug {
		if len(s.inspected) >= s.opts.InspectLimit {
			s.inspected = slices.Delete(s.inspected, 0, len(s.inspected)-s.opts.InspectLimit+1)
		}
		s.inspected = append(s.inspected, req)
		s.metrics.Inspected()
		return req
	}

	if s.closed {
		s.metrics.Dropped()
		s.logger.Debug("Sender closed, dropping envelope", "bytes", len(body))
		return req
	}

	select {
	case s.queue <- req:
	default:
		s.metrics.Dropped()
		s.logger.Debug("Envelope queue full, dropping envelope", "bytes", len(body))
	}
	return req
}

// Inspected returns the most recent requests held back in debug mode
func (s *Sender) Inspected() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.inspected))
	copy(out, s.inspected)
	return out
}

// Close stops accepting envelopes and waits for queued ones to be posted
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run posts queued envelopes one at a time
func (s *Sender) run() {
	defer close(s.done)
	for req := range s.queue {
		if err := s.post(req); err != nil {
			s.metrics.Failed()
			s.logger.Debug("Failed to deliver envelope", "url", req.URL, "error", err)
			continue
		}
		s.metrics.Sent()
	}
}

func (s *Sender) post(req *Request) error {
	ctx, cancel := context.WithTimeout(Untraced(context.Background()), s.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", req.ContentType)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collector responded %s", resp.Status)
	}
	return nil
}
