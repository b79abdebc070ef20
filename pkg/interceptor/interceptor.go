// Package interceptor observes outbound exchanges and turns each completed one
// into an envelope for the collector.
package interceptor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/httpseal/alfseal/pkg/har"
	"github.com/httpseal/alfseal/pkg/logger"
	"github.com/httpseal/alfseal/pkg/metrics"
	"github.com/httpseal/alfseal/pkg/transport"
)

// RequestInfo is what the host reports when a request is about to be sent
type RequestInfo struct {
	Method  string
	URL     string
	Headers map[string]string
	// Data is the request payload as the host has it (string or structured)
	Data any
	// EventTime is when the host fired the send event; zero means now
	EventTime time.Time
}

// ResponseInfo is what the host reports once the exchange has completed
type ResponseInfo struct {
	StatusCode int
	StatusText string
	// Headers wins over RawHeaders when both are set
	Headers    map[string]string
	RawHeaders string
	Body       string
	// BodySize overrides the size computed from Body when set
	BodySize *int
	// EventTime is when the completion event fired; zero means now
	EventTime time.Time
}

// Hooks is the lifecycle interface a host HTTP abstraction calls into
type Hooks interface {
	OnRequestStart(id string, req RequestInfo)
	OnRequestComplete(id string, resp ResponseInfo)
}

// EnvelopeFunc observes every envelope handed to the sender together with
// the prepared collector request
type EnvelopeFunc func(id string, env *har.Envelope, req *transport.Request)

// Options configures an Interceptor
type Options struct {
	ServiceToken string
	Creator      har.Creator
	Builder      *har.Builder
	Sender       har.Sender
	// OnEnvelope is optional
	OnEnvelope EnvelopeFunc
}

// Interceptor tracks pending exchanges and ships one envelope per completed
// exchange
type Interceptor struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*har.Exchange
}

// New creates an interceptor
func New(opts Options, log *slog.Logger, m *metrics.Metrics) *Interceptor {
	return &Interceptor{
		opts:    opts,
		logger:  logger.OrNop(log),
		metrics: m,
		now:     time.Now,
		pending: make(map[string]*har.Exchange),
	}
}

// OnRequestStart records the start of exchange id
func (i *Interceptor) OnRequestStart(id string, req RequestInfo) {
	start := i.now()
	eventTime := req.EventTime
	if eventTime.IsZero() {
		eventTime = start
	}

	x := &har.Exchange{
		ID:             id,
		Method:         req.Method,
		URL:            req.URL,
		RequestHeaders: req.Headers,
		RequestData:    req.Data,
		SendEventTime:  eventTime,
		Start:          start,
	}

	i.mu.Lock()
	i.pending[id] = x
	i.mu.Unlock()
}

// OnRequestComplete finishes exchange id, builds its entry and ships it.
// Completions for unknown ids are ignored.
func (i *Interceptor) OnRequestComplete(id string, resp ResponseInfo) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Debug("Recovered while capturing exchange", "id", id, "panic", r)
		}
	}()

	i.mu.Lock()
	x, ok := i.pending[id]
	delete(i.pending, id)
	i.mu.Unlock()

	if !ok {
		i.logger.Debug("Completion for unknown exchange", "id", id)
		return
	}

	x.End = resp.EventTime
	if x.End.IsZero() {
		x.End = i.now()
	}
	x.StatusCode = resp.StatusCode
	x.StatusText = resp.StatusText
	x.ResponseHeaders = resp.Headers
	x.RawResponseHeaders = resp.RawHeaders
	x.ResponseBody = resp.Body
	x.ResponseBodySize = resp.BodySize

	env := har.NewEnvelope(i.opts.ServiceToken, i.opts.Creator)
	env.AddEntry(i.opts.Builder.Build(x))
	i.metrics.Captured()

	req := env.Send(i.opts.Sender)
	if req == nil {
		i.logger.Debug("Dropped envelope that could not be serialized", "id", id)
		return
	}
	if i.opts.OnEnvelope != nil {
		i.opts.OnEnvelope(id, env, req)
	}
}

// Forget drops a pending exchange that will never complete
func (i *Interceptor) Forget(id string) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()
}

// Pending returns the number of exchanges started but not completed
func (i *Interceptor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}
