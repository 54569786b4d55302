// Package aggregator coalesces the responses of a fan-out request into a
// single client response.
//
// Responses for one fan-out request arrive from different backend exchanges
// concurrently. Each Aggregation finalizes at most once: when the expected
// number of responses has arrived or when its deadline fires, whichever comes
// first. Responses arriving after that are dropped.
package aggregator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"

	"ahc-proxy-go/internal/config"
	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/model"
)

// Finalize reasons.
const (
	ReasonComplete = "complete"
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)

// ServerName identifies coalesced responses in X-Proxy-Server.
const ServerName = "ahc-proxy-cluster"

const defaultTimeout = 10 * time.Second

// DeliverFunc receives the coalesced response. It is called at most once per
// aggregation, outside of any aggregator lock.
type DeliverFunc func(resp *model.ProxyResponse)

// Entry is one backend response as it appears in the coalesced body.
type Entry struct {
	Source     string            `json:"source"`
	Timestamp  int64             `json:"timestamp"`
	StatusCode int               `json:"status_code"`
	StatusText string            `json:"status_text"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Result is the coalesced response body.
type Result struct {
	RequestID      string  `json:"request_id"`
	TotalResponses int     `json:"total_responses"`
	Responses      []Entry `json:"responses"`
}

// Option customizes a Registry.
type Option func(*Registry)

// WithTimeout overrides the aggregation deadline.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithClock overrides the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry tracks in-flight aggregations by request id. Entries are removed
// on finalize, so its size equals the number of in-flight fan-out requests.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Aggregation

	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a Registry using the [cluster] deadline.
// The metrics parameter is optional.
func NewRegistry(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Aggregation),
		timeout: cfg.Cluster.Timeout(),
		now:     time.Now,
		logger:  logger.With("component", "aggregator"),
		metrics: m,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	return r
}

// Begin registers a new aggregation expecting the given number of responses
// and starts its deadline.
func (r *Registry) Begin(expected int, deliver DeliverFunc) *Aggregation {
	a := &Aggregation{
		id:       uuid.NewRandom().String(),
		expected: expected,
		deliver:  deliver,
		registry: r,
	}

	r.mu.Lock()
	r.entries[a.id] = a
	r.mu.Unlock()
	if r.metrics != nil {
		r.metrics.AggregationsInFlight.Inc()
	}

	// The timer is armed under the aggregation lock so a finalize racing with
	// Begin always sees it.
	a.mu.Lock()
	a.timer = time.AfterFunc(r.timeout, func() { a.finalize(ReasonTimeout) })
	a.mu.Unlock()

	r.logger.Debug("aggregation started", "request_id", a.id, "expected", expected)
	if expected <= 0 {
		a.finalize(ReasonComplete)
	}
	return a
}

// Add routes a response to the aggregation with the given id. It reports
// false when the id is unknown, including when it was already finalized.
func (r *Registry) Add(requestID string, resp *model.ProxyResponse, source string) bool {
	a, ok := r.Get(requestID)
	if !ok {
		r.logger.Debug("response for unknown aggregation dropped", "request_id", requestID, "source", source)
		return false
	}
	return a.Add(resp, source)
}

// Get returns the in-flight aggregation with the given id.
func (r *Registry) Get(requestID string) (*Aggregation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.entries[requestID]
	return a, ok
}

// InFlight returns the number of aggregations not yet finalized.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close finalizes every in-flight aggregation with whatever it has received.
func (r *Registry) Close() {
	r.mu.Lock()
	pending := make([]*Aggregation, 0, len(r.entries))
	for _, a := range r.entries {
		pending = append(pending, a)
	}
	r.mu.Unlock()

	for _, a := range pending {
		a.finalize(ReasonShutdown)
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Aggregation is the state of one fan-out request.
type Aggregation struct {
	id       string
	expected int
	deliver  DeliverFunc
	registry *Registry

	mu      sync.Mutex
	entries []Entry
	sent    bool
	timer   *time.Timer
}

// ID returns the generated request id.
func (a *Aggregation) ID() string {
	return a.id
}

// Add records a response from source. The body is captured immediately.
// Reaching the expected count finalizes the aggregation. Add reports false
// when the response was dropped because the aggregation already finalized.
func (a *Aggregation) Add(resp *model.ProxyResponse, source string) bool {
	a.mu.Lock()
	if a.sent {
		a.mu.Unlock()
		a.registry.logger.Debug("late response dropped", "request_id", a.id, "source", source)
		return false
	}
	a.entries = append(a.entries, a.registry.entry(resp, source))
	received := len(a.entries)
	a.mu.Unlock()

	a.registry.logger.Debug("aggregation response received",
		"request_id", a.id,
		"source", source,
		"received", received,
		"expected", a.expected,
	)
	if received >= a.expected {
		a.finalize(ReasonComplete)
	}
	return true
}

// Sent reports whether the coalesced response has been emitted.
func (a *Aggregation) Sent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent
}

// finalize emits the coalesced response once. The sent flag is checked and
// set under a.mu, so concurrent Add calls and the timer cannot both deliver.
func (a *Aggregation) finalize(reason string) {
	a.mu.Lock()
	if a.sent {
		a.mu.Unlock()
		return
	}
	a.sent = true
	if a.timer != nil {
		a.timer.Stop()
	}
	entries := a.entries
	a.entries = nil
	a.mu.Unlock()

	r := a.registry
	r.remove(a.id)
	if r.metrics != nil {
		r.metrics.AggregationsInFlight.Dec()
		r.metrics.AggregationsFinalized.WithLabelValues(reason).Inc()
	}

	if reason != ReasonComplete {
		r.logger.Warn("aggregation finalized with partial responses",
			"request_id", a.id,
			"reason", reason,
			"received", len(entries),
			"expected", a.expected,
		)
	} else {
		r.logger.Info("aggregation finalized", "request_id", a.id, "responses", len(entries))
	}

	a.deliver(Coalesce(a.id, entries))
}

func (r *Registry) entry(resp *model.ProxyResponse, source string) Entry {
	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[k] = strings.Join(v, ", ")
	}
	return Entry{
		Source:     source,
		Timestamp:  r.now().UnixMilli(),
		StatusCode: resp.StatusCode,
		StatusText: resp.StatusText(),
		Headers:    headers,
		Body:       string(resp.Body),
	}
}

// Coalesce builds the combined client response for entries.
func Coalesce(requestID string, entries []Entry) *model.ProxyResponse {
	if entries == nil {
		entries = []Entry{}
	}
	body, err := json.MarshalIndent(Result{
		RequestID:      requestID,
		TotalResponses: len(entries),
		Responses:      entries,
	}, "", "  ")
	if err != nil {
		return errorResponse(fmt.Errorf("failed to aggregate responses: %w", err))
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Proxy-Server", ServerName)
	h.Set("X-Response-Count", strconv.Itoa(len(entries)))
	return &model.ProxyResponse{StatusCode: http.StatusOK, Header: h, Body: body}
}

func errorResponse(err error) *model.ProxyResponse {
	body, _ := json.Marshal(map[string]string{
		"error":   "Cluster Response Error",
		"message": err.Error(),
	})
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &model.ProxyResponse{StatusCode: http.StatusInternalServerError, Header: h, Body: body}
}
