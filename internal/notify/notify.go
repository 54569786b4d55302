// Package notify reports forwarding activity to an external sink.
package notify

import (
	"log/slog"

	"ahc-proxy-go/internal/metrics"
	"ahc-proxy-go/internal/model"
)

// Event kinds, also used as metric labels.
const (
	KindForwarded = "request_forwarded"
	KindResponse  = "response_received"
	KindError     = "forward_error"
)

// Sink receives forwarding events. Implementations must be safe for
// concurrent use; events are reported from backend exchange goroutines.
type Sink interface {
	RequestForwarded(source string, target model.BackendTarget)
	ResponseReceived(source string, target model.BackendTarget, statusCode int)
	// ForwardError is reported with a zero target when routing failed
	// before a destination was known.
	ForwardError(source string, target model.BackendTarget, err error)
}

// LogSink writes events as structured log records and counts them.
type LogSink struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewLogSink creates a LogSink. The metrics parameter is optional.
func NewLogSink(logger *slog.Logger, m *metrics.Metrics) *LogSink {
	return &LogSink{
		logger:  logger.With("component", "notify"),
		metrics: m,
	}
}

func (s *LogSink) RequestForwarded(source string, target model.BackendTarget) {
	s.count(KindForwarded)
	s.logger.Info("request forwarded",
		"source", source,
		"destination", target.String(),
		"protocol", orUnknown(target.Metadata(model.MetaProtocol)),
	)
}

func (s *LogSink) ResponseReceived(source string, target model.BackendTarget, statusCode int) {
	s.count(KindResponse)
	s.logger.Info("response received",
		"source", source,
		"destination", addr(target),
		"status", statusCode,
	)
}

func (s *LogSink) ForwardError(source string, target model.BackendTarget, err error) {
	s.count(KindError)
	s.logger.Error("forward error",
		"source", source,
		"destination", addr(target),
		"error", err,
	)
}

func (s *LogSink) count(kind string) {
	if s.metrics != nil {
		s.metrics.Notifications.WithLabelValues(kind).Inc()
	}
}

func addr(t model.BackendTarget) string {
	if t.Host() == "" {
		return "unknown"
	}
	return t.Addr()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Discard drops every event.
type Discard struct{}

func (Discard) RequestForwarded(string, model.BackendTarget)      {}
func (Discard) ResponseReceived(string, model.BackendTarget, int) {}
func (Discard) ForwardError(string, model.BackendTarget, error)   {}
