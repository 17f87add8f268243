package atlas

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Flow events counted by a MetricsRecorder.
const (
	EventLoginRedirect          = "login.redirect"
	EventLoginAlreadyAuthed     = "login.already_authenticated"
	EventLoginRedirectRejected  = "login.redirect_to_rejected"
	EventCallbackSuccess        = "callback.success"
	EventCallbackState          = "callback.rejected.state"
	EventCallbackExchange       = "callback.rejected.exchange"
	EventCallbackProfile        = "callback.rejected.profile"
	EventCallbackSync           = "callback.rejected.sync"
	EventCallbackBlocked        = "callback.rejected.blocked"
	EventCallbackSession        = "callback.rejected.session"
	EventCallbackIntendedDenied = "callback.intended_rejected"
	EventLogout                 = "logout.success"
	EventLogoutForgery          = "logout.csrf_rejected"
)

// MetricsRecorder increments counters for flow events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports flow events as atlas_auth_events_total{event}.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the event counter with registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atlas",
		Name:      "auth_events_total",
		Help:      "Login, callback, and logout outcomes.",
	}, []string{"event"})
	if err := registerer.Register(events); err != nil {
		return nil, fmt.Errorf("metrics.register: %w", err)
	}
	return &PrometheusMetrics{events: events}, nil
}

func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}
