package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Conversation metrics
	activeConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_gateway_active_conversations",
		Help: "Number of open conversations",
	})

	totalConversations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_gateway_conversations_total",
		Help: "Total number of conversations opened",
	})

	conversationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_conversation_duration_seconds",
		Help:    "Time from opening to closing a conversation",
		Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600},
	})

	turnsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_turns_total",
		Help: "Total number of conversation turns appended",
	}, []string{"role"})

	// Backend metrics
	backendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_backend_requests_total",
		Help: "Total number of backend requests",
	}, []string{"endpoint", "status"})

	backendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chat_gateway_backend_latency_seconds",
		Help:    "Backend request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"endpoint"})

	// Pipeline metrics
	pollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_poll_ticks_total",
		Help: "Total number of pipeline status polls",
	}, []string{"outcome"}) // outcome: "progress", "completed", "error", "timeout"

	pipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_gateway_pipeline_duration_seconds",
		Help:    "Wall clock time from pipeline start to a terminal poll",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_gateway_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single conversation
type Metrics struct {
	startTime     time.Time
	pipelineStart time.Time
	mu            sync.Mutex
}

// NewConversationMetrics creates a new metrics tracker for a conversation
func NewConversationMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordConversationStart records the opening of a conversation
func (m *Metrics) RecordConversationStart() {
	activeConversations.Inc()
	totalConversations.Inc()
}

// RecordConversationEnd records the teardown of a conversation and returns
// how long it was open
func (m *Metrics) RecordConversationEnd() time.Duration {
	activeConversations.Dec()
	d := time.Since(m.startTime)
	conversationDuration.Observe(d.Seconds())
	return d
}

// RecordTurn records an appended turn
func (m *Metrics) RecordTurn(role string) {
	turnsAppended.WithLabelValues(role).Inc()
}

// RecordPipelineStart marks the start of an asynchronous pipeline
func (m *Metrics) RecordPipelineStart() {
	m.mu.Lock()
	m.pipelineStart = time.Now()
	m.mu.Unlock()
}

// RecordPoll records a single status poll and, for terminal outcomes, the
// pipeline duration
func (m *Metrics) RecordPoll(outcome string) {
	pollTicks.WithLabelValues(outcome).Inc()
	if outcome == "progress" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pipelineStart.IsZero() {
		pipelineDuration.Observe(time.Since(m.pipelineStart).Seconds())
		m.pipelineStart = time.Time{}
	}
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordBackendRequest records a finished backend request
func RecordBackendRequest(endpoint string, success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	backendRequests.WithLabelValues(endpoint, status).Inc()
	backendLatency.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
