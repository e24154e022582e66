package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/issdandavis/spiralverse-protocol/fleet/event"
)

// =============================================================================
// Collector
// =============================================================================

// Collector holds the fleet's Prometheus metrics.
type Collector struct {
	// Task metrics
	taskEvents          *prometheus.CounterVec
	taskFailures        *prometheus.CounterVec
	assignments         *prometheus.CounterVec
	assignmentCandidate prometheus.Histogram

	// Governance metrics
	sessions *prometheus.CounterVec
	votes    *prometheus.CounterVec

	// Agent metrics
	agentTransitions *prometheus.CounterVec
	securityAlerts   prometheus.Counter

	// Swarm metrics
	swarmMeanNu    *prometheus.GaugeVec
	swarmCoherence *prometheus.GaugeVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Journal metrics
	journalWrites        *prometheus.CounterVec
	journalWriteDuration prometheus.Histogram

	logger *zap.Logger
}

// NewCollector registers the fleet metrics under namespace on reg. A nil
// reg uses the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Task metrics
	c.taskEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle transitions by event type",
		},
		[]string{"type"},
	)

	c.taskFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Terminal task failures by reason code",
		},
		[]string{"reason"},
	)

	c.assignments = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Assignment attempts by outcome",
		},
		[]string{"outcome"},
	)

	c.assignmentCandidate = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assignment_candidates",
			Help:      "Eligible candidates per assignment attempt",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	// Governance metrics
	c.sessions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Roundtable sessions by lifecycle event",
		},
		[]string{"status"},
	)

	c.votes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Accepted roundtable votes by choice",
		},
		[]string{"choice"},
	)

	// Agent metrics
	c.agentTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_events_total",
			Help:      "Agent lifecycle events by type",
		},
		[]string{"type"},
	)

	c.securityAlerts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alerts_total",
			Help:      "Security alerts raised for critical trust",
		},
	)

	// Swarm metrics
	c.swarmMeanNu = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swarm_mean_nu",
			Help:      "Mean flux of the swarm after its last sync or step",
		},
		[]string{"swarm"},
	)

	c.swarmCoherence = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "swarm_coherence",
			Help:      "Aggregate coherence of the swarm after its last sync or step",
		},
		[]string{"swarm"},
	)

	// HTTP metrics
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Journal metrics
	c.journalWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_writes_total",
			Help:      "Audit journal writes by result",
		},
		[]string{"result"},
	)

	c.journalWriteDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "journal_write_duration_seconds",
			Help:      "Audit journal write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// Event stream
// =============================================================================

// Handle records one fleet event. It has the event.Handler signature so
// the collector can subscribe to the bus directly.
func (c *Collector) Handle(e event.Event) error {
	switch e.Type {
	case event.TaskCreated, event.TaskStarted, event.TaskCompleted, event.TaskRetrying,
		event.TaskCancelled, event.TaskApproved, event.TaskRemoved:
		c.taskEvents.WithLabelValues(string(e.Type)).Inc()

	case event.TaskFailed:
		c.taskEvents.WithLabelValues(string(e.Type)).Inc()
		c.taskFailures.WithLabelValues(reasonLabel(e)).Inc()

	case event.TaskAssigned:
		c.assignments.WithLabelValues("assigned").Inc()
		c.observeCandidates(e)

	case event.TaskIneligible:
		c.assignments.WithLabelValues("ineligible").Inc()
		c.observeCandidates(e)

	case event.TaskAwaitingApproval:
		c.assignments.WithLabelValues("awaiting_approval").Inc()

	case event.SessionCreated, event.SessionApproved, event.SessionRejected, event.SessionExpired, event.SessionPurged:
		c.sessions.WithLabelValues(string(e.Type)).Inc()

	case event.SessionVoteCast:
		if choice, ok := e.Data["choice"].(string); ok {
			c.votes.WithLabelValues(choice).Inc()
		}

	case event.AgentRegistered, event.AgentStatusChanged, event.AgentQuarantined,
		event.AgentReinstated, event.AgentRemoved:
		c.agentTransitions.WithLabelValues(string(e.Type)).Inc()

	case event.SecurityAlert:
		c.securityAlerts.Inc()

	case event.SwarmSynced, event.SwarmStepped:
		if v, ok := number(e.Data["mean_nu"]); ok {
			c.swarmMeanNu.WithLabelValues(e.Subject).Set(v)
		}
		if v, ok := number(e.Data["coherence"]); ok {
			c.swarmCoherence.WithLabelValues(e.Subject).Set(v)
		}
	}
	return nil
}

func (c *Collector) observeCandidates(e event.Event) {
	if v, ok := number(e.Data["candidates"]); ok {
		c.assignmentCandidate.Observe(v)
	}
}

// =============================================================================
// Direct recording
// =============================================================================

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJournalWrite records one audit journal write.
func (c *Collector) RecordJournalWrite(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.journalWrites.WithLabelValues(result).Inc()
	c.journalWriteDuration.Observe(duration.Seconds())
}

// =============================================================================
// Helpers
// =============================================================================

// statusCode buckets an HTTP status code.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func reasonLabel(e event.Event) string {
	if e.Reason == "" {
		return "unknown"
	}
	return string(e.Reason)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
