package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = false

	// SIP metrics
	SIPRequestsTotal  *prometheus.CounterVec
	SIPResponsesTotal *prometheus.CounterVec
	SIPRateLimited    prometheus.Counter
	CallsTotal        *prometheus.CounterVec
	CallDuration      prometheus.Histogram

	// RTP metrics
	RTPPackets        *prometheus.CounterVec
	RTPBytes          *prometheus.CounterVec
	RTPDroppedPackets *prometheus.CounterVec
	RTPSendLateness   prometheus.Histogram
	QueueDroppedFrame *prometheus.CounterVec

	// Resource metrics
	PortsInUse  prometheus.Gauge
	ActiveCalls prometheus.Gauge

	// STT metrics
	STTSessions      *prometheus.CounterVec
	STTFlushes       prometheus.Counter
	STTConnectErrors prometheus.Counter

	// Realtime AI metrics
	AIEvents     *prometheus.CounterVec
	AIToolCalls  *prometheus.CounterVec
	AIReconnects prometheus.Counter

	// Backend metrics
	BackendLatency *prometheus.HistogramVec

	// AMQP metrics
	AMQPPublishedMessages *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus
func Init(logger *logrus.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		SIPRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_sip_requests_total",
				Help: "Total number of SIP requests handled",
			},
			[]string{"method", "status"},
		)

		SIPResponsesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_sip_responses_total",
				Help: "Total number of SIP responses sent",
			},
			[]string{"code"},
		)

		SIPRateLimited = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voice_gateway_sip_rate_limited_total",
				Help: "INVITEs rejected by the per-source admission limiter",
			},
		)

		CallsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_calls_total",
				Help: "Calls by setup outcome",
			},
			[]string{"outcome"},
		)

		CallDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_gateway_call_duration_seconds",
				Help:    "Duration of completed calls",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
		)

		RTPPackets = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_rtp_packets_total",
				Help: "RTP packets by direction",
			},
			[]string{"direction"},
		)

		RTPBytes = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_rtp_bytes_total",
				Help: "RTP payload bytes by direction",
			},
			[]string{"direction"},
		)

		RTPDroppedPackets = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_rtp_dropped_packets_total",
				Help: "Inbound RTP packets dropped",
			},
			[]string{"reason"},
		)

		RTPSendLateness = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voice_gateway_rtp_send_lateness_seconds",
				Help:    "How late each outbound RTP packet left relative to its schedule",
				Buckets: []float64{0.0005, 0.001, 0.002, 0.005, 0.01, 0.02, 0.05},
			},
		)

		QueueDroppedFrame = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_outbound_frames_dropped_total",
				Help: "Outbound audio frames discarded",
			},
			[]string{"reason"},
		)

		PortsInUse = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voice_gateway_rtp_ports_in_use",
				Help: "RTP ports currently allocated",
			},
		)

		ActiveCalls = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voice_gateway_active_calls",
				Help: "Calls currently registered",
			},
		)

		STTSessions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_stt_sessions_total",
				Help: "STT sessions by outcome",
			},
			[]string{"status"},
		)

		STTFlushes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voice_gateway_stt_flushes_total",
				Help: "Utterances forwarded to the AI session",
			},
		)

		STTConnectErrors = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voice_gateway_stt_connect_errors_total",
				Help: "Failed STT connection attempts",
			},
		)

		AIEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_ai_events_total",
				Help: "Realtime AI server events by type",
			},
			[]string{"type"},
		)

		AIToolCalls = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_ai_tool_calls_total",
				Help: "Tool calls dispatched for the AI session",
			},
			[]string{"tool", "status"},
		)

		AIReconnects = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "voice_gateway_ai_reconnects_total",
				Help: "Realtime AI session reconnect attempts",
			},
		)

		BackendLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "voice_gateway_backend_request_seconds",
				Help:    "Backend HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint", "status"},
		)

		AMQPPublishedMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voice_gateway_amqp_published_messages_total",
				Help: "Call events published to AMQP",
			},
			[]string{"event", "status"},
		)

		registry.MustRegister(
			SIPRequestsTotal,
			SIPResponsesTotal,
			SIPRateLimited,
			CallsTotal,
			CallDuration,

			RTPPackets,
			RTPBytes,
			RTPDroppedPackets,
			RTPSendLateness,
			QueueDroppedFrame,

			PortsInUse,
			ActiveCalls,

			STTSessions,
			STTFlushes,
			STTConnectErrors,

			AIEvents,
			AIToolCalls,
			AIReconnects,

			BackendLatency,

			AMQPPublishedMessages,
		)

		logger.Info("Prometheus metrics initialized")
	})
}

// GetRegistry returns the prometheus registry
func GetRegistry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables or disables metrics collection. Enabling initializes the collectors.
func EnableMetrics(logger *logrus.Logger, enabled bool) {
	if enabled {
		Init(logger)
	}
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler
func RegisterHandler(mux *http.ServeMux) {
	if !metricsEnabled {
		return
	}
	handler := promhttp.HandlerFor(
		registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			Registry:          registry,
		},
	)
	mux.Handle(defaultMetricsPath, handler)
}

// RecordSIPRequest records a handled SIP request and the response code sent for it
func RecordSIPRequest(method string, code int) {
	if !metricsEnabled {
		return
	}
	status := "ok"
	if code >= 300 {
		status = "error"
	}
	SIPRequestsTotal.WithLabelValues(method, status).Inc()
	if code > 0 {
		SIPResponsesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}
}

// RecordSIPRateLimited records an INVITE rejected by admission limiting
func RecordSIPRateLimited() {
	if metricsEnabled {
		SIPRateLimited.Inc()
	}
}

// RecordCallOutcome records the result of a call setup attempt
func RecordCallOutcome(outcome string) {
	if metricsEnabled {
		CallsTotal.WithLabelValues(outcome).Inc()
	}
}

// ObserveCallDuration records the lifetime of a closed call
func ObserveCallDuration(d time.Duration) {
	if metricsEnabled {
		CallDuration.Observe(d.Seconds())
	}
}

// RecordRTPPacket records an RTP packet in the given direction ("in" or "out")
func RecordRTPPacket(direction string, bytes int) {
	if metricsEnabled {
		RTPPackets.WithLabelValues(direction).Inc()
		RTPBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordRTPDroppedPackets records dropped inbound packets
func RecordRTPDroppedPackets(reason string, count float64) {
	if metricsEnabled {
		RTPDroppedPackets.WithLabelValues(reason).Add(count)
	}
}

// ObserveSendLateness records how far behind schedule a packet was sent
func ObserveSendLateness(d time.Duration) {
	if metricsEnabled && d > 0 {
		RTPSendLateness.Observe(d.Seconds())
	}
}

// RecordQueueDrops records outbound frames dropped by overflow or drain
func RecordQueueDrops(reason string, count int) {
	if metricsEnabled && count > 0 {
		QueueDroppedFrame.WithLabelValues(reason).Add(float64(count))
	}
}

// SetPortsInUse updates the allocated port gauge
func SetPortsInUse(n int) {
	if metricsEnabled {
		PortsInUse.Set(float64(n))
	}
}

// SetActiveCalls updates the active call gauge
func SetActiveCalls(n int) {
	if metricsEnabled {
		ActiveCalls.Set(float64(n))
	}
}

// RecordSTTSession records an STT session outcome
func RecordSTTSession(status string) {
	if metricsEnabled {
		STTSessions.WithLabelValues(status).Inc()
	}
}

// RecordSTTFlush records an utterance flushed to the AI session
func RecordSTTFlush() {
	if metricsEnabled {
		STTFlushes.Inc()
	}
}

// RecordSTTConnectError records a failed STT dial
func RecordSTTConnectError() {
	if metricsEnabled {
		STTConnectErrors.Inc()
	}
}

// RecordAIEvent records a realtime server event
func RecordAIEvent(eventType string) {
	if metricsEnabled {
		AIEvents.WithLabelValues(eventType).Inc()
	}
}

// RecordToolCall records a dispatched tool call
func RecordToolCall(tool string, success bool) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	AIToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordAIReconnect records a realtime reconnect attempt
func RecordAIReconnect() {
	if metricsEnabled {
		AIReconnects.Inc()
	}
}

// ObserveBackendLatency returns a function recording the request duration with its final status
func ObserveBackendLatency(endpoint string) func(status int) {
	start := time.Now()
	return func(status int) {
		if metricsEnabled {
			BackendLatency.WithLabelValues(endpoint, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		}
	}
}

// RecordAMQPPublish records an AMQP publish attempt
func RecordAMQPPublish(event, status string) {
	if metricsEnabled {
		AMQPPublishedMessages.WithLabelValues(event, status).Inc()
	}
}
