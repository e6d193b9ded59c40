package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Protocol metrics (agent side)
	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_envelopes_sent_total",
			Help: "Envelopes submitted to the relay",
		},
		[]string{"type"},
	)

	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_envelopes_received_total",
			Help: "Envelopes consumed from the relay",
		},
		[]string{"type"},
	)

	EnvelopesRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pact_envelopes_rejected_total",
			Help: "Envelopes discarded for failed signature verification",
		},
	)

	NegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_negotiations_total",
			Help: "Terminal negotiation outcomes",
		},
		[]string{"role", "outcome"}, // outcome: settled, failed, expired, rejected
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_settlements_total",
			Help: "Escrow resolutions",
		},
		[]string{"mode", "status"},
	)

	DepositWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pact_deposit_wait_seconds",
			Help:    "Time spent waiting for deposit confirmation",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	PaidStepSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pact_paid_step_seconds",
			Help:    "Paid step execution time",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	GovernorWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pact_governor_wait_seconds",
			Help:    "Time spent blocked on the rate limiter and semaphore",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 15, 60},
		},
	)

	RatingsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_ratings_received_total",
			Help: "RATING envelopes received after settlement",
		},
		[]string{"score"},
	)

	// HTTP metrics (relay dev server)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pact_relay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	AgentsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pact_relay_agents_registered_total",
			Help: "Total agents registered",
		},
	)

	MessagesStored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_relay_messages_stored_total",
			Help: "Envelopes accepted into the mailbox",
		},
		[]string{"type"},
	)

	EscrowHolds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pact_relay_escrow_holds_total",
			Help: "Ledger escrow holds created",
		},
	)

	EscrowResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_relay_escrow_resolutions_total",
			Help: "Ledger escrow resolutions",
		},
		[]string{"resolution"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pact_relay_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
