// Package metrics holds the process-wide Prometheus instrumentation for the
// front end, the communicator and the flow engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Communicator byte counters.
	ReceivedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_comms_received_bytes_total",
		Help: "Total decrypted payload bytes received from agents",
	})
	SentBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_comms_sent_bytes_total",
		Help: "Total payload bytes sent to agents before encryption",
	})

	// Front-end poll handling.
	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_frontend_polls_total",
		Help: "Agent polls by outcome",
	}, []string{"outcome"}) // ok, enrollment, decrypt_error, rejected

	DecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_frontend_decrypt_failures_total",
		Help: "Bundles dropped due to HMAC or decryption failure",
	})

	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_frontend_malformed_messages_total",
		Help: "Wire messages dropped as malformed",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_frontend_messages_received_total",
		Help: "Messages received from agents by type",
	}, []string{"type"}) // message, status, iterator

	ClientCrashes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_frontend_client_crashes_total",
		Help: "CLIENT_KILLED statuses received",
	})

	// Flow engine.
	FlowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_flow_processed_total",
		Help: "Flow processing passes by result",
	}, []string{"result"}) // advanced, finished, error, crashed, lease_conflict

	FlowProcessingSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_flow_processing_seconds",
		Help:    "Wall time of one flow processing pass",
		Buckets: prometheus.DefBuckets,
	})

	RetransmissionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_flow_retransmissions_dropped_total",
		Help: "Outbound messages dropped after exceeding the retransmission limit",
	})

	// Hunts.
	HuntDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_hunt_dispatches_total",
		Help: "Hunt child flow dispatches by outcome",
	}, []string{"outcome"}) // started, throttled, limit_reached

	HuntsStopped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_hunts_stopped_total",
		Help: "Hunts stopped by ceiling breaches",
	}, []string{"ceiling"}) // crash, cpu, network, results

	// Approvals.
	ApprovalChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_approval_checks_total",
		Help: "Approval predicate evaluations by outcome",
	}, []string{"outcome"}) // granted, denied, cached
)
