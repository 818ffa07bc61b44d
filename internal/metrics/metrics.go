// Package metrics provides Prometheus metrics for the mailbarrel daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTPConnectionsTotal counts total accepted SMTP connections.
	SMTPConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total number of accepted SMTP connections",
		},
	)

	// SMTPConnectionsActive tracks currently open SMTP connections.
	SMTPConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailbarrel",
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "Current number of open SMTP connections",
		},
	)

	// SMTPMessagesReceived counts messages that completed DATA successfully.
	SMTPMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "smtp",
			Name:      "messages_received_total",
			Help:      "Total number of messages accepted over SMTP",
		},
	)

	// SMTPCommandErrors counts protocol-level error replies by reply code.
	SMTPCommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "smtp",
			Name:      "command_errors_total",
			Help:      "Total number of SMTP error replies by code",
		},
		[]string{"code"},
	)
)

var (
	// StoreBytesWritten counts bytes written to the message store.
	StoreBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "store",
			Name:      "bytes_written_total",
			Help:      "Total number of message bytes written to the store",
		},
	)

	// StoreWriteFailures counts failed store writes.
	StoreWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "store",
			Name:      "write_failures_total",
			Help:      "Total number of failed message store writes",
		},
	)

	// StoreMessagesDeleted counts messages removed from the store.
	StoreMessagesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "store",
			Name:      "messages_deleted_total",
			Help:      "Total number of messages deleted from the store",
		},
	)
)

var (
	// RuleDispatchesTotal counts rule dispatches by rule type and outcome.
	RuleDispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "rules",
			Name:      "dispatches_total",
			Help:      "Total number of rule dispatches by rule type and outcome",
		},
		[]string{"rule_type", "outcome"},
	)

	// TaskQueueDepth tracks the background task runner queue depth.
	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mailbarrel",
			Subsystem: "rules",
			Name:      "task_queue_depth",
			Help:      "Current number of queued background tasks",
		},
	)

	// TasksDropped counts tasks rejected because the queue was full.
	TasksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mailbarrel",
			Subsystem: "rules",
			Name:      "tasks_dropped_total",
			Help:      "Total number of background tasks dropped on a full queue",
		},
	)
)
