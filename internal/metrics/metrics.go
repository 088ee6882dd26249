// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesDownloaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_downloaded_total",
			Help: "Messages whose full body was fetched and stored.",
		},
		[]string{
			"provider", // gmail, generic
		},
	)
	FolderMetaOnly = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_foldermeta_only_total",
			Help: "Uids joined to an already stored message without downloading it.",
		},
	)
	UIDsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_uids_deleted_total",
			Help: "Local uid rows removed because the message disappeared remotely.",
		},
	)
	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_decode_errors_total",
			Help: "Messages skipped or stored raw because MIME decoding failed.",
		},
	)
	FolderIteration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_folder_iteration_duration_seconds",
			Help:    "Duration of one folder sync state machine step.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{
			"state", // initial, poll, initial-invalid, poll-invalid
		},
	)
	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_claims_total",
			Help: "Scheduler claim attempts by outcome.",
		},
		[]string{
			"result", // claimed, empty, lost
		},
	)
	ActiveAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_active_accounts",
			Help: "Account monitors running in this process.",
		},
	)
	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_syncback_actions_total",
			Help: "Syncback action attempts by action name and outcome.",
		},
		[]string{
			"action",
			"result", // successful, retry, failed
		},
	)
	IMAPConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_imap_connections_total",
			Help: "IMAP connection attempts by outcome.",
		},
		[]string{
			"result", // ok, error, auth_error, breaker_open
		},
	)
)
