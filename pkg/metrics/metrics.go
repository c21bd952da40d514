// Package metrics exposes Prometheus collectors for transport and recorder
// diagnostics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpstreamRequests counts outbound requests by destination host and outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamrelay",
		Subsystem: "transport",
		Name:      "upstream_requests_total",
		Help:      "Outbound upstream requests by host and outcome.",
	}, []string{"host", "outcome"})

	// UpstreamRetries counts retry attempts after transient upstream failures.
	UpstreamRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamrelay",
		Subsystem: "transport",
		Name:      "upstream_retries_total",
		Help:      "Retries performed against upstream hosts.",
	})

	// PooledClients reports the number of live per-policy HTTP clients.
	PooledClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamrelay",
		Subsystem: "transport",
		Name:      "pooled_clients",
		Help:      "Cached HTTP clients keyed by transport policy.",
	})

	// ActiveRecordings reports recordings currently in the recording state.
	ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamrelay",
		Subsystem: "dvr",
		Name:      "active_recordings",
		Help:      "Recordings with a live writer task.",
	})

	// RecordedBytes counts bytes appended to recording files.
	RecordedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamrelay",
		Subsystem: "dvr",
		Name:      "recorded_bytes_total",
		Help:      "Bytes appended to recording files.",
	})

	// TailReaders reports currently attached tail readers across recordings.
	TailReaders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "streamrelay",
		Subsystem: "dvr",
		Name:      "tail_readers",
		Help:      "Attached tail readers across all recordings.",
	})

	// SegmentsDecrypted counts segments that went through server-side decryption.
	SegmentsDecrypted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamrelay",
		Subsystem: "decrypt",
		Name:      "segments_total",
		Help:      "Segments processed by the decryption pipeline by outcome.",
	}, []string{"outcome"})
)
