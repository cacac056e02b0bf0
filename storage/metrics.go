package storage

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/swarmsync/go-swarm/metrics"
)

const subsystem = "storage"

var (
	opLatency = metrics.NewHistogramWithBuckets(
		"op_seconds",
		subsystem,
		"Time spent handling an operation by op name",
		[]string{"op"},
		prometheus.ExponentialBuckets(0.0001, 4, 8),
	)
	opFailures = metrics.NewCounter(
		"failures",
		subsystem,
		"Failed operations by op name",
		[]string{"op"},
	)
	cacheHits = metrics.NewCounter(
		"cache",
		subsystem,
		"State cache lookups",
		[]string{"result"},
	)
)
