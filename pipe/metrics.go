package pipe

import "github.com/swarmsync/go-swarm/metrics"

const subsystem = "pipe"

var (
	pipeStates = metrics.NewCounter(
		"handshakes",
		subsystem,
		"Handshake transitions by reached state",
		[]string{"state"},
	)
	pipeBytes = metrics.NewCounter(
		"bytes",
		subsystem,
		"Bundle bytes by direction",
		[]string{"dir"},
	)
	pipeReconnects = metrics.NewCounter(
		"reconnects",
		subsystem,
		"Scheduled reconnects",
		[]string{},
	).WithLabelValues()
)
