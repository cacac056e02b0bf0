package transport

import "github.com/swarmsync/go-swarm/metrics"

const subsystem = "transport"

var (
	accepted = metrics.NewCounter(
		"accepted",
		subsystem,
		"Inbound websocket connections upgraded",
		[]string{},
	).WithLabelValues()
	rejected = metrics.NewCounter(
		"rejected",
		subsystem,
		"Inbound websocket connections refused by the accept rate limit",
		[]string{},
	).WithLabelValues()
)
