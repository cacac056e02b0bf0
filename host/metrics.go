package host

import "github.com/swarmsync/go-swarm/metrics"

const subsystem = "host"

var (
	mailboxDepth = metrics.NewGauge(
		"mailbox",
		subsystem,
		"Items waiting in the actor mailbox",
		[]string{},
	).WithLabelValues()
	opsProcessed = metrics.NewCounter(
		"ops",
		subsystem,
		"Operations processed by the actor by op name",
		[]string{"op"},
	)
)
