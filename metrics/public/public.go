// Package public holds the metrics that are pushed to a shared gateway.
package public

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Registry = prometheus.NewRegistry()

var (
	// Peers counts handshaken peers by connection direction.
	Peers = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "peers",
	}, []string{"dir"})
	// Objects counts live replicas.
	Objects = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "swarm",
		Name:      "objects",
	})
)
