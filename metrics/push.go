package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"github.com/swarmsync/go-swarm/metrics/public"
)

// StartPushingMetrics pushes the public registry to a push gateway every period
// until ctx is done.
func StartPushingMetrics(
	ctx context.Context,
	logger *zap.Logger,
	url string,
	headers map[string]string,
	period time.Duration,
	hostID string,
) {
	header := http.Header{}
	for k, v := range headers {
		header.Add(k, v)
	}
	pusher := push.New(url, "swarmd").Gatherer(public.Registry).
		Grouping("host", hostID).
		Header(header)
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := pusher.PushContext(ctx); err != nil {
					logger.Warn("failed to push metrics", zap.Error(err))
				}
			}
		}
	}()
}
