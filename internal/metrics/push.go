package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushJob is the Pushgateway job name used by CLI invocations.
const PushJob = "releasegate"

// Push sends everything gathered from g to a Pushgateway. CLI runs are too
// short-lived to be scraped. gateID groups the series of one invocation.
func Push(ctx context.Context, url string, g prometheus.Gatherer, gateID string) error {
	p := push.New(url, PushJob).Gatherer(g)
	if gateID != "" {
		p = p.Grouping("gate_id", gateID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
