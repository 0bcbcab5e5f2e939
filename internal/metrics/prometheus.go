package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tcpreq"

// Register exposes the collector's counters on reg.  The values are read
// at scrape time, so there is no second copy of any counter.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	counters := []struct {
		name, help string
		load       func() int64
	}{
		{"connections_total", "Connections established since start.", c.connectionsTotal.Load},
		{"bytes_received_total", "Bytes read from destinations.", c.bytesIn.Load},
		{"bytes_sent_total", "Bytes written to destinations.", c.bytesOut.Load},
		{"requests_total", "Requests accepted by Submit.", c.requestsTotal.Load},
		{"requests_dropped_total", "Requests shed because a destination queue was full.", c.requestsDropped.Load},
		{"requests_abandoned_total", "Queued requests discarded by connection teardown.", c.requestsAbandoned.Load},
		{"frames_total", "Frames delivered to output sinks.", c.framesTotal.Load},
		{"retries_total", "Reconnects triggered by idle timeouts.", c.retriesTotal.Load},
		{"errors_total", "Transport, configuration and conversion errors.", c.errorsTotal.Load},
	}

	for _, ctr := range counters {
		load := ctr.load
		col := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      ctr.name,
			Help:      ctr.help,
		}, func() float64 { return float64(load()) })
		if err := reg.Register(col); err != nil {
			return fmt.Errorf("register %s: %w", ctr.name, err)
		}
	}

	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Connections currently established.",
	}, func() float64 { return float64(c.connectionsActive.Load()) })
	if err := reg.Register(active); err != nil {
		return fmt.Errorf("register connections_active: %w", err)
	}
	return nil
}
