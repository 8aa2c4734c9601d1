package debug

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	actionsDesc = prometheus.NewDesc(
		"state_debug_actions_total",
		"Recorded transitions per store and action.",
		[]string{"store", "action"}, nil,
	)
	meanDurationDesc = prometheus.NewDesc(
		"state_debug_action_duration_mean_ms",
		"Mean transition duration in milliseconds.",
		[]string{"store", "action"}, nil,
	)
	maxDurationDesc = prometheus.NewDesc(
		"state_debug_action_duration_max_ms",
		"Longest transition duration in milliseconds.",
		[]string{"store", "action"}, nil,
	)
	memoryDesc = prometheus.NewDesc(
		"state_debug_state_bytes",
		"Serialized size of the latest recorded state.",
		[]string{"store"}, nil,
	)
	logSizeDesc = prometheus.NewDesc(
		"state_debug_log_entries",
		"Entries currently held in the action log.",
		nil, nil,
	)
)

// Collector exposes the registry's metrics to Prometheus. Values are read
// on every scrape.
func (r *Registry) Collector() prometheus.Collector {
	return registryCollector{r: r}
}

type registryCollector struct {
	r *Registry
}

func (c registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- actionsDesc
	ch <- meanDurationDesc
	ch <- maxDurationDesc
	ch <- memoryDesc
	ch <- logSizeDesc
}

func (c registryCollector) Collect(ch chan<- prometheus.Metric) {
	c.r.mu.Lock()
	metrics := make([]PerformanceMetric, 0, len(c.r.metrics))
	for _, m := range c.r.metrics {
		metrics = append(metrics, m.clone())
	}
	logSize := len(c.r.logs)
	c.r.mu.Unlock()

	sort.Slice(metrics, func(i, j int) bool { return metrics[i].StoreKey < metrics[j].StoreKey })
	for _, m := range metrics {
		for action, n := range m.ActionCounts {
			ch <- prometheus.MustNewConstMetric(actionsDesc, prometheus.CounterValue, float64(n), m.StoreKey, action)
			ch <- prometheus.MustNewConstMetric(meanDurationDesc, prometheus.GaugeValue, m.AverageDurations[action], m.StoreKey, action)
			ch <- prometheus.MustNewConstMetric(maxDurationDesc, prometheus.GaugeValue, m.MaxDurations[action], m.StoreKey, action)
		}
		ch <- prometheus.MustNewConstMetric(memoryDesc, prometheus.GaugeValue, float64(m.MemoryUsageBytes), m.StoreKey)
	}
	ch <- prometheus.MustNewConstMetric(logSizeDesc, prometheus.GaugeValue, float64(logSize))
}
