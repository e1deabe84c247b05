package governor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/toolink/extgov/notify"
)

// Collector exports the governor's per-extension metrics. Values are read
// from AllMetrics at scrape time.
type Collector struct {
	gov *Governor

	operations *prometheus.Desc
	successes  *prometheus.Desc
	errors     *prometheus.Desc
	slow       *prometheus.Desc
	execTotal  *prometheus.Desc
	execMax    *prometheus.Desc
	memory     *prometheus.Desc
	memoryMax  *prometheus.Desc
	active     *prometheus.Desc
}

// NewCollector creates a Collector for g under namespace.
func NewCollector(namespace string, g *Governor) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "extension", name), help, []string{"extension"}, nil)
	}
	return &Collector{
		gov:        g,
		operations: desc("operations_total", "Executions started."),
		successes:  desc("successes_total", "Executions that succeeded."),
		errors:     desc("errors_total", "Executions that failed."),
		slow:       desc("slow_operations_total", "Executions slower than the latency threshold."),
		execTotal:  desc("execution_seconds_total", "Cumulative execution time."),
		execMax:    desc("execution_seconds_max", "Longest execution observed."),
		memory:     desc("memory_bytes", "Last reported memory usage."),
		memoryMax:  desc("memory_max_bytes", "Largest reported memory usage."),
		active:     desc("active", "1 while the extension is monitored and not disabled."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.operations, c.successes, c.errors, c.slow, c.execTotal, c.execMax, c.memory, c.memoryMax, c.active} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.gov.AllMetrics() {
		id := m.ExtensionID
		active := 0.0
		if m.Active {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(m.Operations), id)
		ch <- prometheus.MustNewConstMetric(c.successes, prometheus.CounterValue, float64(m.Successes), id)
		ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(m.Errors), id)
		ch <- prometheus.MustNewConstMetric(c.slow, prometheus.CounterValue, float64(m.SlowOps), id)
		ch <- prometheus.MustNewConstMetric(c.execTotal, prometheus.CounterValue, m.TotalTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.execMax, prometheus.GaugeValue, m.MaxTime.Seconds(), id)
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(m.MemoryCurrent), id)
		ch <- prometheus.MustNewConstMetric(c.memoryMax, prometheus.GaugeValue, float64(m.MemoryMax), id)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, active, id)
	}
}

// EventCounter is a notify.Sink that counts events by kind, extension and
// disable reason.
type EventCounter struct {
	events *prometheus.CounterVec
}

// NewEventCounter creates an EventCounter. Register it like any collector.
func NewEventCounter(namespace string) *EventCounter {
	return &EventCounter{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extension_events_total",
			Help:      "Governance events raised, by kind.",
		}, []string{"kind", "extension", "reason"}),
	}
}

func (c *EventCounter) Notify(e notify.Event) {
	c.events.WithLabelValues(string(e.Kind), e.ExtensionID, e.Reason).Inc()
}

func (c *EventCounter) Describe(ch chan<- *prometheus.Desc) { c.events.Describe(ch) }
func (c *EventCounter) Collect(ch chan<- prometheus.Metric) { c.events.Collect(ch) }
