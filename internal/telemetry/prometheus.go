package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PoolStat is a point-in-time view of one connection pool.
type PoolStat struct {
	Name     string
	Role     string // write or read
	Acquired int32
	Idle     int32
	Total    int32
	Max      int32
	Healthy  bool
}

// PoolCollector exports connection pool gauges on every scrape.
type PoolCollector struct {
	source func() []PoolStat

	acquired *prometheus.Desc
	idle     *prometheus.Desc
	total    *prometheus.Desc
	max      *prometheus.Desc
	healthy  *prometheus.Desc
}

func NewPoolCollector(source func() []PoolStat) *PoolCollector {
	labels := []string{"pool", "role"}
	return &PoolCollector{
		source:   source,
		acquired: prometheus.NewDesc("pgtuner_pool_acquired_connections", "Connections currently checked out of the pool.", labels, nil),
		idle:     prometheus.NewDesc("pgtuner_pool_idle_connections", "Idle connections held by the pool.", labels, nil),
		total:    prometheus.NewDesc("pgtuner_pool_total_connections", "Connections currently open in the pool.", labels, nil),
		max:      prometheus.NewDesc("pgtuner_pool_max_connections", "Configured maximum pool size.", labels, nil),
		healthy:  prometheus.NewDesc("pgtuner_pool_healthy", "1 when the pool passed its last health check.", labels, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.healthy
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.source() {
		healthy := 0.0
		if s.Healthy {
			healthy = 1
		}
		ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(s.Acquired), s.Name, s.Role)
		ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle), s.Name, s.Role)
		ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(s.Total), s.Name, s.Role)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(s.Max), s.Name, s.Role)
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, healthy, s.Name, s.Role)
	}
}

// NewRegistry returns a registry with Go runtime metrics and the pool collector.
func NewRegistry(pools *PoolCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if pools != nil {
		reg.MustRegister(pools)
	}
	return reg
}

// MetricsHandler serves reg in the Prometheus text format.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
