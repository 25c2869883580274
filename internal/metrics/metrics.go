package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wiguard/internal/model"
)

// Collector mirrors every domain's aggregate snapshot into Prometheus
// gauges and counts the batches it sees. It is a notify.Sink.
type Collector struct {
	registry *prometheus.Registry

	records    *prometheus.GaugeVec
	bySeverity *prometheus.GaugeVec
	annotated  *prometheus.GaugeVec
	average    *prometheus.GaugeVec
	updates    *prometheus.CounterVec
	changes    *prometheus.CounterVec
	lastUpdate *prometheus.GaugeVec
}

func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	c.records = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wiguard",
		Name:      "records",
		Help:      "Records currently held per domain",
	}, []string{"domain"})
	c.bySeverity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wiguard",
		Name:      "records_by_severity",
		Help:      "Records currently held per domain and severity",
	}, []string{"domain", "severity"})
	c.annotated = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wiguard",
		Name:      "records_annotated",
		Help:      "Records carrying a flag, block or active annotation",
	}, []string{"domain", "annotation"})
	c.average = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wiguard",
		Name:      "metric_average",
		Help:      "Rolling average of the domain metric (accuracy, signal or attack count)",
	}, []string{"domain"})
	c.updates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiguard",
		Name:      "updates_total",
		Help:      "Batches applied per domain and reason",
	}, []string{"domain", "reason"})
	c.changes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wiguard",
		Name:      "record_changes_total",
		Help:      "Records inserted, updated or evicted per domain",
	}, []string{"domain", "kind"})
	c.lastUpdate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wiguard",
		Name:      "last_update_timestamp_seconds",
		Help:      "Unix timestamp of the last applied batch",
	}, []string{"domain"})

	c.registry.MustRegister(
		c.records, c.bySeverity, c.annotated, c.average,
		c.updates, c.changes, c.lastUpdate,
	)
	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Notify(_ context.Context, u model.Update) {
	domain := string(u.Domain)
	st := u.Stats
	c.records.WithLabelValues(domain).Set(float64(st.Total))
	for _, sev := range model.Severities {
		c.bySeverity.WithLabelValues(domain, string(sev)).Set(float64(st.BySeverity[sev]))
	}
	c.annotated.WithLabelValues(domain, string(model.AnnotationFlagged)).Set(float64(st.Flagged))
	c.annotated.WithLabelValues(domain, string(model.AnnotationBlocked)).Set(float64(st.Blocked))
	c.annotated.WithLabelValues(domain, string(model.AnnotationActive)).Set(float64(st.Active))
	if st.HasAverage {
		c.average.WithLabelValues(domain).Set(st.Average)
	} else {
		c.average.DeleteLabelValues(domain)
	}
	c.updates.WithLabelValues(domain, string(u.Reason)).Inc()
	c.changes.WithLabelValues(domain, "inserted").Add(float64(u.Inserted))
	c.changes.WithLabelValues(domain, "updated").Add(float64(u.Updated))
	c.changes.WithLabelValues(domain, "evicted").Add(float64(u.Evicted))
	if !u.Time.IsZero() {
		c.lastUpdate.WithLabelValues(domain).Set(float64(u.Time.Unix()))
	}
}
