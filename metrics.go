package main

import (
	"net/http"

	"github.com/Hanbin/density/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	resultOK              = "ok"
	resultUploadFailed    = "upload_failed"
	resultDecodeFailed    = "decode_failed"
	resultInferenceFailed = "inference_failed"
)

// Metrics holds the Prometheus collectors for the upload pipeline.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	people    prometheus.Histogram
	inference prometheus.Histogram
	total     prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "density_uploads_total",
			Help: "Uploads processed, by result",
		}, []string{"result"}),
		people: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "density_people_detected",
			Help:    "People counted per successful upload",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "density_inference_seconds",
			Help:    "Model run time per upload",
			Buckets: prometheus.DefBuckets,
		}),
		total: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "density_request_seconds",
			Help:    "End to end processing time per successful upload",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.requests, m.people, m.inference, m.total)
	for _, r := range []string{resultOK, resultUploadFailed, resultDecodeFailed, resultInferenceFailed} {
		m.requests.WithLabelValues(r)
	}
	return m
}

// registerPool exposes the session pool state as gauges and its running
// totals as counters.
func (m *Metrics) registerPool(pool *ModelSessionPool) {
	gauge := func(name, help string, value func(PoolStats) float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return value(pool.Stats()) },
		))
	}
	counter := func(name, help string, value func(PoolStats) float64) {
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return value(pool.Stats()) },
		))
	}
	gauge("density_pool_size", "Configured model sessions", func(s PoolStats) float64 { return float64(s.Size) })
	gauge("density_pool_live_sessions", "Model sessions currently alive", func(s PoolStats) float64 { return float64(s.Live) })
	gauge("density_pool_sessions_in_use", "Model sessions currently checked out", func(s PoolStats) float64 { return float64(s.InUse) })
	counter("density_pool_acquired_total", "Session acquisitions", func(s PoolStats) float64 { return float64(s.TotalAcquired) })
	counter("density_pool_acquire_failures_total", "Session acquisitions that timed out", func(s PoolStats) float64 { return float64(s.AcquireFailures) })
	counter("density_pool_discarded_total", "Sessions discarded after a runtime failure", func(s PoolStats) float64 { return float64(s.Discarded) })
	counter("density_pool_wait_seconds_total", "Time spent waiting for a session", func(s PoolStats) float64 { return s.WaitTime.Seconds() })
}

func (m *Metrics) observe(result string, count int, t *models.ProcessingTimings) {
	m.requests.WithLabelValues(result).Inc()
	if result != resultOK {
		return
	}
	m.people.Observe(float64(count))
	if t != nil {
		m.inference.Observe(t.Inference.Seconds())
		m.total.Observe(t.Total.Seconds())
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
