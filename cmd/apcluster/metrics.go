package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/apcluster/engine"
)

// prometheusCollector implements apcluster.MetricsCollector. It is shared
// by every rank of the process.
type prometheusCollector struct {
	registry *prometheus.Registry

	iterations prometheus.Counter
	iterLat    prometheus.Histogram
	clusters   prometheus.Gauge
	unstable   prometheus.Gauge
	phaseLat   *prometheus.HistogramVec
	spillBytes *prometheus.CounterVec
	engineRuns *prometheus.CounterVec
	runLat     *prometheus.HistogramVec
}

func newPrometheusCollector(reg *prometheus.Registry) *prometheusCollector {
	c := &prometheusCollector{
		registry: reg,
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apcluster_iterations_total",
			Help: "Message passing iterations completed",
		}),
		iterLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "apcluster_iteration_duration_seconds",
			Help:    "Duration of one message passing iteration",
			Buckets: prometheus.DefBuckets,
		}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apcluster_exemplars",
			Help: "Exemplars in the latest iteration",
		}),
		unstable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "apcluster_unstable_points",
			Help: "Points whose exemplar flag changed within the convergence window",
		}),
		phaseLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apcluster_phase_duration_seconds",
			Help:    "Duration of clustering phases",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		spillBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apcluster_spill_bytes_total",
			Help: "Bytes moved through spill files",
		}, []string{"op"}),
		engineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apcluster_engine_runs_total",
			Help: "Finished message passing runs by final state",
		}, []string{"state"}),
		runLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "apcluster_run_duration_seconds",
			Help:    "Duration of a tier run per rank",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"tier", "status"}),
	}
	reg.MustRegister(c.iterations, c.iterLat, c.clusters, c.unstable,
		c.phaseLat, c.spillBytes, c.engineRuns, c.runLat)
	return c
}

func (c *prometheusCollector) OnIteration(_, k, unstable int, d time.Duration) {
	c.iterations.Inc()
	c.iterLat.Observe(d.Seconds())
	c.clusters.Set(float64(k))
	c.unstable.Set(float64(unstable))
}

func (c *prometheusCollector) OnPhase(phase string, d time.Duration) {
	c.phaseLat.WithLabelValues(phase).Observe(d.Seconds())
}

func (c *prometheusCollector) OnSpill(op string, bytes int64) {
	c.spillBytes.WithLabelValues(op).Add(float64(bytes))
}

func (c *prometheusCollector) OnRun(state engine.State, _, _ int, _ time.Duration) {
	c.engineRuns.WithLabelValues(state.String()).Inc()
}

func (c *prometheusCollector) RecordRun(tier, k int, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.runLat.WithLabelValues(strconv.Itoa(tier), status).Observe(d.Seconds())
	if err == nil {
		c.clusters.Set(float64(k))
	}
}
