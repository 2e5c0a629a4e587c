package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	pipelineErrors       *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	tensorBytesTotal     prometheus.Counter
	snapshotsTotal       prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprep_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelprep_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelprep_worker_active_jobs",
			Help: "Current number of jobs being preprocessed.",
		}),
		pipelineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprep_worker_pipeline_errors_total",
			Help: "Total jobs rejected by the preprocessing pipeline, by error kind.",
		}, []string{"kind"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprep_worker_pixels_processed_total",
			Help: "Total output pixels across successful jobs.",
		}),
		tensorBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprep_worker_tensor_bytes_total",
			Help: "Total tensor bytes written to object storage.",
		}),
		snapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprep_worker_snapshots_total",
			Help: "Total PNG snapshots written alongside tensors.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pipelineErrors,
		m.pixelsProcessedTotal,
		m.tensorBytesTotal,
		m.snapshotsTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
