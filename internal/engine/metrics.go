package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_engine_cycles_total",
		Help: "Completed engine cycles.",
	})
	cycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_engine_cycle_errors_total",
		Help: "Engine cycles that ended with an error.",
	})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warehouse_engine_cycle_duration_seconds",
		Help:    "Wall time of one engine cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	filesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_files_ingested_total",
		Help: "Raw files ingested.",
	})
	recordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warehouse_records_ingested_total",
		Help: "Records ingested.",
	})
	gapsDetected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warehouse_gaps_detected",
		Help: "Gaps found by the most recent gap scan.",
	})
	buildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warehouse_index_build_duration_seconds",
		Help:    "Wall time of one background index build.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"task"})
	buildFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_index_build_failures_total",
		Help: "Background index builds that failed.",
	}, []string{"task"})
)
