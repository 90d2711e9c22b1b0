// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/AutumnsGrove/YearlyReview/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    ExtractionsDispatched = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "extractions_dispatched_total",
        Help: "Total number of extraction jobs enqueued",
    })
    ExtractionsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "extractions_consumed_total",
        Help: "Total number of extraction jobs picked up by workers",
    })
    ExtractionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "extractions_completed_total",
        Help: "Total number of successfully completed extractions",
    })
    ExtractionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "extractions_failed_total",
        Help: "Total number of failed extraction attempts",
    })
    ExtractionsRetried = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "extractions_retried_total",
        Help: "Total number of extraction job retries",
    })
    ExtractionsDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "extractions_dead_letter_total",
        Help: "Total number of extraction jobs moved to dead letter",
    })
    AggregationsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "aggregations_dispatched_total",
        Help: "Total number of aggregation jobs picked up by workers",
    }, []string{"tier"})
    AggregationsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "aggregations_completed_total",
        Help: "Total number of successfully completed aggregations",
    }, []string{"tier"})
    AggregationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "aggregations_failed_total",
        Help: "Total number of failed aggregation attempts",
    }, []string{"tier"})
    AggregationsDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "aggregations_dead_letter_total",
        Help: "Total number of aggregation jobs moved to dead letter",
    }, []string{"tier"})
    LLMCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Name:    "llm_call_duration_seconds",
        Help:    "Histogram of LLM gateway call durations",
        Buckets: prometheus.DefBuckets,
    })
    LLMCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "llm_calls_total",
        Help: "Total number of LLM gateway calls by outcome",
    }, []string{"outcome"})
    CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "content_cache_hits_total",
        Help: "Total number of content cache hits",
    })
    CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "content_cache_misses_total",
        Help: "Total number of content cache misses",
    })
    QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "queue_length",
        Help: "Current length of Redis queues",
    }, []string{"queue"})
    CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "0 Closed, 1 HalfOpen, 2 Open",
    })
    CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Count of times the circuit breaker transitioned to Open",
    })
    ReaperRecovered = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "reaper_recovered_total",
        Help: "Total number of jobs recovered by the reaper from processing lists",
    })
    WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    }, []string{"role"})
    PipelinePhase = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "pipeline_phase",
        Help: "Numeric encoding of the coordinator's current phase",
    })
)

func init() {
    prometheus.MustRegister(
        ExtractionsDispatched, ExtractionsConsumed, ExtractionsCompleted, ExtractionsFailed, ExtractionsRetried, ExtractionsDeadLetter,
        AggregationsDispatched, AggregationsCompleted, AggregationsFailed, AggregationsDeadLetter,
        LLMCallDuration, LLMCallsTotal, CacheHits, CacheMisses,
        QueueLength, CircuitBreakerState, CircuitBreakerTrips, ReaperRecovered, WorkerActive, PipelinePhase,
    )
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
