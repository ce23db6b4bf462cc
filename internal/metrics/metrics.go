package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var durationBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var (
	ParsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postparser_parses_total",
		Help: "Parsed posts by outcome (high, medium, low, failed)",
	}, []string{"outcome"})
	ParseDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "postparser_parse_duration_ms",
		Help:    "End-to-end ParseTweet duration in milliseconds",
		Buckets: durationBuckets,
	})
	LayerResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postparser_layer_results_total",
		Help: "Extraction layer outcomes by source and result kind",
	}, []string{"source", "result"})
	LayerDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postparser_layer_duration_ms",
		Help:    "Extraction layer duration in milliseconds",
		Buckets: durationBuckets,
	}, []string{"source"})
	LimiterWaitMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postparser_limiter_wait_ms",
		Help:    "Time spent waiting for a rate limiter slot",
		Buckets: []float64{0, 1, 10, 100, 1000, 5000, 15000, 60000},
	}, []string{"backend"})
	LimiterRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postparser_limiter_retries_total",
		Help: "Backend call retries after a failure",
	}, []string{"backend"})
	LimiterExhaustedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postparser_limiter_exhausted_total",
		Help: "Backend calls that ran out of retries",
	}, []string{"backend"})
	GeoQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postparser_geo_queries_total",
		Help: "Geo index queries by backend and outcome (accepted, rejected, error, timeout)",
	}, []string{"backend", "outcome"})
	GeoCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "postparser_geo_cache_total",
		Help: "Geo index cache lookups by result (hit, miss)",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(ParsesTotal)
	prometheus.MustRegister(ParseDurationMs)
	prometheus.MustRegister(LayerResultsTotal)
	prometheus.MustRegister(LayerDurationMs)
	prometheus.MustRegister(LimiterWaitMs)
	prometheus.MustRegister(LimiterRetriesTotal)
	prometheus.MustRegister(LimiterExhaustedTotal)
	prometheus.MustRegister(GeoQueriesTotal)
	prometheus.MustRegister(GeoCacheTotal)
}

func Handler() http.Handler { return promhttp.Handler() }
