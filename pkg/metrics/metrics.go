package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the crawl and ingestion pipeline
var (
	PagesCrawled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "movereg_crawler_pages_total",
			Help: "Total number of search pages requested",
		},
	)

	SearchHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "movereg_crawler_search_hits_total",
			Help: "Total number of search hits returned across pages",
		},
	)

	ReposScraped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movereg_crawler_repos_scraped_total",
			Help: "Repositories scraped, by outcome",
		},
		[]string{"outcome"}, // fetched, dropped, skipped
	)

	FetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "movereg_crawler_fetch_retries_total",
			Help: "Metadata fetch attempts beyond the first",
		},
	)

	ScrapeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "movereg_crawler_scrape_duration_seconds",
			Help:    "Time taken to scrape one page batch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	Ingests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movereg_ingests_total",
			Help: "Ingestion attempts, by outcome",
		},
		[]string{"outcome"}, // created, version_exists, ownership_conflict, slug_exhausted, error
	)

	DownloadsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "movereg_downloads_recorded_total",
			Help: "Download events recorded against package versions",
		},
	)

	ShadowRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "movereg_shadow_records_total",
			Help: "Shadow rows synthesized by the download counter",
		},
		[]string{"kind"}, // package, version
	)

	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "movereg_db_query_duration_seconds",
			Help:    "Database transaction execution time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"query_type"},
	)
)

func init() {
	prometheus.MustRegister(
		PagesCrawled,
		SearchHits,
		ReposScraped,
		FetchRetries,
		ScrapeDuration,
		Ingests,
		DownloadsRecorded,
		ShadowRecords,
		DBQueryDuration,
	)
}

// Handler returns the HTTP handler exposing all registered metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IngestOutcome maps an ingestion result onto its counter label.
func IngestOutcome(outcome string) {
	Ingests.WithLabelValues(outcome).Inc()
}
