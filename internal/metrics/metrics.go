// Package metrics exposes Prometheus collectors for the dedup pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	listingsTotal              *prometheus.CounterVec
	imagesTotal                *prometheus.CounterVec
	imageBytesTotal            *prometheus.CounterVec
	analysesTotal              *prometheus.CounterVec
	duplicatesTotal            *prometheus.CounterVec
	uniqueCount                *prometheus.GaugeVec
	activeAnalyses             prometheus.Gauge
	crawlJobsTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_crawl_pages_total",
				Help: "Total number of listing pages requested, labeled by run and status.",
			},
			[]string{"run", "status"},
		)

		listingsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_crawl_listings_total",
				Help: "Total number of listings seen, labeled by run and whether they carried an image.",
			},
			[]string{"run", "kind"},
		)

		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_fetch_images_total",
				Help: "Total number of image work items processed, labeled by run and result.",
			},
			[]string{"run", "result"},
		)

		imageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_fetch_bytes_total",
				Help: "Total number of image bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_analyses_total",
				Help: "Total number of run analyses, labeled by status.",
			},
			[]string{"status"},
		)

		duplicatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_duplicates_total",
				Help: "Total number of samples removed as duplicates, labeled by run.",
			},
			[]string{"run"},
		)

		uniqueCount = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dedup_unique_count",
				Help: "Final unique listing count of the last completed analysis, labeled by run.",
			},
			[]string{"run"},
		)

		activeAnalyses = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "dedup_active_analyses",
				Help: "Number of analyses currently running.",
			},
		)

		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dedup_crawl_jobs_total",
				Help: "Total number of crawl jobs processed, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dedup_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one listing page request.
func ObservePage(run, status string) {
	Init()
	pagesTotal.WithLabelValues(run, status).Inc()
}

// ObserveListing records one listing; kind is "image" or "no_image".
func ObserveListing(run, kind string) {
	Init()
	listingsTotal.WithLabelValues(run, kind).Inc()
}

// ObserveImage records a processed image work item and the bytes it carried.
func ObserveImage(run, imageURL, result string, bytesFetched int) {
	Init()
	imagesTotal.WithLabelValues(run, result).Inc()
	if bytesFetched > 0 {
		imageBytesTotal.WithLabelValues(SanitizeSite(imageURL)).Add(float64(bytesFetched))
	}
}

// ObserveAnalysis increments the analysis counter for the given status.
func ObserveAnalysis(status string) {
	Init()
	analysesTotal.WithLabelValues(status).Inc()
}

// ObserveDuplicates adds removed samples for a run.
func ObserveDuplicates(run string, removed int) {
	Init()
	if removed > 0 {
		duplicatesTotal.WithLabelValues(run).Add(float64(removed))
	}
}

// SetUniqueCount publishes a run's final unique count.
func SetUniqueCount(run string, count int64) {
	Init()
	uniqueCount.WithLabelValues(run).Set(float64(count))
}

// IncActiveAnalyses increments the active analyses gauge.
func IncActiveAnalyses() {
	Init()
	activeAnalyses.Inc()
}

// DecActiveAnalyses decrements the active analyses gauge.
func DecActiveAnalyses() {
	Init()
	activeAnalyses.Dec()
}

// ObserveCrawlJob increments the crawl job counter for the given status.
func ObserveCrawlJob(status string) {
	Init()
	crawlJobsTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
