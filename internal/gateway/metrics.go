package gateway

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tachiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tachi_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	tachiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tachi_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tachiChallengesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tachi_challenges_total",
		Help: "Total 402 payment challenges issued to crawlers.",
	})

	tachiVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tachi_verifications_total",
		Help: "Total payment verifications by outcome reason.",
	}, []string{"outcome"})

	tachiVerifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tachi_verify_duration_seconds",
		Help:    "Payment verification duration in seconds, RPC included.",
		Buckets: prometheus.DefBuckets,
	})

	tachiReceiptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tachi_receipts_total",
		Help: "Total crawl receipts by submission status.",
	}, []string{"status"})

	tachiSettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tachi_settlements_total",
		Help: "Total settlement forwards observed.",
	})

	tachiRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tachi_rate_limited_total",
		Help: "Total requests rejected by the rate limiter, by traffic class.",
	}, []string{"class"})
)

// PrometheusMiddleware returns a Gin middleware recording per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "proxy"
		}

		tachiRequestsTotal.WithLabelValues(method, path, status).Inc()
		tachiRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func recordChallenge() { tachiChallengesTotal.Inc() }

func recordVerification(outcome string, elapsed time.Duration) {
	tachiVerificationsTotal.WithLabelValues(outcome).Inc()
	tachiVerifyDuration.Observe(elapsed.Seconds())
}

func recordReceipt(status string) { tachiReceiptsTotal.WithLabelValues(status).Inc() }

func recordRateLimited(class string) { tachiRateLimitedTotal.WithLabelValues(class).Inc() }

// RecordSettlement counts a settlement event. Wired as the settlement
// ledger's subscriber.
func RecordSettlement() { tachiSettlementsTotal.Inc() }
