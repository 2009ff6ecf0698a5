// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Recipient send attempts partitioned by outcome (sent, error)
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaign_sends_total",
			Help: "Recipient send outcomes",
		},
		[]string{"result"},
	)

	// Campaigns reaching a terminal state
	CampaignsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "campaigns_finished_total",
			Help: "Campaigns that reached a terminal status",
		},
		[]string{"status"},
	)

	// Ownership and campaign lease attempts lost to another holder
	LeaseContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lease_contention_total",
			Help: "Lease acquisitions that found another holder",
		},
		[]string{"lease"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Connection sessions held by this process",
		},
	)

	// Queue job outcomes partitioned by result (ack, delayed, retry, dead)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Processed queue jobs by outcome",
		},
		[]string{"result"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveRequest records one served HTTP request.
func ObserveRequest(method, route string, status int, d time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
