package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeployFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcp_deploy_failed_total",
			Help: "Total number of failed deployments",
		},
		[]string{"repo"},
	)

	DeployCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcp_deploy_count_total",
			Help: "Total number of deployments",
		},
		[]string{"repo"},
	)

	DeployDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dcp_deploy_duration_seconds",
			Help:    "Deployment duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"repo"},
	)

	HookFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcp_post_hook_failed_total",
			Help: "Number of post-deploy hook invocations that returned an error",
		},
		[]string{"repo"},
	)

	ProvisionFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcp_provision_failed_total",
			Help: "Total number of failed provisioning attempts",
		},
		[]string{"repo"},
	)

	FetchFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dcp_fetch_failed_total",
			Help: "Total number of failed remote fetches",
		},
		[]string{"repo", "remote"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dcp_fetch_duration_seconds",
			Help:    "Remote fetch duration in seconds",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"repo", "remote"},
	)

	TokenExchanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dcp_token_exchange_total",
			Help: "Total number of installation token exchanges performed",
		},
	)

	TokenExchangeFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dcp_token_exchange_failed_total",
			Help: "Total number of installation token exchanges that failed",
		},
	)

	LastRefreshEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dcp_last_refresh_end_timestamp",
			Help: "Unix timestamp of when the last background refresh ended",
		},
		[]string{"repo"},
	)
)
