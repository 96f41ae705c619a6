package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricNameSpace = "launchpad"
)

var (
	deploymentsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "deployments_finished_total",
			Help:      "deployments that reached a terminal status",
		},
		[]string{"blockchain", "environment", "status"},
	)
	rateLimitRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "rate_limit_rejections_total",
			Help:      "deployment admissions rejected by the rate limiter",
		},
		[]string{"limit"},
	)
	usageStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "usage_store_errors_total",
			Help:      "rate limit usage store failures",
		},
		[]string{"op"},
	)
	watcherPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "watcher_polls_total",
			Help:      "receipt polls issued by the transaction watcher",
		},
		[]string{"network", "result"},
	)
	trackedTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: MetricNameSpace,
			Name:      "tracked_transactions",
			Help:      "transactions currently tracked by the watcher",
		},
	)
	notificationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "notifications_created_total",
			Help:      "notifications appended to user feeds",
		},
		[]string{"type"},
	)
	reconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "reconcile_actions_total",
			Help:      "repairs performed by the reconciliation job",
		},
		[]string{"action"},
	)
	persistRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricNameSpace,
			Name:      "persist_retries_total",
			Help:      "retried writes of submitted transaction hashes",
		},
	)
)

func init() {
	prometheus.MustRegister(
		deploymentsFinished,
		rateLimitRejections,
		usageStoreErrors,
		watcherPolls,
		trackedTransactions,
		notificationsCreated,
		reconcileActions,
		persistRetries,
	)
}

func DeploymentFinished(blockchain, environment, status string) {
	deploymentsFinished.WithLabelValues(blockchain, environment, status).Inc()
}

func RateLimitRejected(limit string) {
	rateLimitRejections.WithLabelValues(limit).Inc()
}

func UsageStoreError(op string) {
	usageStoreErrors.WithLabelValues(op).Inc()
}

// WatcherPoll counts one poll; result is "pending", "receipt" or "error".
func WatcherPoll(network, result string) {
	watcherPolls.WithLabelValues(network, result).Inc()
}

func TrackedTransactionsInc() {
	trackedTransactions.Inc()
}

func TrackedTransactionsDec() {
	trackedTransactions.Dec()
}

func NotificationCreated(notificationType string) {
	notificationsCreated.WithLabelValues(notificationType).Inc()
}

func ReconcileAction(action string) {
	reconcileActions.WithLabelValues(action).Inc()
}

func PersistRetry() {
	persistRetries.Inc()
}
