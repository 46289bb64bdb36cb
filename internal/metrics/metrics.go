// Package metrics содержит метрики Prometheus сервиса budgetrank.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	contributionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "budgetrank_prize_contributions_cents_total",
			Help: "Total prize contributions added to the pool, in cents",
		},
	)
	paymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetrank_payments_total",
			Help: "Subscription payments labeled by outcome",
		},
		[]string{"status"},
	)
	poolTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "budgetrank_prize_pool_cents",
			Help: "Last observed prize pool total, in cents",
		},
	)
	distributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetrank_distributions_total",
			Help: "Prize pool distributions labeled by outcome",
		},
		[]string{"status"},
	)
	ledgerRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetrank_ledger_retries_total",
			Help: "Retried ledger operations labeled by operation",
		},
		[]string{"operation"},
	)
	ledgerDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "budgetrank_ledger_operation_duration_seconds",
			Help:    "Duration of ledger operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budgetrank_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"route"},
	)
)

// RecordPayment учитывает исход платежа и, при успехе, взнос и новый размер фонда.
func RecordPayment(status string, contributionCents, poolCents int64) {
	paymentsTotal.WithLabelValues(status).Inc()
	if status != "ok" {
		return
	}
	contributionsTotal.Add(float64(contributionCents))
	poolTotal.Set(float64(poolCents))
}

// RecordDistribution учитывает исход распределения. После успешного распределения фонд пуст.
func RecordDistribution(status string) {
	distributionsTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		poolTotal.Set(0)
	}
}

// SetPoolTotal обновляет наблюдаемый размер фонда.
func SetPoolTotal(cents int64) {
	poolTotal.Set(float64(cents))
}

// RecordLedgerRetry учитывает повтор операции над реестром.
func RecordLedgerRetry(operation string) {
	ledgerRetriesTotal.WithLabelValues(operation).Inc()
}

// ObserveLedger записывает длительность операции над реестром.
func ObserveLedger(operation, status string, d time.Duration) {
	ledgerDurationSeconds.WithLabelValues(operation, status).Observe(d.Seconds())
}

// RecordRateLimited учитывает отклонённый ограничителем запрос.
func RecordRateLimited(route string) {
	rateLimitedTotal.WithLabelValues(route).Inc()
}
