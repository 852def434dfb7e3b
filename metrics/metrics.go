package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	sourceHeightGauge      prometheus.Gauge
	syncedHeightGauge      *prometheus.GaugeVec
	storedTransactions     *prometheus.CounterVec
	rolledBackTransactions *prometheus.CounterVec
	syncRestarts           *prometheus.CounterVec
	syncFailures           *prometheus.CounterVec
	dispatchedTransactions *prometheus.CounterVec
	replayedHeightGauge    prometheus.Gauge
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// metrics for comparison to the node
		sourceHeightGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_height", namespace),
			Help: "The latest known chain height",
		}),
		// sync metrics per account
		syncedHeightGauge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_synced_height", namespace),
			Help: "The chain height of the last completed update",
		}, []string{"account"}),
		storedTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_stored_transactions_count", namespace),
			Help: "The number of transactions written to the account store",
		}, []string{"account"}),
		rolledBackTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rollbacks_count", namespace),
			Help: "The number of rollbacks of orphaned transactions",
		}, []string{"account"}),
		syncRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_restarts_count", namespace),
			Help: "The number of restarted sync passes",
		}, []string{"account"}),
		syncFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_sync_failures_count", namespace),
			Help: "The number of failed account updates",
		}, []string{"account"}),
		// replay metrics
		dispatchedTransactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_dispatched_transactions_count", namespace),
			Help: "The number of transactions dispatched to handlers",
		}, []string{"type"}),
		replayedHeightGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_replayed_height", namespace),
			Help: "The height of the last dispatched transaction",
		}),
	}
	return &m
}

func (metrics *Metrics) SetSourceHeight(height uint32) {
	metrics.sourceHeightGauge.Set(float64(height))
}

func (metrics *Metrics) SetSyncedHeight(account string, height uint32) {
	metrics.syncedHeightGauge.WithLabelValues(account).Set(float64(height))
}

func (metrics *Metrics) AddStoredTransactions(account string, count int) {
	metrics.storedTransactions.WithLabelValues(account).Add(float64(count))
}

func (metrics *Metrics) IncRollbacks(account string) {
	metrics.rolledBackTransactions.WithLabelValues(account).Inc()
}

func (metrics *Metrics) IncRestarts(account string) {
	metrics.syncRestarts.WithLabelValues(account).Inc()
}

func (metrics *Metrics) IncFailures(account string) {
	metrics.syncFailures.WithLabelValues(account).Inc()
}

func (metrics *Metrics) IncDispatched(txType int, height uint32) {
	metrics.dispatchedTransactions.WithLabelValues(fmt.Sprintf("%d", txType)).Inc()
	metrics.replayedHeightGauge.Set(float64(height))
}
