// Package metrics holds the Prometheus collectors for vault activity. A nil
// *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry         *prometheus.Registry
	actionsTotal     *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	confirmSeconds   *prometheus.HistogramVec
	historyRefreshes *prometheus.CounterVec
	historyRows      prometheus.Gauge
	replays          *prometheus.CounterVec
}

func New() *Registry {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_actions_total",
		Help: "Lifecycle actions by outcome",
	}, []string{"action", "result"})

	txs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_transactions_total",
		Help: "Submitted transactions by call and outcome",
	}, []string{"kind", "result"})

	confirm := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_confirmation_seconds",
		Help:    "Time from broadcast to receipt",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"kind"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_history_refresh_total",
		Help: "History refreshes by outcome",
	}, []string{"result"})

	rows := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_history_rows",
		Help: "Rows in the current history view",
	})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_idempotent_replays_total",
		Help: "Mutation requests answered from the submission journal",
	}, []string{"route"})

	r := prometheus.NewRegistry()
	r.MustRegister(actions, txs, confirm, refreshes, rows, replays)

	return &Registry{
		registry:         r,
		actionsTotal:     actions,
		transactions:     txs,
		confirmSeconds:   confirm,
		historyRefreshes: refreshes,
		historyRows:      rows,
		replays:          replays,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and embedding.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncAction(action, result string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Registry) IncTransaction(kind, result string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(kind, result).Inc()
}

func (m *Registry) ObserveConfirmation(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Registry) IncHistoryRefresh(result string) {
	if m == nil {
		return
	}
	m.historyRefreshes.WithLabelValues(result).Inc()
}

func (m *Registry) SetHistoryRows(n int) {
	if m == nil {
		return
	}
	m.historyRows.Set(float64(n))
}

func (m *Registry) IncReplay(route string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(route).Inc()
}
