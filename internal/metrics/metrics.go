// Package metrics registers the Prometheus collectors exported by the
// engine. The teacher's go.mod carries prometheus/client_golang and an
// api.ServerConfig.EnableMetrics flag, but no teacher file actually
// registers a collector — this package wires the dependency for real.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles every metric the engine exports, registered against
// the default Prometheus registry at construction time.
type Collectors struct {
	DecisionsTotal    *prometheus.CounterVec
	PositionsOpened   prometheus.Counter
	PositionsClosed   *prometheus.CounterVec
	ReservationsTotal *prometheus.CounterVec
	RebalancesTotal   prometheus.Counter
	OpenPositions     prometheus.Gauge
	FreeCapitalBase   prometheus.Gauge
}

// New registers and returns the engine's metric collectors.
func New() *Collectors {
	return &Collectors{
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ammengine_decisions_total",
			Help: "Decisions emitted by the decision engine, by action.",
		}, []string{"action"}),
		PositionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ammengine_positions_opened_total",
			Help: "Positions successfully opened.",
		}),
		PositionsClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ammengine_positions_closed_total",
			Help: "Positions closed, by exit reason.",
		}, []string{"exit_reason"}),
		ReservationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ammengine_capital_reservations_total",
			Help: "Capital reservation attempts, by outcome.",
		}, []string{"outcome"}),
		RebalancesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ammengine_rebalances_total",
			Help: "Learning rebalance rounds run.",
		}),
		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ammengine_open_positions",
			Help: "Currently open positions.",
		}),
		FreeCapitalBase: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ammengine_free_capital_base",
			Help: "Free (unreserved) capital in base units.",
		}),
	}
}
