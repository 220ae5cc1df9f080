package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradingbot"

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ticks_total", Help: "Quote ticks processed"},
		[]string{"instrument"},
	)
	DroppedTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dropped_ticks_total", Help: "Stream messages dropped as malformed"},
		[]string{"reason"},
	)
	BarsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bars_closed_total", Help: "One-minute bars sealed"},
		[]string{"instrument"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "signals_total", Help: "Bar-close signals by kind"},
		[]string{"instrument", "kind"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "orders_total", Help: "Broker open/close requests by result"},
		[]string{"instrument", "action", "result"},
	)
	ProtectionTriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "protection_triggers_total", Help: "Closes requested by the protection monitor"},
		[]string{"instrument", "reason"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "reconnects_total", Help: "Stream reconnect cycles"},
	)
	LoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "logins_total", Help: "Broker session logins by result"},
		[]string{"result"},
	)
	UnrealizedPnL = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "unrealized_pnl", Help: "Unrealized PnL of the open position"},
		[]string{"instrument"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		DroppedTicksTotal,
		BarsClosedTotal,
		SignalsTotal,
		OrdersTotal,
		ProtectionTriggersTotal,
		ReconnectsTotal,
		LoginsTotal,
		UnrealizedPnL,
	)
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
