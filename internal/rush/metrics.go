package rush

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rushdex_tasks_started_total",
		Help: "Tasks launched by the scheduler.",
	})
	tasksFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rushdex_tasks_finished_total",
		Help: "Tasks reaped by terminal status.",
	}, []string{"status"})
	tasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rushdex_tasks_running",
		Help: "Tasks currently in flight.",
	})
	ordersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rushdex_orders_placed_total",
		Help: "Orders submitted, by order type and purpose.",
	}, []string{"type", "purpose"})
	orderFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rushdex_order_fallbacks_total",
		Help: "Maker-only orders expired by the venue and resubmitted at market.",
	})
	orderEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rushdex_order_events_total",
		Help: "User-data stream order events consumed, by status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		tasksStarted,
		tasksFinished,
		tasksRunning,
		ordersPlaced,
		orderFallbacks,
		orderEvents,
	)
}
