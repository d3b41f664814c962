package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dneutral_sniper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of hedge orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of hedge order failures.",
	})
	hedgesExecuted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_executed_total",
		Help:      "Total number of filled hedge orders.",
	})
	hedgersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedgers_failed_total",
		Help:      "Total number of hedgers entering the failed state.",
	})
	ticksDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "ticks_dropped_total",
		Help:      "Total number of market ticks dropped by slow consumers.",
	})
	reconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "reconnects_total",
		Help:      "Total number of exchange reconnections.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, hedgesExecuted, hedgersFailed, ticksDropped, reconnects)

	m := &Metrics{
		OrdersPlaced:   promCounter{ordersPlaced},
		OrdersFailed:   promCounter{ordersFailed},
		HedgesExecuted: promCounter{hedgesExecuted},
		HedgersFailed:  promCounter{hedgersFailed},
		TicksDropped:   promCounter{ticksDropped},
		Reconnects:     promCounter{reconnects},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
