package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferoute_plans_total",
		Help: "Route planning passes by outcome.",
	}, []string{"outcome"})

	ThreatsIngestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saferoute_threats_ingested_total",
		Help: "Threat reports accepted into the geo index.",
	})

	ReplansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saferoute_replans_total",
		Help: "Threat-triggered replan evaluations by outcome.",
	}, []string{"outcome"})

	ActiveRoutes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "saferoute_active_routes",
		Help: "Routes currently tracked by the monitor.",
	})
)
