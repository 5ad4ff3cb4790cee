package expand

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricExpand = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moth_expand_total",
			Help: "String expansions, by result: ok, forced, error, defer, taint.",
		},
		[]string{"result"},
	)
	metricLookup = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moth_expand_lookup_total",
			Help: "Lookup items during expansion, by lookup type.",
		},
		[]string{"type"},
	)
)
