// Package metrics holds the Prometheus collectors of the poll service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datepoll"

// Metrics is a private registry plus the collectors the service updates.
type Metrics struct {
	registry *prometheus.Registry

	EventsCreated  prometheus.Counter
	EventsPurged   prometheus.Counter
	DatesAdded     prometheus.Counter
	VotesAccepted  prometheus.Counter
	VotesRejected  *prometheus.CounterVec
	SessionsActive prometheus.GaugeFunc
	ICSImports     *prometheus.CounterVec
}

// New registers all collectors. activeSessions is polled on scrape; it may
// be nil.
func New(activeSessions func() int) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_created_total",
			Help: "Events created.",
		}),
		EventsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_purged_total",
			Help: "Events removed by the retention job.",
		}),
		DatesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dates_added_total",
			Help: "Candidate dates added to events.",
		}),
		VotesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_accepted_total",
			Help: "Votes recorded.",
		}),
		VotesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "votes_rejected_total",
			Help: "Votes refused, by reason.",
		}, []string{"reason"}),
		ICSImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ics_imports_total",
			Help: "Remote calendar imports, by outcome.",
		}, []string{"outcome"}),
	}
	if activeSessions == nil {
		activeSessions = func() int { return 0 }
	}
	m.SessionsActive = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: "sessions_active",
		Help: "Logged-in sessions.",
	}, func() float64 { return float64(activeSessions()) })

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsCreated, m.EventsPurged, m.DatesAdded,
		m.VotesAccepted, m.VotesRejected, m.SessionsActive, m.ICSImports,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
