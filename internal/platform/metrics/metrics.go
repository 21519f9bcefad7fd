// Package metrics exposes Prometheus instruments for the booking engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BookingMetrics counts booking outcomes, status transitions and
// availability lookups, and times the booking commit.
type BookingMetrics struct {
	bookingsTotal     *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	availabilityTotal *prometheus.CounterVec
	commitLatency     *prometheus.HistogramVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "bookings_total",
			Help:      "Booking attempts by actor role and outcome",
		}, []string{"actor", "outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "transitions_total",
			Help:      "Status transition attempts by target status and outcome",
		}, []string{"to", "outcome"}),
		availabilityTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "availability_requests_total",
			Help:      "Availability lookups by exclusion reason (empty when open)",
		}, []string{"reason"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "booking",
			Name:      "commit_latency_seconds",
			Help:      "Latency of the locked booking commit",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.availabilityTotal, m.commitLatency)
	return m
}

func (m *BookingMetrics) ObserveBooking(actor, outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(actor, outcome).Inc()
}

func (m *BookingMetrics) ObserveTransition(to, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, outcome).Inc()
}

func (m *BookingMetrics) ObserveAvailability(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "open"
	}
	m.availabilityTotal.WithLabelValues(reason).Inc()
}

func (m *BookingMetrics) ObserveCommit(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.commitLatency.WithLabelValues(outcome).Observe(seconds)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
