// Package services implements the ticket-session state machine and the
// deploy correlator. This file registers the domain-level Prometheus
// collectors. HTTP-level metrics live in the middleware package; the
// counters here track the correlation pipeline itself, with label
// cardinality bounded to small fixed sets.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// sessionTransitions counts state-machine transitions by target state.
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_session_transitions_total",
			Help: "Ticket session transitions by resulting state.",
		},
		[]string{"to"},
	)

	// ticketsCreated counts remote ticket creations by outcome.
	ticketsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_tickets_created_total",
			Help: "Remote ticket creation attempts by outcome (ok|error).",
		},
		[]string{"outcome"},
	)

	// deployEvents counts deploy webhook dispositions. "matched" means a
	// notification plan was produced; otherwise the IgnoreReason is used.
	deployEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticketbot_deploy_events_total",
			Help: "Deploy events by disposition (matched or ignore reason).",
		},
		[]string{"disposition"},
	)

	// armedExpired counts Armed sessions reverted to Idle by TTL expiry.
	armedExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ticketbot_armed_expired_total",
			Help: "Armed sessions that expired without content.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionTransitions, ticketsCreated, deployEvents, armedExpired)
}
