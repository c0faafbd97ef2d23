package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_messages_total",
			Help: "Messages lifecycle counter by stage",
		},
		[]string{"stage"}, // published|claimed|succeeded|failed|dead
	)

	LeaseConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_lease_conflicts_total",
			Help: "Claim attempts lost to a competing worker's live lease",
		},
	)

	EmptyPollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_empty_polls_total",
			Help: "Claim polls that found no eligible message",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal,
		LeaseConflictsTotal,
		EmptyPollsTotal,
	)
}
