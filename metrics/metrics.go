package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "tweetescrow"

	LabelToken   = "token"
	LabelStatus  = "status"
	LabelOutcome = "outcome"
)

var TasksCreated = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "tasks_created_total",
		Help:      "Tasks created, by reward token",
	},
	[]string{LabelToken},
)

var TaskTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "task_transitions_total",
		Help:      "Task status transitions, by target status",
	},
	[]string{LabelStatus},
)

var VerificationCallbacks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "verification_callbacks_total",
		Help:      "Oracle verdicts received, by outcome",
	},
	[]string{LabelOutcome},
)

var Withdrawals = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "withdrawals_total",
		Help:      "Reward withdrawal attempts, by outcome",
	},
	[]string{LabelOutcome},
)

var VerificationRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "verification_requests_total",
		Help:      "Verification requests sent to the oracle, by outcome",
	},
	[]string{LabelOutcome},
)
