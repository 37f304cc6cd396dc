// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_messages_total",
			Help: "Total number of messages run through the pipeline, by outcome",
		},
		[]string{"outcome"},
	)

	StageFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_stage_faults_total",
			Help: "Total number of unexpected stage faults, by stage",
		},
		[]string{"stage"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crmgate_deliveries_total",
			Help: "Total number of delivery attempts to the CRM backend, by result",
		},
		[]string{"result"},
	)
)
