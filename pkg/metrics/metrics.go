package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxmq_deliveries_total",
			Help: "Deliveries handled by message type and result",
		},
		[]string{"type", "result"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lxmq_reconnects_total",
			Help: "Bus consumer reconnect attempts",
		},
	)

	// Allocator metrics
	PortsReservedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lxmq_ports_reserved_total",
			Help: "Ports moved from available to pending",
		},
	)

	PortsReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lxmq_ports_released_total",
			Help: "Ports released from the pending record",
		},
	)

	PendingPorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lxmq_pending_ports",
			Help: "Ports currently in the pending record",
		},
	)

	AvailablePorts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lxmq_available_ports",
			Help: "Ports currently in the available record",
		},
	)

	// Pipeline metrics
	InstancesCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lxmq_instances_created_total",
			Help: "Instances created by the create pipeline",
		},
	)

	PipelineFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lxmq_pipeline_failures_total",
			Help: "Pipeline failures by error kind",
		},
		[]string{"kind"},
	)
)

// Register registers all metrics with the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		DeliveriesTotal,
		ReconnectsTotal,
		PortsReservedTotal,
		PortsReleasedTotal,
		PendingPorts,
		AvailablePorts,
		InstancesCreatedTotal,
		PipelineFailuresTotal,
	)
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
