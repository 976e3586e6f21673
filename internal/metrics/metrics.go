// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksDispatchedTotal counts tasks assigned to a device and handed to a worker.
	TasksDispatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_tasks_dispatched_total",
			Help: "Total number of tasks dispatched to a worker",
		},
	)

	// TasksFailedTotal counts terminal failures by reason.
	TasksFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_tasks_failed_total",
			Help: "Total number of tasks that reached FAILED, by reason",
		},
		[]string{"reason"},
	)

	// TasksKilledTotal counts KILLING tasks driven to their terminal state.
	TasksKilledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_tasks_killed_total",
			Help: "Total number of tasks killed by request or staleness",
		},
	)

	// WorkersReapedTotal counts exited worker subprocesses removed from the registry.
	WorkersReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_workers_reaped_total",
			Help: "Total number of finished worker processes reaped",
		},
	)

	// DevicesAttached tracks the bridge's current device count.
	DevicesAttached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferry_devices_attached",
			Help: "Number of devices currently attached to the bridge",
		},
	)

	// DeviceRefreshTotal counts inventory refresh sweeps.
	DeviceRefreshTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ferry_device_refresh_total",
			Help: "Total number of device inventory refresh sweeps",
		},
	)

	// HTTPRequestsTotal counts API requests by route and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferry_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"route", "code"},
	)
)
