package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream coordinator metrics
	StreamBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "stream",
			Name:      "broadcasts_total",
			Help:      "Total number of stream broadcasts by event kind",
		},
		[]string{"kind"},
	)

	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "switchboard",
			Subsystem: "stream",
			Name:      "subscribers_active",
			Help:      "Number of currently attached stream subscribers",
		},
	)

	DroppedSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "stream",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers removed after a failed delivery",
		},
	)

	// Request bridge metrics
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "switchboard",
			Subsystem: "bridge",
			Name:      "requests_in_flight",
			Help:      "Number of live entries in the request registry",
		},
	)

	RequestsCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "bridge",
			Name:      "requests_cancelled_total",
			Help:      "Requests cancelled before completion",
		},
	)

	RequestsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "bridge",
			Name:      "requests_dispatched_total",
			Help:      "Requests dispatched by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// Tool hub metrics
	ToolServerConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "toolhub",
			Name:      "connects_total",
			Help:      "Tool-server connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	ConnectedToolServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "switchboard",
			Subsystem: "toolhub",
			Name:      "servers_connected",
			Help:      "Number of currently connected tool servers",
		},
	)

	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "toolhub",
			Name:      "config_reloads_total",
			Help:      "Configuration document reloads by outcome",
		},
		[]string{"outcome"},
	)

	// Edit session metrics
	EditSessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "editsession",
			Name:      "opened_total",
			Help:      "Diff edit sessions opened",
		},
	)

	EditSessionSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "switchboard",
			Subsystem: "editsession",
			Name:      "saves_total",
			Help:      "Diff edit session save attempts by outcome",
		},
		[]string{"outcome"},
	)
)
