// Package metrics exposes the master server's operational counters and gauges
// through a prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dimension carries extra label values attached to a metric observation, such
// as region or spawner id.
type Dimension map[string]string

// Metrics bundles every instrument the toolkit reports. All instruments are
// registered on a private registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	SpawnersOnline  prometheus.Gauge
	SpawnerLoad     *prometheus.GaugeVec
	SpawnTasks      *prometheus.GaugeVec
	SpawnRequests   *prometheus.CounterVec
	SpawnDuration   prometheus.Histogram
	RoomsRegistered prometheus.Gauge
	RoomPlayers     prometheus.Gauge
	TokensIssued    prometheus.Counter
	TokensConsumed  prometheus.Counter
	TokensExpired   prometheus.Counter
	PacketsReceived *prometheus.CounterVec
}

// New creates a metrics bundle on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SpawnersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "spawners_online",
			Help:      "Number of registered spawner processes.",
		}),
		SpawnerLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "spawner_load",
			Help:      "Processes currently attributed to each spawner.",
		}, []string{"spawner", "region"}),
		SpawnTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "spawn_tasks",
			Help:      "Spawn tasks by state.",
		}, []string{"state"}),
		SpawnRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "spawn_requests_total",
			Help:      "Spawn requests by outcome.",
		}, []string{"outcome"}),
		SpawnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nexus",
			Name:      "spawn_duration_seconds",
			Help:      "Time from spawn request to room registration.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		RoomsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "rooms_registered",
			Help:      "Number of registered rooms.",
		}),
		RoomPlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "room_players",
			Help:      "Players online across all rooms.",
		}),
		TokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "access_tokens_issued_total",
			Help:      "Room access tokens issued.",
		}),
		TokensConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "access_tokens_consumed_total",
			Help:      "Room access tokens successfully validated.",
		}),
		TokensExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "access_tokens_expired_total",
			Help:      "Room access tokens expired before use.",
		}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Name:      "packets_received_total",
			Help:      "Packets received by message id.",
		}, []string{"msgId"}),
	}

	reg.MustRegister(
		m.SpawnersOnline, m.SpawnerLoad, m.SpawnTasks, m.SpawnRequests,
		m.SpawnDuration, m.RoomsRegistered, m.RoomPlayers,
		m.TokensIssued, m.TokensConsumed, m.TokensExpired, m.PacketsReceived,
	)
	return m
}

// Handler returns an http handler serving the registry in the prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TouchSpawner updates the per-spawner load gauge.
func (m *Metrics) TouchSpawner(dim Dimension, load float64) {
	m.SpawnerLoad.With(prometheus.Labels(dim)).Set(load)
}

// DropSpawner removes the per-spawner load series after unregistration.
func (m *Metrics) DropSpawner(dim Dimension) {
	m.SpawnerLoad.Delete(prometheus.Labels(dim))
}
