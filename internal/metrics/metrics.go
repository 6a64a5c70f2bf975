package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the instrumentation shared by the server and the broadcast
// dispatcher. A nil *Metrics is valid and records nothing, which keeps tests
// free of registry collisions.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	Broadcasts        *prometheus.CounterVec
	BroadcastErrors   prometheus.Counter
	DroppedFrames     prometheus.Counter
}

// New registers the milksync collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "milksync",
			Name:      "active_connections",
			Help:      "Number of live WebSocket connections.",
		}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "milksync",
			Name:      "broadcasts_total",
			Help:      "Events fanned out, by event type.",
		}, []string{"event"}),
		BroadcastErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "milksync",
			Name:      "broadcast_errors_total",
			Help:      "Broadcast attempts that failed and were swallowed.",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "milksync",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a connection buffer was full or closed.",
		}),
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) BroadcastSent(event string) {
	if m != nil {
		m.Broadcasts.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) BroadcastFailed() {
	if m != nil {
		m.BroadcastErrors.Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.DroppedFrames.Inc()
	}
}
