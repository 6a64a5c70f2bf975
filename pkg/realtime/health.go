package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milksync/milksync/pkg/events"
)

const defaultProbeTimeout = 5 * time.Second

// ProbeSender is the outbound half the monitor needs; *Client satisfies it.
type ProbeSender interface {
	Send(ctx context.Context, t events.Type, payload any) error
}

// probePayload is the body of a ping control message.
type probePayload struct {
	ProbeID string `json:"probeId"`
}

// HealthMonitor detects silently-hung connections with an application-level
// ping/pong exchange. A socket can be technically open yet dead (TCP idle
// without a FIN); transport state alone would never notice, a missed probe
// does.
type HealthMonitor struct {
	sender  ProbeSender
	mux     *Mux
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	healthy bool
	stop    chan struct{}
	offPong func()
	pongs   chan string
}

func NewHealthMonitor(logger *slog.Logger, sender ProbeSender, mux *Mux, probeTimeout time.Duration) *HealthMonitor {
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &HealthMonitor{
		sender:  sender,
		mux:     mux,
		logger:  logger.With(slog.String("component", "health_monitor")),
		timeout: probeTimeout,
	}
}

// Healthy reports whether the last probe completed a round-trip in time.
func (h *HealthMonitor) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// StartHealthCheck begins periodic liveness probing. Calling it while a
// check is already running restarts it with the new interval.
func (h *HealthMonitor) StartHealthCheck(interval time.Duration) {
	h.StopHealthCheck()

	h.mu.Lock()
	h.stop = make(chan struct{})
	h.pongs = make(chan string, 8)
	stop := h.stop
	pongs := h.pongs
	h.offPong = h.mux.On(events.EvPong, func(env events.Envelope) {
		var p events.PongPayload
		if decoded, err := env.Decode(); err == nil {
			if pp, ok := decoded.(*events.PongPayload); ok {
				p = *pp
			}
		}
		select {
		case pongs <- p.ProbeID:
		default:
		}
	})
	h.mu.Unlock()

	go h.run(interval, stop, pongs)
}

// StopHealthCheck cancels the probe loop. Owners must call it on teardown so
// the timer does not outlive its component.
func (h *HealthMonitor) StopHealthCheck() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	if h.offPong != nil {
		h.offPong()
		h.offPong = nil
	}
}

func (h *HealthMonitor) run(interval time.Duration, stop chan struct{}, pongs chan string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.probe(stop, pongs)
		}
	}
}

// probe sends one ping and waits for its pong within the timeout. The result
// is never sticky: a miss marks the connection unhealthy and the next
// successful round-trip marks it healthy again.
func (h *HealthMonitor) probe(stop chan struct{}, pongs chan string) {
	probeID := uuid.NewString()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.sender.Send(ctx, events.ReqPing, probePayload{ProbeID: probeID}); err != nil {
		h.logger.Debug("Health probe send failed", slog.Any("error", err))
		h.setHealthy(false)
		return
	}

	deadline := time.NewTimer(h.timeout)
	defer deadline.Stop()
	for {
		select {
		case <-stop:
			return
		case id := <-pongs:
			if id == probeID || id == "" {
				h.setHealthy(true)
				return
			}
			// stale pong from an earlier probe; keep waiting
		case <-deadline.C:
			h.logger.Warn("Health probe timed out", slog.Duration("timeout", h.timeout))
			h.setHealthy(false)
			return
		}
	}
}

func (h *HealthMonitor) setHealthy(v bool) {
	h.mu.Lock()
	h.healthy = v
	h.mu.Unlock()
}
