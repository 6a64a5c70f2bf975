package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milksync/milksync/pkg/events"
)

// Refresher is the periodic-pull fallback: a full re-fetch of state through
// the application's ordinary request path. Every event the push channel
// carries must be independently obtainable this way; push is an optimization,
// never a correctness requirement.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefreshFunc adapts a plain function to the Refresher interface.
type RefreshFunc func(ctx context.Context) error

func (f RefreshFunc) Refresh(ctx context.Context) error { return f(ctx) }

// PendingOperation is a queued outbound action recorded while disconnected.
type PendingOperation struct {
	ID      uuid.UUID
	Kind    events.Type
	Payload any
}

// Coordinator decides between live-push and periodic-pull delivery and queues
// operations issued while disconnected. Exactly one mode is active at a time:
// the instant the connection is observed Connected the pull ticker stops, so
// the same logical change can never reach the UI through both paths.
type Coordinator struct {
	sender       ProbeSender
	refresher    Refresher
	pollInterval time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	queue     []PendingOperation
	connected bool
	stopPoll  chan struct{}
	replaying bool
}

func NewCoordinator(logger *slog.Logger, sender ProbeSender, refresher Refresher, pollInterval time.Duration) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Coordinator{
		sender:       sender,
		refresher:    refresher,
		pollInterval: pollInterval,
		logger:       logger.With(slog.String("component", "offline_coordinator")),
	}
}

// Attach registers the coordinator on a client's state transitions. Call once
// after constructing both.
func (c *Coordinator) Attach(client *Client) {
	client.OnStateChange(c.HandleState)
	c.HandleState(client.State())
}

// HandleState switches delivery mode on every connection-state transition.
func (c *Coordinator) HandleState(st State) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = st.IsConnected()
	c.mu.Unlock()

	switch {
	case st.IsConnected() && !wasConnected:
		c.stopPolling()
		go c.Replay(context.Background())
	case !st.IsConnected() && wasConnected:
		c.startPolling()
	case !st.IsConnected():
		// already offline; make sure the fallback is running
		c.startPolling()
	}
}

// Do sends an operation live when connected, and queues it otherwise. A send
// that fails mid-flight is queued too rather than dropped.
func (c *Coordinator) Do(ctx context.Context, kind events.Type, payload any) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()

	if connected {
		err := c.sender.Send(ctx, kind, payload)
		if err == nil {
			return nil
		}
		c.logger.Warn("Live send failed; queueing operation", slog.String("kind", string(kind)), slog.Any("error", err))
	}
	c.enqueue(kind, payload)
	return nil
}

// Pending reports the queued operations in replay order.
func (c *Coordinator) Pending() []PendingOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingOperation, len(c.queue))
	copy(out, c.queue)
	return out
}

// Replay drains the pending queue strictly in FIFO order. An entry is removed
// only after its frame write succeeds; if the connection drops mid-replay the
// failed entry and everything behind it stay queued for the next reconnect
// (at-least-once).
func (c *Coordinator) Replay(ctx context.Context) {
	c.mu.Lock()
	if c.replaying {
		c.mu.Unlock()
		return
	}
	c.replaying = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.replaying = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		op := c.queue[0]
		c.mu.Unlock()

		if err := c.sender.Send(ctx, op.Kind, op.Payload); err != nil {
			c.logger.Warn("Replay halted; operation stays queued",
				slog.String("kind", string(op.Kind)),
				slog.String("opID", op.ID.String()),
				slog.Any("error", err),
			)
			return
		}

		c.mu.Lock()
		// The head can only have been consumed by this replay.
		if len(c.queue) > 0 && c.queue[0].ID == op.ID {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
		c.logger.Debug("Replayed pending operation", slog.String("kind", string(op.Kind)), slog.String("opID", op.ID.String()))
	}
}

func (c *Coordinator) enqueue(kind events.Type, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, PendingOperation{ID: uuid.New(), Kind: kind, Payload: payload})
}

func (c *Coordinator) startPolling() {
	c.mu.Lock()
	if c.stopPoll != nil {
		c.mu.Unlock()
		return
	}
	c.stopPoll = make(chan struct{})
	stop := c.stopPoll
	c.mu.Unlock()

	c.logger.Info("Falling back to periodic pull", slog.Duration("interval", c.pollInterval))
	go func() {
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if c.refresher == nil {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), c.pollInterval)
				if err := c.refresher.Refresh(ctx); err != nil {
					c.logger.Warn("Fallback refresh failed", slog.Any("error", err))
				}
				cancel()
			}
		}
	}()
}

func (c *Coordinator) stopPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopPoll != nil {
		close(c.stopPoll)
		c.stopPoll = nil
	}
}
