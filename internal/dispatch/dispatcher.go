package dispatch

import (
	"errors"
	"log/slog"

	"github.com/milksync/milksync/internal/metrics"
	"github.com/milksync/milksync/pkg/events"
	"github.com/milksync/milksync/pkg/state"
	"github.com/milksync/milksync/pkg/transport"
)

// Dispatcher fans server-side events out to live connections. It is a pure
// in-memory fan-out over already-classified connections; it never touches
// storage and it never reports failure to its caller. The mutation that
// triggered a broadcast must succeed or fail on persistence alone, so every
// error here is logged, counted, and swallowed.
type Dispatcher struct {
	state   state.Manager
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(logger *slog.Logger, st state.Manager, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		state:   st,
		logger:  logger.With(slog.String("component", "dispatcher")),
		metrics: m,
	}
}

// BroadcastToUser delivers an event to every connection currently in the
// user's room. Connections resolved to other users never receive it.
func (d *Dispatcher) BroadcastToUser(userID string, eventType events.Type, payload any) {
	frame, ok := d.encode(eventType, payload)
	if !ok {
		return
	}

	roomID := state.UserRoom(userID)
	members, err := d.state.GetRoomMembers(roomID)
	if err != nil {
		// Nobody connected for this user; the client catches up on refresh.
		d.logger.Debug("No live room for user broadcast", slog.String("roomID", roomID), slog.String("event", string(eventType)))
		return
	}

	for _, member := range members {
		// Snapshot the member's transports under the state manager's lock;
		// User.Connections is a live map that registration mutates.
		conns, err := d.state.GetUserConnections(member.ID)
		if err != nil {
			continue
		}
		for _, conn := range conns {
			d.deliver(conn, frame, eventType)
		}
	}
}

// BroadcastGlobal delivers an event to every connected session, used for
// admin-facing aggregate pushes.
func (d *Dispatcher) BroadcastGlobal(eventType events.Type, payload any) {
	frame, ok := d.encode(eventType, payload)
	if !ok {
		return
	}

	conns, err := d.state.GetAllConnections()
	if err != nil {
		d.logger.Error("Global broadcast could not enumerate connections", slog.Any("error", err))
		d.metrics.BroadcastFailed()
		return
	}
	for _, conn := range conns {
		d.deliver(conn.Transport, frame, eventType)
	}
}

// encode marshals the envelope once per broadcast.
func (d *Dispatcher) encode(eventType events.Type, payload any) ([]byte, bool) {
	env, err := events.New(eventType, payload)
	if err != nil {
		d.logger.Error("Failed to build envelope", slog.String("event", string(eventType)), slog.Any("error", err))
		d.metrics.BroadcastFailed()
		return nil, false
	}
	frame, err := env.Marshal()
	if err != nil {
		d.logger.Error("Failed to marshal envelope", slog.String("event", string(eventType)), slog.Any("error", err))
		d.metrics.BroadcastFailed()
		return nil, false
	}
	return frame, true
}

func (d *Dispatcher) deliver(conn transport.Conn, frame []byte, eventType events.Type) {
	if conn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Broadcast send panicked", slog.String("event", string(eventType)), slog.Any("panic", r))
			d.metrics.BroadcastFailed()
		}
	}()

	if err := conn.Send(frame); err != nil {
		if errors.Is(err, transport.ErrSendBufferFull) || errors.Is(err, transport.ErrConnectionClosed) {
			d.metrics.FrameDropped()
		} else {
			d.metrics.BroadcastFailed()
		}
		d.logger.Warn("Broadcast send failed",
			slog.String("event", string(eventType)),
			slog.String("connID", conn.ID().String()),
			slog.Any("error", err),
		)
		return
	}
	d.metrics.BroadcastSent(string(eventType))
}
