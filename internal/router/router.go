package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/milksync/milksync/internal/dispatch"
	"github.com/milksync/milksync/internal/stats"
	"github.com/milksync/milksync/internal/store"
	"github.com/milksync/milksync/pkg/events"
	"github.com/milksync/milksync/pkg/state"
)

// EventRouter decodes client control messages and executes their handlers.
// Mutations commit to the store first; broadcasts only ever follow a durable
// commit and their failures never surface back to the mutating client.
type EventRouter struct {
	logger       *slog.Logger
	stateManager state.Manager
	dispatcher   *dispatch.Dispatcher
	aggregator   *stats.Aggregator
	store        *store.MemStore
}

func NewEventRouter(logger *slog.Logger, sm state.Manager, d *dispatch.Dispatcher, a *stats.Aggregator, st *store.MemStore) *EventRouter {
	return &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		stateManager: sm,
		dispatcher:   d,
		aggregator:   a,
		store:        st,
	}
}

// HandleMessage is wired as the transport message handler for every connection.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", "connID", connID, "error", err)
		r.sendError(connID, "bad-message", "message is not valid JSON")
		return
	}

	conn, ok := r.stateManager.GetConnection(connID)
	if !ok || conn.User == nil {
		r.logger.Error("Message from unknown or unassociated connection", slog.String("connID", connID.String()))
		return
	}

	r.logger.Debug("Handling client event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))

	switch events.Type(clientMsg.Event) {
	case events.ReqPing:
		r.handlePing(conn, clientMsg.Payload)
	case events.ReqStats:
		r.handleStatsRequest(ctx, conn)
	case events.ReqActivity:
		r.handleActivityRequest(conn, clientMsg.Payload)
	case events.ReqSync:
		r.handleSyncRequest(ctx, conn)
	case events.ReqDeliveryUpdate:
		r.handleDeliveryUpdate(ctx, conn, clientMsg.Payload)
	case events.ReqPaymentAdd:
		r.handlePaymentAdd(ctx, conn, clientMsg.Payload)
	case events.ReqCustomerUpdate:
		r.handleCustomerUpdate(ctx, conn, clientMsg.Payload)
	default:
		r.logger.Warn("Received unknown event", "event", clientMsg.Event, "connID", connID)
		r.sendError(connID, "unknown-event", "unsupported event: "+clientMsg.Event)
	}
}

// SendInitialState pushes a fresh stats snapshot to a newly associated
// connection so it begins with current data instead of waiting for the next
// mutation.
func (r *EventRouter) SendInitialState(ctx context.Context, connID uuid.UUID) {
	conn, ok := r.stateManager.GetConnection(connID)
	if !ok || conn.User == nil {
		return
	}
	r.pushStats(ctx, conn)
}

func (r *EventRouter) handlePing(conn *state.Connection, payload json.RawMessage) {
	probeID := gjson.GetBytes(payload, "probeId").String()
	r.sendToOrigin(conn, events.EvPong, events.PongPayload{ProbeID: probeID})
}

func (r *EventRouter) handleStatsRequest(ctx context.Context, conn *state.Connection) {
	r.pushStats(ctx, conn)
}

func (r *EventRouter) handleActivityRequest(conn *state.Connection, payload json.RawMessage) {
	limit := int(gjson.GetBytes(payload, "limit").Int())
	entries := r.store.Activity(limit)
	r.sendToOrigin(conn, events.EvActivityUpdated, events.ActivityPayload{Entries: entries})
}

// handleSyncRequest answers a reconnected client asking for a push refresh:
// fresh stats plus the recent activity feed.
func (r *EventRouter) handleSyncRequest(ctx context.Context, conn *state.Connection) {
	r.pushStats(ctx, conn)
	entries := r.store.Activity(0)
	r.sendToOrigin(conn, events.EvActivityUpdated, events.ActivityPayload{Entries: entries})
}

func (r *EventRouter) handleDeliveryUpdate(ctx context.Context, conn *state.Connection, payload json.RawMessage) {
	var p events.DeliveryPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.sendError(conn.ID, "bad-payload", "delivery payload is malformed")
		return
	}
	committed, err := r.store.ApplyDelivery(ctx, p)
	if err != nil {
		r.logger.Warn("Delivery mutation rejected", slog.Any("error", err))
		r.sendError(conn.ID, "mutation-failed", err.Error())
		return
	}

	// Commit is durable from here; everything below is fire-and-forget.
	r.dispatcher.BroadcastToUser(committed.CustomerID, events.EvDeliveryUpdated, committed)
	r.broadcastBalance(ctx, committed.CustomerID)
	r.broadcastGlobalStats(ctx)
}

func (r *EventRouter) handlePaymentAdd(ctx context.Context, conn *state.Connection, payload json.RawMessage) {
	var p events.PaymentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.sendError(conn.ID, "bad-payload", "payment payload is malformed")
		return
	}
	committed, err := r.store.ApplyPayment(ctx, p)
	if err != nil {
		r.logger.Warn("Payment mutation rejected", slog.Any("error", err))
		r.sendError(conn.ID, "mutation-failed", err.Error())
		return
	}

	r.dispatcher.BroadcastToUser(committed.CustomerID, events.EvPaymentAdded, committed)
	r.broadcastBalance(ctx, committed.CustomerID)
	r.broadcastGlobalStats(ctx)
}

func (r *EventRouter) handleCustomerUpdate(ctx context.Context, conn *state.Connection, payload json.RawMessage) {
	var p events.CustomerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		r.sendError(conn.ID, "bad-payload", "customer payload is malformed")
		return
	}
	committed, err := r.store.ApplyCustomer(ctx, p)
	if err != nil {
		r.logger.Warn("Customer mutation rejected", slog.Any("error", err))
		r.sendError(conn.ID, "mutation-failed", err.Error())
		return
	}

	r.dispatcher.BroadcastToUser(committed.ID, events.EvCustomerUpdated, committed)
	r.broadcastGlobalStats(ctx)
}

// pushStats sends a scope-appropriate snapshot to the origin connection:
// admins see the global figures, customers their own.
func (r *EventRouter) pushStats(ctx context.Context, conn *state.Connection) {
	scope := stats.ScopeGlobal
	if conn.User.Role != state.RoleAdmin {
		scope = stats.ScopeCustomer(conn.User.ID)
	}
	snapshot, err := r.aggregator.Compute(ctx, scope)
	if err != nil {
		r.logger.Error("Stats computation failed", slog.Any("error", err))
		r.sendError(conn.ID, "stats-failed", "could not compute stats")
		return
	}
	r.sendToOrigin(conn, events.EvStatsUpdated, snapshot)
}

func (r *EventRouter) broadcastBalance(ctx context.Context, customerID string) {
	balance, err := r.aggregator.Balance(ctx, customerID)
	if err != nil {
		r.logger.Error("Balance computation failed", slog.String("customerID", customerID), slog.Any("error", err))
		return
	}
	r.dispatcher.BroadcastToUser(customerID, events.EvBalanceUpdated, balance)
}

func (r *EventRouter) broadcastGlobalStats(ctx context.Context) {
	snapshot, err := r.aggregator.Compute(ctx, stats.ScopeGlobal)
	if err != nil {
		r.logger.Error("Global stats computation failed", slog.Any("error", err))
		return
	}
	r.dispatcher.BroadcastGlobal(events.EvStatsUpdated, snapshot)
}

func (r *EventRouter) sendToOrigin(conn *state.Connection, t events.Type, payload any) {
	env, err := events.New(t, payload)
	if err != nil {
		r.logger.Error("Failed to build origin response", slog.String("event", string(t)), slog.Any("error", err))
		return
	}
	frame, err := env.Marshal()
	if err != nil {
		r.logger.Error("Failed to marshal origin response", slog.String("event", string(t)), slog.Any("error", err))
		return
	}
	if err := conn.Transport.Send(frame); err != nil {
		r.logger.Warn("Failed to send origin response", slog.String("event", string(t)), slog.Any("error", err))
	}
}

func (r *EventRouter) sendError(connID uuid.UUID, code, message string) {
	conn, ok := r.stateManager.GetConnection(connID)
	if !ok {
		return
	}
	r.sendToOrigin(conn, events.EvError, events.ErrorPayload{Code: code, Message: message})
}
