package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type names one kind of real-time event. The catalog is closed: the server
// only ever emits the Ev* constants and clients only ever send the Req*
// constants. Anything else is rejected at the transport boundary.
type Type string

// Server → client events.
const (
	EvStatsUpdated    Type = "stats-updated"
	EvDeliveryUpdated Type = "delivery-updated"
	EvPaymentAdded    Type = "payment-added"
	EvCustomerUpdated Type = "customer-updated"
	EvBalanceUpdated  Type = "balance-updated"
	EvActivityUpdated Type = "activity-updated"
	EvNotification    Type = "notification"
	EvSyncRequired    Type = "sync-required"
	EvPong            Type = "pong"
	EvError           Type = "error"
)

// Client → server control messages.
const (
	ReqStats          Type = "stats-request"
	ReqActivity       Type = "activity-request"
	ReqSync           Type = "sync-request"
	ReqDeliveryUpdate Type = "delivery-update"
	ReqPaymentAdd     Type = "payment-add"
	ReqCustomerUpdate Type = "customer-update"
	ReqPing           Type = "ping"
)

// Envelope is the wire format for every pushed event. Envelopes are ephemeral;
// they are consumed once per listener per delivery attempt and never persisted.
type Envelope struct {
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// New wraps a payload in an envelope stamped with the current time.
func New(t Type, payload any) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return Envelope{Type: t, Payload: raw, EmittedAt: time.Now().UTC()}, nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire frame into an envelope without touching the payload.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return e, nil
}

// Decode resolves the payload into its typed form based on the envelope type.
// The result is one of the payload structs below; callers type-switch on it.
func (e Envelope) Decode() (any, error) {
	decode := func(v any) (any, error) {
		if len(e.Payload) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return v, nil
	}

	switch e.Type {
	case EvStatsUpdated:
		return decode(&StatsPayload{})
	case EvDeliveryUpdated:
		return decode(&DeliveryPayload{})
	case EvPaymentAdded:
		return decode(&PaymentPayload{})
	case EvCustomerUpdated:
		return decode(&CustomerPayload{})
	case EvBalanceUpdated:
		return decode(&BalancePayload{})
	case EvActivityUpdated:
		return decode(&ActivityPayload{})
	case EvNotification:
		return decode(&NotificationPayload{})
	case EvSyncRequired:
		return decode(&SyncRequiredPayload{})
	case EvPong:
		return decode(&PongPayload{})
	case EvError:
		return decode(&ErrorPayload{})
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// DeliveryPayload describes one recorded or changed delivery.
type DeliveryPayload struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	Quantity    float64   `json:"quantity"`
	UnitPrice   float64   `json:"unitPrice"`
	Amount      float64   `json:"amount"`
	DeliveredAt time.Time `json:"deliveredAt"`
}

// PaymentPayload describes one recorded payment.
type PaymentPayload struct {
	ID         string    `json:"id"`
	CustomerID string    `json:"customerId"`
	Amount     float64   `json:"amount"`
	Method     string    `json:"method,omitempty"`
	PaidAt     time.Time `json:"paidAt"`
}

// CustomerPayload describes a customer record after an edit.
type CustomerPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Active  bool   `json:"active"`
}

// BalancePayload carries a customer's recomputed outstanding balance.
type BalancePayload struct {
	CustomerID  string  `json:"customerId"`
	TotalBilled float64 `json:"totalBilled"`
	TotalPaid   float64 `json:"totalPaid"`
	Balance     float64 `json:"balance"`
}

// StatsPayload is the derived aggregate snapshot pushed after qualifying
// mutations. It has no identity; every push supersedes the previous one.
type StatsPayload struct {
	Scope              string    `json:"scope"`
	TotalCustomers     int       `json:"totalCustomers"`
	TotalDeliveries    int       `json:"totalDeliveries"`
	TotalPayments      int       `json:"totalPayments"`
	TotalQuantity      float64   `json:"totalQuantity"`
	TotalBilled        float64   `json:"totalBilled"`
	TotalPaid          float64   `json:"totalPaid"`
	OutstandingBalance float64   `json:"outstandingBalance"`
	ComputedAt         time.Time `json:"computedAt"`
}

// ActivityEntry is one row of the recent-activity feed.
type ActivityEntry struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	CustomerID string    `json:"customerId,omitempty"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurredAt"`
}

// ActivityPayload carries the most recent activity entries, newest first.
type ActivityPayload struct {
	Entries []ActivityEntry `json:"entries"`
}

// NotificationPayload is the server-side shape of a notification push; the
// client materializes it into its own local Notification model.
type NotificationPayload struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SyncRequiredPayload tells the client to do a full refresh through the REST
// path rather than trusting incremental events.
type SyncRequiredPayload struct {
	Reason string `json:"reason,omitempty"`
}

// PongPayload answers a health probe.
type PongPayload struct {
	ProbeID string `json:"probeId,omitempty"`
}

// ErrorPayload reports a server-side failure for a client control message.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
