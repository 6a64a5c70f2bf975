package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/milksync/milksync/internal/stats"
	"github.com/milksync/milksync/pkg/events"
)

// activityLimit bounds the in-memory activity feed.
const activityLimit = 200

var ErrUnknownCustomer = errors.New("store: unknown customer")

// MemStore is the in-memory stand-in for the authoritative persistence layer.
// The surrounding application owns real storage; the realtime layer only needs
// something that commits mutations before they are broadcast and that the
// stats aggregator can scan.
type MemStore struct {
	mu         sync.RWMutex
	customers  map[string]stats.CustomerRecord
	deliveries map[string]stats.DeliveryRecord
	payments   map[string]stats.PaymentRecord
	activity   []events.ActivityEntry // newest first

	logger *slog.Logger
}

func NewMemStore(logger *slog.Logger) *MemStore {
	return &MemStore{
		customers:  make(map[string]stats.CustomerRecord),
		deliveries: make(map[string]stats.DeliveryRecord),
		payments:   make(map[string]stats.PaymentRecord),
		logger:     logger.With(slog.String("component", "memstore")),
	}
}

var _ stats.Source = (*MemStore)(nil)

// ApplyCustomer upserts a customer record.
func (s *MemStore) ApplyCustomer(ctx context.Context, p events.CustomerPayload) (events.CustomerPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.customers[p.ID] = stats.CustomerRecord{ID: p.ID, Name: p.Name, Active: p.Active}
	s.recordActivity("customer", p.ID, fmt.Sprintf("customer %s updated", p.Name))
	return p, nil
}

// ApplyDelivery commits a delivery mutation. The owning customer must exist.
func (s *MemStore) ApplyDelivery(ctx context.Context, p events.DeliveryPayload) (events.DeliveryPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[p.CustomerID]; !ok {
		return events.DeliveryPayload{}, fmt.Errorf("%w: %s", ErrUnknownCustomer, p.CustomerID)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Amount == 0 {
		p.Amount = p.Quantity * p.UnitPrice
	}
	if p.DeliveredAt.IsZero() {
		p.DeliveredAt = time.Now().UTC()
	}
	s.deliveries[p.ID] = stats.DeliveryRecord{
		ID:          p.ID,
		CustomerID:  p.CustomerID,
		Quantity:    p.Quantity,
		Amount:      p.Amount,
		DeliveredAt: p.DeliveredAt,
	}
	s.recordActivity("delivery", p.CustomerID, fmt.Sprintf("delivery of %.2f recorded", p.Quantity))
	return p, nil
}

// ApplyPayment commits a payment mutation. The owning customer must exist.
func (s *MemStore) ApplyPayment(ctx context.Context, p events.PaymentPayload) (events.PaymentPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[p.CustomerID]; !ok {
		return events.PaymentPayload{}, fmt.Errorf("%w: %s", ErrUnknownCustomer, p.CustomerID)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now().UTC()
	}
	s.payments[p.ID] = stats.PaymentRecord{
		ID:         p.ID,
		CustomerID: p.CustomerID,
		Amount:     p.Amount,
		PaidAt:     p.PaidAt,
	}
	s.recordActivity("payment", p.CustomerID, fmt.Sprintf("payment of %.2f received", p.Amount))
	return p, nil
}

// Activity returns the most recent entries, newest first.
func (s *MemStore) Activity(limit int) []events.ActivityEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.activity) {
		limit = len(s.activity)
	}
	out := make([]events.ActivityEntry, limit)
	copy(out, s.activity[:limit])
	return out
}

// recordActivity prepends an entry; callers hold the write lock.
func (s *MemStore) recordActivity(kind, customerID, summary string) {
	entry := events.ActivityEntry{
		ID:         uuid.NewString(),
		Kind:       kind,
		CustomerID: customerID,
		Summary:    summary,
		OccurredAt: time.Now().UTC(),
	}
	s.activity = append([]events.ActivityEntry{entry}, s.activity...)
	if len(s.activity) > activityLimit {
		s.activity = s.activity[:activityLimit]
	}
}

// --- stats.Source ---

func (s *MemStore) Customers(ctx context.Context, scope stats.Scope) ([]stats.CustomerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]stats.CustomerRecord, 0, len(s.customers))
	for _, c := range s.customers {
		if scope != stats.ScopeGlobal && c.ID != string(scope) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemStore) Deliveries(ctx context.Context, scope stats.Scope) ([]stats.DeliveryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]stats.DeliveryRecord, 0, len(s.deliveries))
	for _, d := range s.deliveries {
		if scope != stats.ScopeGlobal && d.CustomerID != string(scope) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *MemStore) Payments(ctx context.Context, scope stats.Scope) ([]stats.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]stats.PaymentRecord, 0, len(s.payments))
	for _, p := range s.payments {
		if scope != stats.ScopeGlobal && p.CustomerID != string(scope) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}
