package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/milksync/milksync/pkg/events"
)

// Scope selects which slice of the authoritative data a computation covers:
// the empty scope means everything (the admin view), a customer scope covers
// one customer's records.
type Scope string

const ScopeGlobal Scope = ""

// ScopeCustomer narrows a computation to a single customer.
func ScopeCustomer(customerID string) Scope {
	return Scope(customerID)
}

// CustomerRecord is the slice of a customer row the aggregator needs.
type CustomerRecord struct {
	ID     string
	Name   string
	Active bool
}

// DeliveryRecord is one billed delivery.
type DeliveryRecord struct {
	ID          string
	CustomerID  string
	Quantity    float64
	Amount      float64
	DeliveredAt time.Time
}

// PaymentRecord is one received payment.
type PaymentRecord struct {
	ID         string
	CustomerID string
	Amount     float64
	PaidAt     time.Time
}

// Source is the authoritative store the aggregator scans. Persistence itself
// is outside this layer; anything that can list committed records qualifies.
type Source interface {
	Customers(ctx context.Context, scope Scope) ([]CustomerRecord, error)
	Deliveries(ctx context.Context, scope Scope) ([]DeliveryRecord, error)
	Payments(ctx context.Context, scope Scope) ([]PaymentRecord, error)
}

// Aggregator recomputes summary figures from the authoritative store. It runs
// synchronously inside the mutation path, immediately before broadcasting, so
// a pushed summary is always consistent with the mutation that triggered it.
// Cost scales with record volume per scope; acceptable at this domain's size.
type Aggregator struct {
	source Source
	logger *slog.Logger
}

func NewAggregator(logger *slog.Logger, source Source) *Aggregator {
	return &Aggregator{
		source: source,
		logger: logger.With(slog.String("component", "stats_aggregator")),
	}
}

// Compute scans the source for the scope and returns a fresh snapshot.
func (a *Aggregator) Compute(ctx context.Context, scope Scope) (*events.StatsPayload, error) {
	customers, err := a.source.Customers(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("scan customers: %w", err)
	}
	deliveries, err := a.source.Deliveries(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("scan deliveries: %w", err)
	}
	payments, err := a.source.Payments(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("scan payments: %w", err)
	}

	snapshot := &events.StatsPayload{
		Scope:          string(scope),
		TotalCustomers: len(customers),
		ComputedAt:     time.Now().UTC(),
	}
	for _, d := range deliveries {
		snapshot.TotalDeliveries++
		snapshot.TotalQuantity += d.Quantity
		snapshot.TotalBilled += d.Amount
	}
	for _, p := range payments {
		snapshot.TotalPayments++
		snapshot.TotalPaid += p.Amount
	}
	snapshot.OutstandingBalance = snapshot.TotalBilled - snapshot.TotalPaid
	return snapshot, nil
}

// Balance recomputes one customer's outstanding figures: billed minus paid.
func (a *Aggregator) Balance(ctx context.Context, customerID string) (*events.BalancePayload, error) {
	scope := ScopeCustomer(customerID)
	deliveries, err := a.source.Deliveries(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("scan deliveries: %w", err)
	}
	payments, err := a.source.Payments(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("scan payments: %w", err)
	}

	balance := &events.BalancePayload{CustomerID: customerID}
	for _, d := range deliveries {
		balance.TotalBilled += d.Amount
	}
	for _, p := range payments {
		balance.TotalPaid += p.Amount
	}
	balance.Balance = balance.TotalBilled - balance.TotalPaid
	return balance, nil
}
