package stats_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milksync/milksync/internal/stats"
)

type fakeSource struct {
	customers  []stats.CustomerRecord
	deliveries []stats.DeliveryRecord
	payments   []stats.PaymentRecord
}

func (f *fakeSource) filterScope(customerID string, scope stats.Scope) bool {
	return scope == stats.ScopeGlobal || customerID == string(scope)
}

func (f *fakeSource) Customers(_ context.Context, scope stats.Scope) ([]stats.CustomerRecord, error) {
	var out []stats.CustomerRecord
	for _, c := range f.customers {
		if f.filterScope(c.ID, scope) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) Deliveries(_ context.Context, scope stats.Scope) ([]stats.DeliveryRecord, error) {
	var out []stats.DeliveryRecord
	for _, d := range f.deliveries {
		if f.filterScope(d.CustomerID, scope) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeSource) Payments(_ context.Context, scope stats.Scope) ([]stats.PaymentRecord, error) {
	var out []stats.PaymentRecord
	for _, p := range f.payments {
		if f.filterScope(p.CustomerID, scope) {
			out = append(out, p)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestComputeGlobalTotals(t *testing.T) {
	source := &fakeSource{
		customers: []stats.CustomerRecord{{ID: "a"}, {ID: "b"}},
		deliveries: []stats.DeliveryRecord{
			{ID: "d1", CustomerID: "a", Quantity: 2, Amount: 100},
			{ID: "d2", CustomerID: "b", Quantity: 3, Amount: 150},
		},
		payments: []stats.PaymentRecord{
			{ID: "p1", CustomerID: "a", Amount: 60},
		},
	}
	agg := stats.NewAggregator(testLogger(), source)

	snapshot, err := agg.Compute(context.Background(), stats.ScopeGlobal)
	require.NoError(t, err)

	assert.Equal(t, 2, snapshot.TotalCustomers)
	assert.Equal(t, 2, snapshot.TotalDeliveries)
	assert.Equal(t, 1, snapshot.TotalPayments)
	assert.Equal(t, 5.0, snapshot.TotalQuantity)
	assert.Equal(t, 250.0, snapshot.TotalBilled)
	assert.Equal(t, 60.0, snapshot.TotalPaid)
	assert.Equal(t, 190.0, snapshot.OutstandingBalance)
	assert.False(t, snapshot.ComputedAt.IsZero())
}

func TestComputeCustomerScopeExcludesOthers(t *testing.T) {
	source := &fakeSource{
		customers: []stats.CustomerRecord{{ID: "a"}, {ID: "b"}},
		deliveries: []stats.DeliveryRecord{
			{ID: "d1", CustomerID: "a", Amount: 100},
			{ID: "d2", CustomerID: "b", Amount: 999},
		},
	}
	agg := stats.NewAggregator(testLogger(), source)

	snapshot, err := agg.Compute(context.Background(), stats.ScopeCustomer("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, snapshot.TotalCustomers)
	assert.Equal(t, 100.0, snapshot.TotalBilled)
}

// A payment of amount A against prior billed total B and prior paid total P
// must yield a balance of exactly B - (P + A).
func TestBalanceAfterPayment(t *testing.T) {
	const (
		billed  = 500.0 // B
		paid    = 120.0 // P
		payment = 80.0  // A
	)
	source := &fakeSource{
		customers: []stats.CustomerRecord{{ID: "cust-42"}},
		deliveries: []stats.DeliveryRecord{
			{ID: "d1", CustomerID: "cust-42", Amount: billed},
		},
		payments: []stats.PaymentRecord{
			{ID: "p1", CustomerID: "cust-42", Amount: paid},
			{ID: "p2", CustomerID: "cust-42", Amount: payment},
		},
	}
	agg := stats.NewAggregator(testLogger(), source)

	balance, err := agg.Balance(context.Background(), "cust-42")
	require.NoError(t, err)
	assert.Equal(t, billed, balance.TotalBilled)
	assert.Equal(t, paid+payment, balance.TotalPaid)
	assert.Equal(t, billed-(paid+payment), balance.Balance)
}
