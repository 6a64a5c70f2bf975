package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/milksync/milksync/internal/stats"
	"github.com/milksync/milksync/pkg/events"
)

func testStore() *MemStore {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	return NewMemStore(logger)
}

func TestApplyDeliveryRequiresKnownCustomer(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	_, err := s.ApplyDelivery(ctx, events.DeliveryPayload{CustomerID: "ghost", Quantity: 5})
	if !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer, got %v", err)
	}
	if _, err := s.ApplyPayment(ctx, events.PaymentPayload{CustomerID: "ghost", Amount: 10}); !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("expected ErrUnknownCustomer for payment, got %v", err)
	}
	if len(s.Activity(0)) != 0 {
		t.Fatal("rejected mutations must not appear in the activity feed")
	}
}

func TestApplyDeliveryDerivesFields(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	if _, err := s.ApplyCustomer(ctx, events.CustomerPayload{ID: "c1", Name: "Amira", Active: true}); err != nil {
		t.Fatalf("ApplyCustomer: %v", err)
	}

	got, err := s.ApplyDelivery(ctx, events.DeliveryPayload{CustomerID: "c1", Quantity: 4, UnitPrice: 25})
	if err != nil {
		t.Fatalf("ApplyDelivery: %v", err)
	}
	if got.ID == "" {
		t.Error("expected a generated delivery ID")
	}
	if got.Amount != 100 {
		t.Errorf("expected amount 100 (quantity * unit price), got %.2f", got.Amount)
	}
	if got.DeliveredAt.IsZero() {
		t.Error("expected DeliveredAt to be stamped")
	}
}

func TestActivityFeedIsNewestFirstAndCapped(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	if _, err := s.ApplyCustomer(ctx, events.CustomerPayload{ID: "c1", Name: "Amira"}); err != nil {
		t.Fatalf("ApplyCustomer: %v", err)
	}
	if _, err := s.ApplyDelivery(ctx, events.DeliveryPayload{CustomerID: "c1", Quantity: 2, UnitPrice: 10}); err != nil {
		t.Fatalf("ApplyDelivery: %v", err)
	}
	if _, err := s.ApplyPayment(ctx, events.PaymentPayload{CustomerID: "c1", Amount: 20}); err != nil {
		t.Fatalf("ApplyPayment: %v", err)
	}

	feed := s.Activity(0)
	if len(feed) != 3 {
		t.Fatalf("expected 3 activity entries, got %d", len(feed))
	}
	if feed[0].Kind != "payment" || feed[1].Kind != "delivery" || feed[2].Kind != "customer" {
		t.Errorf("expected newest-first ordering, got %s, %s, %s", feed[0].Kind, feed[1].Kind, feed[2].Kind)
	}

	if got := s.Activity(2); len(got) != 2 {
		t.Errorf("expected limit to cap the feed at 2, got %d", len(got))
	}

	for i := 0; i < activityLimit+50; i++ {
		if _, err := s.ApplyPayment(ctx, events.PaymentPayload{CustomerID: "c1", Amount: 1}); err != nil {
			t.Fatalf("ApplyPayment: %v", err)
		}
	}
	if got := len(s.Activity(0)); got != activityLimit {
		t.Errorf("expected the feed to stay capped at %d, got %d", activityLimit, got)
	}
}

func TestSourceScoping(t *testing.T) {
	s := testStore()
	ctx := context.Background()

	for _, c := range []events.CustomerPayload{{ID: "c1", Name: "Amira"}, {ID: "c2", Name: "Bassem"}} {
		if _, err := s.ApplyCustomer(ctx, c); err != nil {
			t.Fatalf("ApplyCustomer: %v", err)
		}
	}
	if _, err := s.ApplyDelivery(ctx, events.DeliveryPayload{CustomerID: "c1", Quantity: 1, UnitPrice: 100}); err != nil {
		t.Fatalf("ApplyDelivery: %v", err)
	}
	if _, err := s.ApplyDelivery(ctx, events.DeliveryPayload{CustomerID: "c2", Quantity: 1, UnitPrice: 50}); err != nil {
		t.Fatalf("ApplyDelivery: %v", err)
	}

	all, err := s.Deliveries(ctx, stats.ScopeGlobal)
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 deliveries globally, got %d", len(all))
	}

	scoped, err := s.Deliveries(ctx, stats.ScopeCustomer("c1"))
	if err != nil {
		t.Fatalf("Deliveries: %v", err)
	}
	if len(scoped) != 1 || scoped[0].CustomerID != "c1" {
		t.Errorf("expected only c1's delivery in scope, got %+v", scoped)
	}
}
