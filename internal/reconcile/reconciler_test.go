package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"escrowmarket/internal/model"
)

type mockReader struct {
	getTradeDetailsFunc func(ctx context.Context, itemID uint64) (*model.Trade, error)
}

func (m *mockReader) GetTradeDetails(ctx context.Context, itemID uint64) (*model.Trade, error) {
	return m.getTradeDetailsFunc(ctx, itemID)
}

func testListing() *model.Listing {
	return &model.Listing{ID: 1, ItemID: 7, ItemName: "camera", Price: "0.05", IsActive: true}
}

func TestResolvePendingKeepsMirrorPrice(t *testing.T) {
	reader := &mockReader{
		getTradeDetailsFunc: func(ctx context.Context, itemID uint64) (*model.Trade, error) {
			return &model.Trade{ItemID: itemID, Buyer: model.ZeroAddress, Price: "0.04"}, nil
		},
	}
	r := New(reader, slog.Default())

	view := r.Resolve(context.Background(), testListing())
	if view.Status != model.StatusPending {
		t.Fatalf("Status = %q, want pending", view.Status)
	}
	if view.DisplayPrice != "0.05" {
		t.Errorf("DisplayPrice = %q, want mirror price 0.05", view.DisplayPrice)
	}
}

func TestResolveEscrowedUsesContractPrice(t *testing.T) {
	reader := &mockReader{
		getTradeDetailsFunc: func(ctx context.Context, itemID uint64) (*model.Trade, error) {
			return &model.Trade{ItemID: itemID, Buyer: "0xbb", Price: "0.04"}, nil
		},
	}
	r := New(reader, slog.Default())

	view := r.Resolve(context.Background(), testListing())
	if view.Status != model.StatusPurchased {
		t.Fatalf("Status = %q, want purchased", view.Status)
	}
	if view.DisplayPrice != "0.04" {
		t.Errorf("DisplayPrice = %q, want contract price 0.04", view.DisplayPrice)
	}
}

func TestResolveOracleFailureDegradesToUnknown(t *testing.T) {
	reader := &mockReader{
		getTradeDetailsFunc: func(ctx context.Context, itemID uint64) (*model.Trade, error) {
			return nil, errors.New("connection refused")
		},
	}
	r := New(reader, slog.Default())

	view := r.Resolve(context.Background(), testListing())
	if view.Status != model.StatusUnknown {
		t.Fatalf("Status = %q, want unknown (never guess pending)", view.Status)
	}
	if view.Trade != nil {
		t.Error("Trade must be nil when the oracle read failed")
	}
	if view.Listing == nil || view.DisplayPrice != "0.05" {
		t.Error("mirror metadata must survive an oracle outage")
	}
}
