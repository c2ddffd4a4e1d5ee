package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"escrowmarket/internal/api/middleware"
	"escrowmarket/internal/config"
	"escrowmarket/internal/hub"
	"escrowmarket/internal/model"
	"escrowmarket/internal/oracle"
	"escrowmarket/internal/reconcile"

	"github.com/gin-gonic/gin"
)

type mockListingStore struct {
	createFunc       func(ctx context.Context, listing *model.Listing) (*model.Listing, error)
	getByItemIDFunc  func(ctx context.Context, itemID uint64) (*model.Listing, error)
	listFunc         func(ctx context.Context) ([]model.Listing, error)
	searchFunc       func(ctx context.Context, query string) ([]model.Listing, error)
	updatePriceFunc  func(ctx context.Context, itemID uint64, price string) error
	updateActiveFunc func(ctx context.Context, itemID uint64, isActive bool) error
	createCalls      int
}

func (m *mockListingStore) Create(ctx context.Context, listing *model.Listing) (*model.Listing, error) {
	m.createCalls++
	return m.createFunc(ctx, listing)
}

func (m *mockListingStore) GetByItemID(ctx context.Context, itemID uint64) (*model.Listing, error) {
	return m.getByItemIDFunc(ctx, itemID)
}

func (m *mockListingStore) List(ctx context.Context) ([]model.Listing, error) {
	return m.listFunc(ctx)
}

func (m *mockListingStore) Search(ctx context.Context, query string) ([]model.Listing, error) {
	return m.searchFunc(ctx, query)
}

func (m *mockListingStore) UpdatePrice(ctx context.Context, itemID uint64, price string) error {
	return m.updatePriceFunc(ctx, itemID, price)
}

func (m *mockListingStore) UpdateActive(ctx context.Context, itemID uint64, isActive bool) error {
	return m.updateActiveFunc(ctx, itemID, isActive)
}

type mockOracle struct {
	listFunc            func(ctx context.Context, session *oracle.Session, priceEth string) (*oracle.ListResult, error)
	purchaseFunc        func(ctx context.Context, session *oracle.Session, itemID uint64, priceEth string) error
	confirmDeliveryFunc func(ctx context.Context, session *oracle.Session, itemID uint64) error
	claimPaymentFunc    func(ctx context.Context, session *oracle.Session, itemID uint64) error
	editPriceFunc       func(ctx context.Context, session *oracle.Session, itemID uint64, priceEth string) error
	getTradeFunc        func(ctx context.Context, itemID uint64) (*model.Trade, error)
}

func (m *mockOracle) List(ctx context.Context, session *oracle.Session, priceEth string) (*oracle.ListResult, error) {
	return m.listFunc(ctx, session, priceEth)
}

func (m *mockOracle) Purchase(ctx context.Context, session *oracle.Session, itemID uint64, priceEth string) error {
	return m.purchaseFunc(ctx, session, itemID, priceEth)
}

func (m *mockOracle) ConfirmDelivery(ctx context.Context, session *oracle.Session, itemID uint64) error {
	return m.confirmDeliveryFunc(ctx, session, itemID)
}

func (m *mockOracle) ClaimPayment(ctx context.Context, session *oracle.Session, itemID uint64) error {
	return m.claimPaymentFunc(ctx, session, itemID)
}

func (m *mockOracle) EditPrice(ctx context.Context, session *oracle.Session, itemID uint64, priceEth string) error {
	return m.editPriceFunc(ctx, session, itemID, priceEth)
}

func (m *mockOracle) GetTradeDetails(ctx context.Context, itemID uint64) (*model.Trade, error) {
	return m.getTradeFunc(ctx, itemID)
}

type mockResolver struct {
	resolveFunc func(ctx context.Context, listing *model.Listing) *reconcile.View
}

func (m *mockResolver) Resolve(ctx context.Context, listing *model.Listing) *reconcile.View {
	return m.resolveFunc(ctx, listing)
}

const testSeller = "0x00000000000000000000000000000000000000a1"

// newTestServer 构造只带被测依赖的 Server，路由用闭包注入已验证地址。
func newTestServer(listings ListingStore, o TradeOracle, r Resolver) (*Server, *gin.Engine, *hub.Subscriber) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eventHub := hub.New(16, logger)

	s := &Server{
		cfg:        &config.Config{},
		logger:     logger,
		hub:        eventHub,
		listings:   listings,
		oracle:     o,
		reconciler: r,
	}

	router := gin.New()
	asSeller := func(h gin.HandlerFunc) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(middleware.ContextKeyWallet, testSeller)
			h(c)
		}
	}
	router.POST("/api/listings", asSeller(s.handleCreateListing))
	router.GET("/api/listings", s.handleListListings)
	router.GET("/api/listings/search", s.handleSearchListings)
	router.GET("/api/listings/:itemId", s.handleGetListing)
	router.PATCH("/api/listings/:itemId/price", asSeller(s.handleUpdateListingPrice))
	router.PATCH("/api/listings/:itemId/status", asSeller(s.handleUpdateListingStatus))
	router.POST("/api/trades", asSeller(s.handleCreateTrade))
	router.POST("/api/trades/:itemId/purchase", asSeller(s.handlePurchase))
	router.POST("/api/trades/:itemId/delivery", asSeller(s.handleConfirmDelivery))
	router.POST("/api/trades/:itemId/claim", asSeller(s.handleClaimPayment))
	router.PATCH("/api/trades/:itemId/price", asSeller(s.handleEditTradePrice))
	router.GET("/api/trades/:itemId", s.handleGetTrade)

	return s, router, eventHub.Subscribe()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// drainEvent 非阻塞取一条推送事件。
func drainEvent(t *testing.T, sub *hub.Subscriber) (hub.Event, bool) {
	t.Helper()
	select {
	case payload, ok := <-sub.C:
		if !ok {
			return hub.Event{}, false
		}
		var ev hub.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev, true
	default:
		return hub.Event{}, false
	}
}

func uint64p(v uint64) *uint64 { return &v }
func boolp(v bool) *bool       { return &v }
