package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"escrowmarket/internal/hub"
	"escrowmarket/internal/model"
	"escrowmarket/internal/oracle"
	"escrowmarket/internal/pkg/metrics"
	"escrowmarket/internal/store"

	"github.com/gin-gonic/gin"
)

// createListingRequest 创建挂单镜像的请求参数。
//
// itemId 必须来自已确认的链上挂单交易，服务端不会替前端猜测。
type createListingRequest struct {
	ItemID       *uint64 `json:"itemId" binding:"required"`
	ItemName     string  `json:"itemName" binding:"required,max=191"`
	Description  string  `json:"description" binding:"required"`
	Price        string  `json:"price" binding:"required"`
	TwitterLink  string  `json:"twitterLink" binding:"omitempty,url"`
	TelegramLink string  `json:"telegramLink" binding:"omitempty,url"`
}

type updatePriceRequest struct {
	Price string `json:"price" binding:"required"`
}

type updateStatusRequest struct {
	IsActive *bool `json:"isActive" binding:"required"`
}

// handleCreateListing 将一条已上链的挂单镜像到本地存储。
//
// POST /api/listings
func (s *Server) handleCreateListing(c *gin.Context) {
	var req createListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := oracle.ParseEther(req.Price); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price: " + err.Error()})
		return
	}

	listing := &model.Listing{
		ItemID:        *req.ItemID,
		ItemName:      strings.TrimSpace(req.ItemName),
		Description:   strings.TrimSpace(req.Description),
		Price:         req.Price,
		SellerAddress: callerAddress(c),
		TwitterLink:   req.TwitterLink,
		TelegramLink:  req.TelegramLink,
	}

	created, err := s.listings.Create(c.Request.Context(), listing)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "item already mirrored"})
			return
		}
		s.logger.Error("create listing failed",
			slog.Uint64("item_id", *req.ItemID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create listing failed"})
		return
	}

	if metrics.ListingsCreatedTotal != nil {
		metrics.ListingsCreatedTotal.Inc()
	}
	s.hub.Publish(hub.NewListingEvent(created))
	c.JSON(http.StatusCreated, created)
}

// handleListListings 返回全部挂单镜像。
//
// GET /api/listings
func (s *Server) handleListListings(c *gin.Context) {
	listings, err := s.listings.List(c.Request.Context())
	if err != nil {
		s.logger.Error("list listings failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list listings failed"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

// handleSearchListings 按商品名检索挂单。
//
// GET /api/listings/search?q=...
func (s *Server) handleSearchListings(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing query parameter q"})
		return
	}

	listings, err := s.listings.Search(c.Request.Context(), query)
	if err != nil {
		s.logger.Error("search listings failed",
			slog.String("query", query),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search listings failed"})
		return
	}
	c.JSON(http.StatusOK, listings)
}

// handleGetListing 返回单条挂单的合并视图（镜像元数据 + 链上状态）。
//
// GET /api/listings/:itemId
func (s *Server) handleGetListing(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}

	listing, err := s.listings.GetByItemID(c.Request.Context(), itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			return
		}
		s.logger.Error("get listing failed",
			slog.Uint64("item_id", itemID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get listing failed"})
		return
	}

	c.JSON(http.StatusOK, s.reconciler.Resolve(c.Request.Context(), listing))
}

// handleUpdateListingPrice 卖家更新镜像标价。
//
// PATCH /api/listings/:itemId/price
func (s *Server) handleUpdateListingPrice(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var req updatePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := oracle.ParseEther(req.Price); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price: " + err.Error()})
		return
	}

	if !s.requireSeller(c, itemID) {
		return
	}

	if err := s.listings.UpdatePrice(c.Request.Context(), itemID, req.Price); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			return
		}
		s.logger.Error("update listing price failed",
			slog.Uint64("item_id", itemID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update price failed"})
		return
	}

	s.hub.Publish(hub.PriceUpdatedEvent(itemID, req.Price))
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "price": req.Price})
}

// handleUpdateListingStatus 卖家上下架挂单。
//
// PATCH /api/listings/:itemId/status
func (s *Server) handleUpdateListingStatus(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !s.requireSeller(c, itemID) {
		return
	}

	if err := s.listings.UpdateActive(c.Request.Context(), itemID, *req.IsActive); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			return
		}
		s.logger.Error("update listing status failed",
			slog.Uint64("item_id", itemID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update status failed"})
		return
	}

	s.hub.Publish(hub.StatusUpdatedEvent(itemID, *req.IsActive))
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "isActive": *req.IsActive})
}

// requireSeller 校验调用方就是该挂单的卖家；失败时已写响应。
func (s *Server) requireSeller(c *gin.Context, itemID uint64) bool {
	listing, err := s.listings.GetByItemID(c.Request.Context(), itemID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "listing not found"})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load listing failed"})
		return false
	}
	if listing.SellerAddress != callerAddress(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the seller may modify this listing"})
		return false
	}
	return true
}

func parseItemID(c *gin.Context) (uint64, bool) {
	itemID, err := strconv.ParseUint(c.Param("itemId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item id"})
		return 0, false
	}
	return itemID, true
}
