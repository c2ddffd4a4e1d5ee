package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"escrowmarket/internal/hub"
	"escrowmarket/internal/model"
	"escrowmarket/internal/oracle"
	"escrowmarket/internal/pkg/metrics"
	"escrowmarket/internal/store"

	"github.com/gin-gonic/gin"
)

// createTradeRequest 服务端代签挂单的请求参数。
type createTradeRequest struct {
	ItemName     string `json:"itemName" binding:"required,max=191"`
	Description  string `json:"description" binding:"required"`
	Price        string `json:"price" binding:"required"`
	TwitterLink  string `json:"twitterLink" binding:"omitempty,url"`
	TelegramLink string `json:"telegramLink" binding:"omitempty,url"`
}

type editTradePriceRequest struct {
	Price string `json:"price" binding:"required"`
}

// tradeResponse 链上交易的读取结果，status 由原始字段推导。
type tradeResponse struct {
	Trade  *model.Trade      `json:"trade"`
	Status model.TradeStatus `json:"status"`
}

// requireSession 确认服务端配置了签名私钥；未配置时代签接口直接 503。
func (s *Server) requireSession(c *gin.Context) bool {
	if s.session == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server signing key not configured"})
		return false
	}
	return true
}

// oracleError 将合约适配器的错误翻译成 HTTP 语义。
//
// 回滚是请求方的问题（422），节点不可达是服务侧问题（503），交易已
// 确认但回执异常说明合约行为与预期不符（502）。
func (s *Server) oracleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, oracle.ErrOracleRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, oracle.ErrEventNotFound):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	case errors.Is(err, oracle.ErrOracleUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.logger.Error("unexpected oracle error", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "contract call failed"})
	}
}

// handleCreateTrade 服务端代签上链挂单，确认后写镜像并广播。
//
// POST /api/trades
//
// 先等链上确认拿到合约分配的 itemId，再落镜像；链上成功而镜像失败
// 时返回 502 并把 itemId 带回给前端，必要时可用 POST /api/listings
// 手动补镜像。
func (s *Server) handleCreateTrade(c *gin.Context) {
	if !s.requireSession(c) {
		return
	}
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := oracle.ParseEther(req.Price); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price: " + err.Error()})
		return
	}

	result, err := s.oracle.List(c.Request.Context(), s.session, req.Price)
	if err != nil {
		s.oracleError(c, err)
		return
	}

	listing := &model.Listing{
		ItemID:        result.ItemID,
		ItemName:      strings.TrimSpace(req.ItemName),
		Description:   strings.TrimSpace(req.Description),
		Price:         result.Price, // 以合约确认的价格为准
		SellerAddress: model.NormalizeAddress(s.session.Address().Hex()),
		TwitterLink:   req.TwitterLink,
		TelegramLink:  req.TelegramLink,
	}
	created, err := s.listings.Create(c.Request.Context(), listing)
	if err != nil {
		s.logger.Error("mirror listed item failed",
			slog.Uint64("item_id", result.ItemID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{
			"error":  "item listed on chain but mirroring failed",
			"itemId": result.ItemID,
		})
		return
	}

	if metrics.ListingsCreatedTotal != nil {
		metrics.ListingsCreatedTotal.Inc()
	}
	s.hub.Publish(hub.NewListingEvent(created))
	c.JSON(http.StatusCreated, gin.H{"listing": created, "txHash": result.TxHash})
}

// handlePurchase 服务端代签购买，付款金额取当前链上托管价。
//
// POST /api/trades/:itemId/purchase
func (s *Server) handlePurchase(c *gin.Context) {
	if !s.requireSession(c) {
		return
	}
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}

	trade, err := s.oracle.GetTradeDetails(c.Request.Context(), itemID)
	if err != nil {
		s.oracleError(c, err)
		return
	}
	if trade.Status() != model.StatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": "item is not purchasable", "status": trade.Status()})
		return
	}

	if err := s.oracle.Purchase(c.Request.Context(), s.session, itemID, trade.Price); err != nil {
		s.oracleError(c, err)
		return
	}

	s.deactivateMirror(c, itemID)
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "status": model.StatusPurchased})
}

// handleConfirmDelivery 服务端代签确认收货。
//
// POST /api/trades/:itemId/delivery
func (s *Server) handleConfirmDelivery(c *gin.Context) {
	if !s.requireSession(c) {
		return
	}
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}

	if err := s.oracle.ConfirmDelivery(c.Request.Context(), s.session, itemID); err != nil {
		s.oracleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "status": model.StatusDelivered})
}

// handleClaimPayment 服务端代签提取货款，成功后同步镜像并下架。
//
// POST /api/trades/:itemId/claim
func (s *Server) handleClaimPayment(c *gin.Context) {
	if !s.requireSession(c) {
		return
	}
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}

	if err := s.oracle.ClaimPayment(c.Request.Context(), s.session, itemID); err != nil {
		s.oracleError(c, err)
		return
	}

	s.deactivateMirror(c, itemID)
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "status": model.StatusCompleted})
}

// handleEditTradePrice 服务端代签改价，链上成功后同步镜像并广播。
//
// PATCH /api/trades/:itemId/price
func (s *Server) handleEditTradePrice(c *gin.Context) {
	if !s.requireSession(c) {
		return
	}
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var req editTradePriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := oracle.ParseEther(req.Price); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price: " + err.Error()})
		return
	}

	if err := s.oracle.EditPrice(c.Request.Context(), s.session, itemID, req.Price); err != nil {
		s.oracleError(c, err)
		return
	}

	if err := s.listings.UpdatePrice(c.Request.Context(), itemID, req.Price); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("mirror price sync failed",
			slog.Uint64("item_id", itemID),
			slog.String("error", err.Error()))
	}
	s.hub.Publish(hub.PriceUpdatedEvent(itemID, req.Price))
	c.JSON(http.StatusOK, gin.H{"itemId": itemID, "price": req.Price})
}

// handleGetTrade 直接读取链上交易状态，不经过镜像。
//
// GET /api/trades/:itemId
func (s *Server) handleGetTrade(c *gin.Context) {
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}

	trade, err := s.oracle.GetTradeDetails(c.Request.Context(), itemID)
	if err != nil {
		s.oracleError(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeResponse{Trade: trade, Status: trade.Status()})
}

// deactivateMirror 链上生命周期推进后同步下架镜像（尽力而为）。
func (s *Server) deactivateMirror(c *gin.Context, itemID uint64) {
	err := s.listings.UpdateActive(c.Request.Context(), itemID, false)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("mirror deactivate failed",
			slog.Uint64("item_id", itemID),
			slog.String("error", err.Error()))
		return
	}
	if err == nil {
		s.hub.Publish(hub.StatusUpdatedEvent(itemID, false))
	}
}
