package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"escrowmarket/internal/model"
	"escrowmarket/internal/pkg/nonce"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Handler 提供钱包签名登录接口。
//
// 流程：先 POST /auth/nonce 取一次性挑战，钱包对挑战做 personal_sign，
// 再 POST /auth/login 提交签名换取 JWT。挑战单次有效，签名重放无效。
type Handler struct {
	nonces    *nonce.Manager
	jwtSecret []byte
	tokenTTL  time.Duration
	logger    *slog.Logger
}

// NewHandler 创建 Auth Handler。
func NewHandler(nonces *nonce.Manager, jwtSecret string, tokenTTL time.Duration, logger *slog.Logger) *Handler {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Handler{
		nonces:    nonces,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  tokenTTL,
		logger:    logger,
	}
}

type nonceRequest struct {
	Address string `json:"address" binding:"required"`
}

type nonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"` // 钱包需要签名的完整文本
}

type loginRequest struct {
	Address   string `json:"address" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

type tokenResponse struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

// challengeMessage 拼装待签名文本；登录时用同样的输入重建并验签。
func challengeMessage(address, n string) string {
	return fmt.Sprintf("EscrowMarket wants you to sign in with your wallet:\n%s\n\nNonce: %s", address, n)
}

// Nonce 为地址签发登录挑战。
func (h *Handler) Nonce(c *gin.Context) {
	var req nonceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address"})
		return
	}
	address := model.NormalizeAddress(req.Address)

	n, err := h.nonces.Issue(c.Request.Context(), address)
	if err != nil {
		h.logger.Error("issue login nonce failed",
			slog.String("address", address),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue nonce failed"})
		return
	}

	c.JSON(http.StatusOK, nonceResponse{
		Nonce:   n,
		Message: challengeMessage(address, n),
	})
}

// Login 验证挑战签名并签发 JWT。
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !common.IsHexAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address"})
		return
	}
	address := model.NormalizeAddress(req.Address)

	n, err := h.nonces.Consume(c.Request.Context(), address)
	if err != nil {
		if errors.Is(err, nonce.ErrNotIssued) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "nonce expired or not issued"})
			return
		}
		h.logger.Error("consume login nonce failed",
			slog.String("address", address),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	recovered, err := recoverSigner(challengeMessage(address, n), req.Signature)
	if err != nil || !strings.EqualFold(recovered, address) {
		h.logger.Warn("wallet signature verification failed",
			slog.String("address", address))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	token, err := h.issueToken(address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}

	h.logger.Info("wallet login succeeded", slog.String("address", address))
	c.JSON(http.StatusOK, tokenResponse{Token: token, Address: address})
}

// recoverSigner 从 personal_sign 签名中恢复签名者地址。
func recoverSigner(message, signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return "", fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("signature length %d", len(sig))
	}
	// 钱包返回的 V 是 27/28，恢复时需要 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return "", fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

func (h *Handler) issueToken(address string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   address,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(h.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.jwtSecret)
}
