package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"escrowmarket/internal/pkg/nonce"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

func newTestRouter(t *testing.T) (*gin.Engine, *Handler) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := NewHandler(nonce.New(rdb, time.Minute), "test-secret", time.Hour, slog.Default())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/auth/nonce", h.Nonce)
	r.POST("/auth/login", h.Login)
	return r, h
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNonceThenLogin(t *testing.T) {
	r, _ := newTestRouter(t)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := postJSON(t, r, "/auth/nonce", map[string]string{"address": address})
	if w.Code != http.StatusOK {
		t.Fatalf("nonce status = %d, body %s", w.Code, w.Body.String())
	}
	var nresp struct {
		Nonce   string `json:"nonce"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &nresp); err != nil {
		t.Fatalf("unmarshal nonce response: %v", err)
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(nresp.Message)), key)
	if err != nil {
		t.Fatalf("sign challenge: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27 // 模拟钱包返回的 V

	w = postJSON(t, r, "/auth/login", map[string]string{
		"address":   address,
		"signature": hexutil.Encode(sig),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}

	var tresp struct {
		Token   string `json:"token"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &tresp); err != nil {
		t.Fatalf("unmarshal token response: %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tresp.Token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	if err != nil || !token.Valid {
		t.Fatalf("parse issued token: %v", err)
	}
	if claims.Subject != tresp.Address {
		t.Errorf("token subject = %q, want %q", claims.Subject, tresp.Address)
	}
}

func TestLoginRejectsWrongKey(t *testing.T) {
	r, _ := newTestRouter(t)

	key, _ := crypto.GenerateKey()
	attacker, _ := crypto.GenerateKey()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := postJSON(t, r, "/auth/nonce", map[string]string{"address": address})
	var nresp struct {
		Message string `json:"message"`
	}
	json.Unmarshal(w.Body.Bytes(), &nresp)

	sig, _ := crypto.Sign(accounts.TextHash([]byte(nresp.Message)), attacker)
	sig[crypto.RecoveryIDOffset] += 27

	w = postJSON(t, r, "/auth/login", map[string]string{
		"address":   address,
		"signature": hexutil.Encode(sig),
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("login with foreign signature status = %d, want 401", w.Code)
	}
}

func TestLoginNonceIsSingleUse(t *testing.T) {
	r, _ := newTestRouter(t)

	key, _ := crypto.GenerateKey()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := postJSON(t, r, "/auth/nonce", map[string]string{"address": address})
	var nresp struct {
		Message string `json:"message"`
	}
	json.Unmarshal(w.Body.Bytes(), &nresp)

	sig, _ := crypto.Sign(accounts.TextHash([]byte(nresp.Message)), key)
	sig[crypto.RecoveryIDOffset] += 27
	body := map[string]string{"address": address, "signature": hexutil.Encode(sig)}

	if w := postJSON(t, r, "/auth/login", body); w.Code != http.StatusOK {
		t.Fatalf("first login status = %d", w.Code)
	}
	if w := postJSON(t, r, "/auth/login", body); w.Code != http.StatusUnauthorized {
		t.Fatalf("replayed login status = %d, want 401", w.Code)
	}
}

func TestLoginWithoutNonce(t *testing.T) {
	r, _ := newTestRouter(t)

	key, _ := crypto.GenerateKey()
	address := crypto.PubkeyToAddress(key.PublicKey).Hex()

	w := postJSON(t, r, "/auth/login", map[string]string{
		"address":   address,
		"signature": "0x" + fmt.Sprintf("%0130x", 0),
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("login without nonce status = %d, want 401", w.Code)
	}
}

func TestNonceRejectsBadAddress(t *testing.T) {
	r, _ := newTestRouter(t)
	w := postJSON(t, r, "/auth/nonce", map[string]string{"address": "not-an-address"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
