package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"escrowmarket/internal/api/auth"
	"escrowmarket/internal/api/middleware"
	"escrowmarket/internal/api/poller"
	"escrowmarket/internal/config"
	"escrowmarket/internal/hub"
	"escrowmarket/internal/model"
	"escrowmarket/internal/oracle"
	"escrowmarket/internal/pkg/metrics"
	"escrowmarket/internal/pkg/nonce"
	"escrowmarket/internal/pkg/notify"
	"escrowmarket/internal/pkg/ratelimit"
	"escrowmarket/internal/reconcile"
	"escrowmarket/internal/store"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、链上合约适配器以及 Gin 路由引擎。
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	db         *gorm.DB
	rdb        *redis.Client
	router     *gin.Engine
	hub        *hub.Hub
	auth       *auth.Handler
	poller     *poller.Poller
	upgrader   websocket.Upgrader
	session    *oracle.Session // 服务端签名身份，未配置私钥时为空
	listings   ListingStore
	oracle     TradeOracle
	reconciler Resolver
}

// ListingStore 挂单镜像的持久化接口。
type ListingStore interface {
	Create(ctx context.Context, listing *model.Listing) (*model.Listing, error)
	GetByItemID(ctx context.Context, itemID uint64) (*model.Listing, error)
	List(ctx context.Context) ([]model.Listing, error)
	Search(ctx context.Context, query string) ([]model.Listing, error)
	UpdatePrice(ctx context.Context, itemID uint64, price string) error
	UpdateActive(ctx context.Context, itemID uint64, isActive bool) error
}

// TradeOracle 托管合约的生命周期操作接口。
type TradeOracle interface {
	List(ctx context.Context, session *oracle.Session, priceEth string) (*oracle.ListResult, error)
	Purchase(ctx context.Context, session *oracle.Session, itemID uint64, priceEth string) error
	ConfirmDelivery(ctx context.Context, session *oracle.Session, itemID uint64) error
	ClaimPayment(ctx context.Context, session *oracle.Session, itemID uint64) error
	EditPrice(ctx context.Context, session *oracle.Session, itemID uint64, priceEth string) error
	GetTradeDetails(ctx context.Context, itemID uint64) (*model.Trade, error)
}

// Resolver 镜像与链上状态的合并接口。
type Resolver interface {
	Resolve(ctx context.Context, listing *model.Listing) *reconcile.View
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 连接链上 JSON-RPC 节点并构建合约适配器
// 4. 初始化 Gin 路由引擎与后台轮询器
//
// 参数:
//
//	ctx: 上下文
//	cfg: 配置对象
//	logger: 日志记录器
//
// 返回值:
//
//	*Server: 初始化完成的服务器实例
//	error: 初始化失败返回错误
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	listingStore := store.New(db)
	if err := listingStore.AutoMigrate(); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ethBackend, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}
	oracleClient, err := oracle.NewClient(ethBackend, cfg.Chain.ContractAddress,
		cfg.Chain.ListingFeeWei, cfg.Chain.ConfirmTimeout, logger)
	if err != nil {
		return nil, err
	}

	var session *oracle.Session
	if cfg.Chain.PrivateKey != "" {
		session, err = oracle.NewSession(cfg.Chain.PrivateKey, cfg.Chain.ChainID)
		if err != nil {
			return nil, err
		}
		logger.Info("server signing session ready",
			slog.String("address", session.Address().Hex()))
	}

	// 初始化 Prometheus 指标
	metrics.InitMetrics()

	eventHub := hub.New(cfg.App.SubscriberBuf, logger)
	emailNotifier := notify.NewEmailNotifier(&cfg.Email, logger)
	limiter := ratelimit.New(rdb, logger, "escrowmarket:ratelimit:rpc",
		cfg.App.RateLimit, cfg.App.RateBurst)

	statusPoller := poller.New(
		listingStore,
		oracleClient,
		rdb,
		limiter,
		eventHub,
		emailNotifier,
		logger,
		cfg.App.PollInterval,
		cfg.App.PollBatchSize,
		cfg.App.WorkerPoolSize,
		cfg.App.QueueCapacity,
	)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		router: r,
		hub:    eventHub,
		auth: auth.NewHandler(nonce.New(rdb, cfg.App.NonceTTL),
			cfg.Security.JWTSecret, cfg.Security.TokenTTL, logger),
		poller: statusPoller,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 前端与 API 同源部署，跨域握手交给反向代理处理
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		session:    session,
		listings:   listingStore,
		oracle:     oracleClient,
		reconciler: reconcile.New(oracleClient, logger),
	}
	s.registerRoutes()
	return s, nil
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// StartPoller 启动后台交易状态轮询器。
func (s *Server) StartPoller(ctx context.Context) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("PANIC in trade status poller", slog.Any("panic", r))
			}
		}()
		s.poller.Run(ctx)
	}()
}

// Close 关闭数据库、缓存连接与推送通道。
func (s *Server) Close() error {
	var firstErr error
	if s.hub != nil {
		s.hub.Close()
	}
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			if closeErr := sqlDB.Close(); closeErr != nil {
				if firstErr == nil {
					firstErr = closeErr
				}
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/healthz", s.handleHealthz)
	s.router.GET("/ws", s.handleWebSocket)

	s.router.POST("/auth/nonce", s.auth.Nonce)
	s.router.POST("/auth/login", s.auth.Login)

	api := s.router.Group("/api")
	api.GET("/listings", s.handleListListings)
	api.GET("/listings/search", s.handleSearchListings)
	api.GET("/listings/:itemId", s.handleGetListing)
	api.GET("/trades/:itemId", s.handleGetTrade)

	authed := api.Group("/")
	authed.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	authed.POST("/listings", s.handleCreateListing)
	authed.PATCH("/listings/:itemId/price", s.handleUpdateListingPrice)
	authed.PATCH("/listings/:itemId/status", s.handleUpdateListingStatus)

	// 服务端代签的链上操作
	authed.POST("/trades", s.handleCreateTrade)
	authed.POST("/trades/:itemId/purchase", s.handlePurchase)
	authed.POST("/trades/:itemId/delivery", s.handleConfirmDelivery)
	authed.POST("/trades/:itemId/claim", s.handleClaimPayment)
	authed.PATCH("/trades/:itemId/price", s.handleEditTradePrice)
}

func (s *Server) handleHealthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// callerAddress 取出中间件写入的已验证钱包地址。
func callerAddress(c *gin.Context) string {
	return c.GetString(middleware.ContextKeyWallet)
}
