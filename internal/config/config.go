package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Chain    ChainConfig    `json:"chain"`
	Email    EmailConfig    `json:"email"`
	Security SecurityConfig `json:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env            string        `json:"env"`              // 运行环境: local / prod
	LogLevel       string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr       string        `json:"http_addr"`        // API 服务监听地址
	PollInterval   time.Duration `json:"poll_interval"`    // 交易状态轮询间隔（如 "30s"）
	PollBatchSize  int           `json:"poll_batch_size"`  // 每批加载的挂单数量
	WorkerPoolSize int           `json:"worker_pool_size"` // 轮询 Worker Pool 大小
	QueueCapacity  int           `json:"queue_capacity"`   // 轮询任务队列容量
	RateLimit      float64       `json:"rate_limit"`       // 合约 RPC 限流速率（token/s）
	RateBurst      float64       `json:"rate_burst"`       // 合约 RPC 限流桶容量
	SubscriberBuf  int           `json:"subscriber_buf"`   // 每个推送订阅者的出站缓冲大小
	NonceTTL       time.Duration `json:"nonce_ttl"`        // 登录挑战 nonce 有效期
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 缓存配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// ChainConfig 链上合约访问配置。
type ChainConfig struct {
	RPCURL          string        `json:"rpc_url"`          // JSON-RPC 节点地址
	ContractAddress string        `json:"contract_address"` // P2P 托管合约地址
	ChainID         int64         `json:"chain_id"`         // 链 ID（Base 主网为 8453）
	PrivateKey      string        `json:"private_key"`      // 服务端签名私钥（hex，可为空）
	ListingFeeWei   string        `json:"listing_fee_wei"`  // listItem 固定手续费（wei）
	ConfirmTimeout  time.Duration `json:"confirm_timeout"`  // 等待交易确认的超时时间
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost   string `json:"smtp_host"`
	SMTPPort   int    `json:"smtp_port"`
	SMTPUser   string `json:"smtp_user"`
	SMTPPass   string `json:"smtp_pass"`
	FromEmail  string `json:"from_email"`
	OpsEmail   string `json:"ops_email"`   // 托管结清通知的接收邮箱
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret string        `json:"jwt_secret"` // JWT 签名密钥
	TokenTTL  time.Duration `json:"token_ttl"`  // 登录令牌有效期
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值；
// 环境变量始终可以覆盖文件中的值。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json"）
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:            "local",
			LogLevel:       "info",
			HTTPAddr:       ":8082",
			PollInterval:   30 * time.Second,
			PollBatchSize:  100,
			WorkerPoolSize: 20,
			QueueCapacity:  500,
			RateLimit:      10,
			RateBurst:      20,
			SubscriberBuf:  64,
			NonceTTL:       5 * time.Minute,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/escrowmarket?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Chain: ChainConfig{
			RPCURL:          "https://mainnet.base.org",
			ContractAddress: "0x101D26C5CFBcC31c6eA30b074045E4d2624649e9",
			ChainID:         8453,
			PrivateKey:      "",
			ListingFeeWei:   "400000000000", // 0.0000004 ether
			ConfirmTimeout:  2 * time.Minute,
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			OpsEmail:  "",
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
			TokenTTL:  24 * time.Hour,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.PollInterval == 0 {
		cfg.App.PollInterval = defaults.App.PollInterval
	}
	if cfg.App.PollBatchSize == 0 {
		cfg.App.PollBatchSize = defaults.App.PollBatchSize
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = defaults.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = defaults.App.QueueCapacity
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = defaults.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = defaults.App.RateBurst
	}
	if cfg.App.SubscriberBuf == 0 {
		cfg.App.SubscriberBuf = defaults.App.SubscriberBuf
	}
	if cfg.App.NonceTTL == 0 {
		cfg.App.NonceTTL = defaults.App.NonceTTL
	}
	if cfg.Chain.RPCURL == "" {
		cfg.Chain.RPCURL = defaults.Chain.RPCURL
	}
	if cfg.Chain.ContractAddress == "" {
		cfg.Chain.ContractAddress = defaults.Chain.ContractAddress
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = defaults.Chain.ChainID
	}
	if cfg.Chain.ListingFeeWei == "" {
		cfg.Chain.ListingFeeWei = defaults.Chain.ListingFeeWei
	}
	if cfg.Chain.ConfirmTimeout == 0 {
		cfg.Chain.ConfirmTimeout = defaults.Chain.ConfirmTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Security.TokenTTL == 0 {
		cfg.Security.TokenTTL = defaults.Security.TokenTTL
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("chain_rpc_url", "CHAIN_RPC_URL")
	_ = viper.BindEnv("chain_private_key", "CHAIN_PRIVATE_KEY")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.PollInterval = d
		}
	}
	if v := os.Getenv("APP_POLL_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.PollBatchSize = i
		}
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateLimit = f
		}
	}
	if v := os.Getenv("APP_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.App.RateBurst = f
		}
	}
	if v := os.Getenv("APP_SUBSCRIBER_BUF"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.SubscriberBuf = i
		}
	}
	if v := os.Getenv("APP_NONCE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.NonceTTL = d
		}
	}

	if v := viper.GetString("chain_rpc_url"); v != "" {
		cfg.Chain.RPCURL = v
	}
	if v := os.Getenv("CHAIN_CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.ContractAddress = v
	}
	if v := os.Getenv("CHAIN_ID"); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Chain.ChainID = i
		}
	}
	if v := viper.GetString("chain_private_key"); v != "" {
		cfg.Chain.PrivateKey = v
	}
	if v := os.Getenv("CHAIN_LISTING_FEE_WEI"); v != "" {
		cfg.Chain.ListingFeeWei = v
	}
	if v := os.Getenv("CHAIN_CONFIRM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Chain.ConfirmTimeout = d
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("TOKEN_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Security.TokenTTL = d
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "" {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := "3306"
			if p := os.Getenv("DB_PORT"); p != "" {
				port = p
			}
			parsed.Addr = v + ":" + port
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("OPS_EMAIL"); v != "" {
		cfg.Email.OpsEmail = v
	}
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func parseMySQLDSN(dsn string) *mysql.Config {
	fallback := &mysql.Config{
		User:   "root",
		Passwd: "",
		Net:    "tcp",
		Addr:   "localhost:3306",
		DBName: "escrowmarket",
		Params: map[string]string{
			"parseTime": "true",
			"loc":       "Local",
		},
	}
	if dsn == "" {
		return fallback
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return fallback
	}
	return parsed
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		PollInterval string `json:"poll_interval"`
		NonceTTL     string `json:"nonce_ttl"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.PollInterval != "" {
		duration, err := time.ParseDuration(aux.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval format: %w", err)
		}
		a.PollInterval = duration
	}
	if aux.NonceTTL != "" {
		duration, err := time.ParseDuration(aux.NonceTTL)
		if err != nil {
			return fmt.Errorf("invalid nonce_ttl format: %w", err)
		}
		a.NonceTTL = duration
	}

	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (c *ChainConfig) UnmarshalJSON(data []byte) error {
	type Alias ChainConfig
	aux := &struct {
		ConfirmTimeout string `json:"confirm_timeout"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.ConfirmTimeout != "" {
		duration, err := time.ParseDuration(aux.ConfirmTimeout)
		if err != nil {
			return fmt.Errorf("invalid confirm_timeout format: %w", err)
		}
		c.ConfirmTimeout = duration
	}

	return nil
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		TokenTTL string `json:"token_ttl"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.TokenTTL != "" {
		duration, err := time.ParseDuration(aux.TokenTTL)
		if err != nil {
			return fmt.Errorf("invalid token_ttl format: %w", err)
		}
		s.TokenTTL = duration
	}

	return nil
}
