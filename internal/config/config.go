package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 不安全的默认值列表 (生产环境不应使用)
var insecureDefaults = map[string]bool{
	"your-secret-key-change-in-production": true,
	"internal-secret":                      true,
	"internal-service-secret":              true,
	"":                                     true,
}

// Storage drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Server         ServerConfig
	Database       DatabaseConfig
	JWT            JWTConfig
	Redis          RedisConfig
	RabbitMQ       RabbitMQConfig
	Trial          TrialConfig
	Pairing        PairingConfig
	Payment        PaymentConfig
	Models         ModelsConfig
	Jobs           JobsConfig
	InternalSecret string
	StoreDriver    string
}

type ServerConfig struct {
	Port           string
	Mode           string
	AllowedOrigins []string
	NodeID         int64 // snowflake node for order numbers, unique per replica
}

type DatabaseConfig struct {
	Host        string
	Port        string
	User        string
	Password    string
	DBName      string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	AutoMigrate bool
}

type JWTConfig struct {
	SecretKey       string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RabbitMQConfig struct {
	URL      string
	Exchange string
}

type TrialConfig struct {
	Enabled      bool
	PackageID    string
	DurationDays int
}

type PairingConfig struct {
	ClaimCodeTTL time.Duration
}

type PaymentConfig struct {
	Currency        string
	MockDecline     bool
	PendingOrderTTL time.Duration
}

// ModelsConfig lists the model identifiers unlocked by each tier
type ModelsConfig struct {
	Basic   []string
	Premium []string
}

type JobsConfig struct {
	Enabled             bool
	ExpirySweepSchedule string
	StaleOrderSchedule  string
}

func Load() *Config {
	// .env 仅用于本地开发，缺失时忽略
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("SERVER_PORT"),
			Mode:           v.GetString("GIN_MODE"), // 默认为 release 模式
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			NodeID:         v.GetInt64("NODE_ID"),
		},
		Database: DatabaseConfig{
			Host:        v.GetString("DB_HOST"),
			Port:        v.GetString("DB_PORT"),
			User:        v.GetString("DB_USER"),
			Password:    v.GetString("DB_PASSWORD"),
			DBName:      v.GetString("DB_NAME"),
			SSLMode:     v.GetString("DB_SSLMODE"),
			MaxConns:    v.GetInt32("DB_MAX_CONNS"),
			MinConns:    v.GetInt32("DB_MIN_CONNS"),
			AutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),
		},
		JWT: JWTConfig{
			SecretKey:       v.GetString("JWT_SECRET_KEY"),
			Issuer:          v.GetString("JWT_ISSUER"),
			AccessTokenTTL:  v.GetDuration("ACCESS_TOKEN_TTL"),
			RefreshTokenTTL: v.GetDuration("REFRESH_TOKEN_TTL"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Prefix:   v.GetString("REDIS_PREFIX"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      v.GetString("RABBITMQ_URL"),
			Exchange: v.GetString("RABBITMQ_EXCHANGE"),
		},
		Trial: TrialConfig{
			Enabled:      v.GetBool("TRIAL_ENABLED"),
			PackageID:    v.GetString("TRIAL_PACKAGE_ID"),
			DurationDays: v.GetInt("TRIAL_DURATION_DAYS"),
		},
		Pairing: PairingConfig{
			ClaimCodeTTL: v.GetDuration("CLAIM_CODE_TTL"),
		},
		Payment: PaymentConfig{
			Currency:        v.GetString("PAYMENT_CURRENCY"),
			MockDecline:     v.GetBool("MOCK_PAYMENT_DECLINE"),
			PendingOrderTTL: v.GetDuration("PENDING_ORDER_TTL"),
		},
		Models: ModelsConfig{
			Basic:   splitList(v.GetString("BASIC_MODELS")),
			Premium: splitList(v.GetString("PREMIUM_MODELS")),
		},
		Jobs: JobsConfig{
			Enabled:             v.GetBool("JOBS_ENABLED"),
			ExpirySweepSchedule: v.GetString("EXPIRY_SWEEP_SCHEDULE"),
			StaleOrderSchedule:  v.GetString("STALE_ORDER_SCHEDULE"),
		},
		InternalSecret: v.GetString("INTERNAL_SECRET"),
		StoreDriver:    v.GetString("STORE_DRIVER"),
	}

	// 日志脱敏: 不记录敏感配置
	log.Printf("[config] Entitlement Service loaded: port=%s store=%s db=%s/%s redis=%t mq=%t",
		cfg.Server.Port, cfg.StoreDriver, cfg.Database.Host, cfg.Database.DBName,
		cfg.Redis.Addr != "", cfg.RabbitMQ.URL != "")

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8000")
	v.SetDefault("GIN_MODE", "release")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.SetDefault("NODE_ID", 1)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "saas_user")
	v.SetDefault("DB_PASSWORD", "saas_pass")
	v.SetDefault("DB_NAME", "saas_db")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 25)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", true)

	v.SetDefault("JWT_SECRET_KEY", "")
	v.SetDefault("JWT_ISSUER", "entitlement-service")
	v.SetDefault("ACCESS_TOKEN_TTL", time.Hour)
	v.SetDefault("REFRESH_TOKEN_TTL", 30*24*time.Hour)

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_PREFIX", "entitlement:rate_limit")
	v.SetDefault("RABBITMQ_EXCHANGE", "entitlement.events")

	v.SetDefault("TRIAL_ENABLED", true)
	v.SetDefault("TRIAL_PACKAGE_ID", "trial")
	v.SetDefault("TRIAL_DURATION_DAYS", 7)

	v.SetDefault("CLAIM_CODE_TTL", 5*time.Minute)

	v.SetDefault("PAYMENT_CURRENCY", "CNY")
	v.SetDefault("MOCK_PAYMENT_DECLINE", false)
	v.SetDefault("PENDING_ORDER_TTL", 24*time.Hour)

	v.SetDefault("BASIC_MODELS", "gpt-4o-mini,deepseek-chat")
	v.SetDefault("PREMIUM_MODELS", "gpt-4o,claude-sonnet")

	v.SetDefault("JOBS_ENABLED", true)
	v.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@every 5m")
	v.SetDefault("STALE_ORDER_SCHEDULE", "@every 1h")

	v.SetDefault("INTERNAL_SECRET", "")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
}

// Validate 验证配置有效性，生产环境必须设置安全的密钥
func (c *Config) Validate() error {
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}

	// 检查 JWT 密钥
	if insecureDefaults[c.JWT.SecretKey] {
		return fmt.Errorf("JWT_SECRET_KEY must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.JWT.SecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters long")
	}

	// 检查内部服务密钥
	if insecureDefaults[c.InternalSecret] {
		return fmt.Errorf("INTERNAL_SECRET must be set to a secure value (current value is insecure or empty)")
	}
	if len(c.InternalSecret) < 32 {
		return fmt.Errorf("INTERNAL_SECRET must be at least 32 characters long")
	}

	if c.JWT.AccessTokenTTL <= 0 || c.JWT.RefreshTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}
	if c.Pairing.ClaimCodeTTL <= 0 {
		return fmt.Errorf("CLAIM_CODE_TTL must be positive")
	}
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		return fmt.Errorf("NODE_ID must be between 0 and 1023")
	}
	if c.Trial.Enabled && c.Trial.DurationDays <= 0 {
		return fmt.Errorf("TRIAL_DURATION_DAYS must be positive when trials are enabled")
	}

	return nil
}

// DSN builds the Postgres URL; credentials are escaped so any password works
func (c *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// splitList parses a comma separated env value, dropping blanks
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
