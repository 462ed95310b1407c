package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义运维 HTTP 服务器的监听配置（健康检查 / 指标）
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// SMTPConfig 定义 SMTP 收信服务器的配置
type SMTPConfig struct {
	BindAddr        string        // SMTP 服务监听地址，格式 "host:port"，默认 ":25"
	Hostname        string        // SMTP 服务器域名，用于 HELO/EHLO 响应
	Domains         []string      // 启动时注册为可收信域名的列表
	MaxMessageBytes int64         // 单封邮件最大字节数，默认 25 MiB
	MaxRecipients   int           // 单封邮件最大收件人数，默认 50
	ReadTimeout     time.Duration // 读超时，默认 10s
	WriteTimeout    time.Duration // 写超时，默认 10s
	ConnPerMinute   int           // 单个来源 IP 每分钟允许的连接数，默认 60
	ConnBurst       int           // 连接限速突发额度，默认 10
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空表示仅输出到控制台
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 缓存 / 计数器服务配置
type RedisConfig struct {
	Enabled   bool   // 是否启用 Redis，关闭时退化为进程内缓存和计数器
	Address   string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password  string // Redis 认证密码，留空表示无密码
	DB        int    // Redis 数据库编号，默认 0
	KeyPrefix string // 所有键的统一前缀，默认 "mailmask"
}

// CryptoConfig 定义信封加密配置
//
// MasterKey 必须是 32 字节密钥的 hex 或 base64 编码，只存在于配置中，
// 永不落盘。PendingMasterKey 仅在密钥轮换窗口期间设置。
type CryptoConfig struct {
	MasterKey        string // 当前主密钥（hex 或 base64 编码的 32 字节）
	PendingMasterKey string // 轮换目标主密钥，平时留空
}

// RateLimitConfig 定义转发相关的限流参数
type RateLimitConfig struct {
	SenderLimit  int           // 单个发件人在窗口内允许的投递次数，默认 100
	SenderWindow time.Duration // 发件人限流窗口，默认 1h
	AliasLimit   int           // 单个别名在窗口内允许的转发次数，默认 200
	AliasWindow  time.Duration // 别名限流窗口，默认 1h
}

// GuardConfig 定义防滥用层的时间参数
type GuardConfig struct {
	MinLatency time.Duration // 每封入站邮件处理的最小耗时下限，默认 50ms
}

// LifecycleConfig 定义别名生命周期参数
type LifecycleConfig struct {
	VerificationRequired bool          // 新建别名是否需要邮箱验证，默认 false
	UnverifiedTTL        time.Duration // 未验证别名的保留时间，默认 72h
	DisabledTTL          time.Duration // 停用别名的保留时间，默认 720h (30 天)
	TokenTTL             time.Duration // 验证令牌有效期，默认 24h
	ResendCooldown       time.Duration // 同一邮箱同一用途重发令牌的冷却时间，默认 10m
	ReaperInterval       time.Duration // 清理任务运行间隔，默认 1h
	LogRetention         time.Duration // 投递日志保留时间，默认 2160h (90 天)
	CacheTTL             time.Duration // 别名目录缓存 TTL，默认 60s
}

// AlertingConfig 定义进程内告警循环配置
//
// 告警循环周期性评估内置规则（数据库断连、出站熔断器打开等），
// 触发时写结构化日志，配置了 WebhookURL 时同时推送 JSON 通知。
type AlertingConfig struct {
	Enabled    bool          // 是否启动告警循环，默认 true
	Interval   time.Duration // 规则检查间隔，默认 1m
	WebhookURL string        // 告警推送地址，留空仅写日志
}

// TransportConfig 定义出站投递通道配置
type TransportConfig struct {
	Kind         string // 通道类型: "smtp"、"ses" 或 "log"（开发用），默认 "log"
	SMTPHost     string // SMTP 中继主机
	SMTPPort     int    // SMTP 中继端口，默认 587
	SMTPUsername string // SMTP 认证用户名
	SMTPPassword string // SMTP 认证密码
	SESRegion    string // SES 区域，如 "us-east-1"
	SESAccessKey string // SES 访问密钥 ID，留空使用默认凭证链
	SESSecretKey string // SES 访问密钥
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server    ServerConfig    // 运维 HTTP 服务器配置
	SMTP      SMTPConfig      // SMTP 收信配置
	Log       LogConfig       // 日志配置
	Database  DatabaseConfig  // 数据库配置
	Redis     RedisConfig     // Redis 配置
	Crypto    CryptoConfig    // 信封加密配置
	RateLimit RateLimitConfig // 限流配置
	Guard     GuardConfig     // 防滥用配置
	Lifecycle LifecycleConfig // 生命周期配置
	Alerting  AlertingConfig  // 告警循环配置
	Transport TransportConfig // 出站投递配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILMASK_
// 例如: MAILMASK_SMTP_BIND_ADDR, MAILMASK_CRYPTO_MASTER_KEY
//
// 主密钥在这里只做非空检查，字节级校验由 crypto.ParseMasterKey 在
// 监听器启动之前完成，两处失败都会阻止进程对外服务。
func Load() (*Config, error) {
	loadEnvFile()

	viper.SetEnvPrefix("mailmask")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("smtp.bind_addr", ":25")
	viper.SetDefault("smtp.hostname", "mail.mailmask.local")
	viper.SetDefault("smtp.domains", "mailmask.local")
	viper.SetDefault("smtp.max_message_bytes", 25*1024*1024)
	viper.SetDefault("smtp.max_recipients", 50)
	viper.SetDefault("smtp.read_timeout", "10s")
	viper.SetDefault("smtp.write_timeout", "10s")
	viper.SetDefault("smtp.conn_per_minute", 60)
	viper.SetDefault("smtp.conn_burst", 10)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.file", "")
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key_prefix", "mailmask")
	viper.SetDefault("crypto.master_key", "")
	viper.SetDefault("crypto.pending_master_key", "")
	viper.SetDefault("ratelimit.sender_limit", 100)
	viper.SetDefault("ratelimit.sender_window", "1h")
	viper.SetDefault("ratelimit.alias_limit", 200)
	viper.SetDefault("ratelimit.alias_window", "1h")
	viper.SetDefault("guard.min_latency", "50ms")
	viper.SetDefault("lifecycle.verification_required", false)
	viper.SetDefault("lifecycle.unverified_ttl", "72h")
	viper.SetDefault("lifecycle.disabled_ttl", "720h")
	viper.SetDefault("lifecycle.token_ttl", "24h")
	viper.SetDefault("lifecycle.resend_cooldown", "10m")
	viper.SetDefault("lifecycle.reaper_interval", "1h")
	viper.SetDefault("lifecycle.log_retention", "2160h")
	viper.SetDefault("lifecycle.cache_ttl", "60s")
	viper.SetDefault("alerting.enabled", true)
	viper.SetDefault("alerting.interval", "1m")
	viper.SetDefault("alerting.webhook_url", "")
	viper.SetDefault("transport.kind", "log")
	viper.SetDefault("transport.smtp_host", "")
	viper.SetDefault("transport.smtp_port", 587)
	viper.SetDefault("transport.smtp_username", "")
	viper.SetDefault("transport.smtp_password", "")
	viper.SetDefault("transport.ses_region", "")
	viper.SetDefault("transport.ses_access_key", "")
	viper.SetDefault("transport.ses_secret_key", "")

	domains := parseDomains(viper.GetString("smtp.domains"))
	if len(domains) == 0 {
		return nil, fmt.Errorf("smtp.domains must not be empty")
	}

	masterKey := viper.GetString("crypto.master_key")

	// 安全检查：主密钥缺失时拒绝启动，绝不允许不加密运行
	if masterKey == "" {
		return nil, fmt.Errorf("SECURITY ERROR: master encryption key is required. Please set MAILMASK_CRYPTO_MASTER_KEY environment variable")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		SMTP: SMTPConfig{
			BindAddr:        viper.GetString("smtp.bind_addr"),
			Hostname:        viper.GetString("smtp.hostname"),
			Domains:         domains,
			MaxMessageBytes: viper.GetInt64("smtp.max_message_bytes"),
			MaxRecipients:   viper.GetInt("smtp.max_recipients"),
			ReadTimeout:     duration("smtp.read_timeout", 10*time.Second),
			WriteTimeout:    duration("smtp.write_timeout", 10*time.Second),
			ConnPerMinute:   viper.GetInt("smtp.conn_per_minute"),
			ConnBurst:       viper.GetInt("smtp.conn_burst"),
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			File:        viper.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: duration("database.conn_max_lifetime", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:   viper.GetBool("redis.enabled"),
			Address:   viper.GetString("redis.address"),
			Password:  viper.GetString("redis.password"),
			DB:        viper.GetInt("redis.db"),
			KeyPrefix: viper.GetString("redis.key_prefix"),
		},
		Crypto: CryptoConfig{
			MasterKey:        masterKey,
			PendingMasterKey: viper.GetString("crypto.pending_master_key"),
		},
		RateLimit: RateLimitConfig{
			SenderLimit:  viper.GetInt("ratelimit.sender_limit"),
			SenderWindow: duration("ratelimit.sender_window", time.Hour),
			AliasLimit:   viper.GetInt("ratelimit.alias_limit"),
			AliasWindow:  duration("ratelimit.alias_window", time.Hour),
		},
		Guard: GuardConfig{
			MinLatency: duration("guard.min_latency", 50*time.Millisecond),
		},
		Lifecycle: LifecycleConfig{
			VerificationRequired: viper.GetBool("lifecycle.verification_required"),
			UnverifiedTTL:        duration("lifecycle.unverified_ttl", 72*time.Hour),
			DisabledTTL:          duration("lifecycle.disabled_ttl", 720*time.Hour),
			TokenTTL:             duration("lifecycle.token_ttl", 24*time.Hour),
			ResendCooldown:       duration("lifecycle.resend_cooldown", 10*time.Minute),
			ReaperInterval:       duration("lifecycle.reaper_interval", time.Hour),
			LogRetention:         duration("lifecycle.log_retention", 2160*time.Hour),
			CacheTTL:             duration("lifecycle.cache_ttl", 60*time.Second),
		},
		Alerting: AlertingConfig{
			Enabled:    viper.GetBool("alerting.enabled"),
			Interval:   duration("alerting.interval", time.Minute),
			WebhookURL: viper.GetString("alerting.webhook_url"),
		},
		Transport: TransportConfig{
			Kind:         viper.GetString("transport.kind"),
			SMTPHost:     viper.GetString("transport.smtp_host"),
			SMTPPort:     viper.GetInt("transport.smtp_port"),
			SMTPUsername: viper.GetString("transport.smtp_username"),
			SMTPPassword: viper.GetString("transport.smtp_password"),
			SESRegion:    viper.GetString("transport.ses_region"),
			SESAccessKey: viper.GetString("transport.ses_access_key"),
			SESSecretKey: viper.GetString("transport.ses_secret_key"),
		},
	}

	return cfg, nil
}

// duration 读取时长配置，解析失败时回退到默认值
func duration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil {
		return fallback
	}
	return d
}

// parseDomains 将逗号分隔的域名字符串解析为小写域名数组
func parseDomains(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(part))
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 如果文件不存在则静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
