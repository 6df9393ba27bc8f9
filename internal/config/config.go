// Package config 配置
package config

import (
	"strconv"
	"time"

	pkgconfig "github.com/athena/checkout/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Streams
	NotifyStream        string
	NotifyConsumerGroup string
	NotifyConsumerName  string

	// Saga
	ProcessingLease time.Duration
	ResultTTL       time.Duration
	SweepSpec       string

	// Fees
	DefaultInsuranceCents int64

	// External services
	RendererBaseURL  string
	DirectoryBaseURL string

	WorkerID int64

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: pkgconfig.GetEnv("SERVICE_NAME", "checkout"),
		HTTPPort:    pkgconfig.GetEnvInt("HTTP_PORT", 8080),

		DBHost:     pkgconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:     pkgconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:     pkgconfig.GetEnv("DB_USER", "checkout"),
		DBPassword: pkgconfig.GetEnv("DB_PASSWORD", "checkout123"),
		DBName:     pkgconfig.GetEnv("DB_NAME", "checkout"),

		RedisAddr:     pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: pkgconfig.GetEnv("REDIS_PASSWORD", ""),

		NotifyStream:        pkgconfig.GetEnv("NOTIFY_STREAM", "checkout:notify"),
		NotifyConsumerGroup: pkgconfig.GetEnv("NOTIFY_CONSUMER_GROUP", "directory-notifier-group"),
		NotifyConsumerName:  pkgconfig.GetEnv("NOTIFY_CONSUMER_NAME", "directory-notifier-1"),

		ProcessingLease: pkgconfig.GetEnvDuration("PROCESSING_LEASE", 2*time.Minute),
		ResultTTL:       pkgconfig.GetEnvDuration("RESULT_TTL", 24*time.Hour),
		SweepSpec:       pkgconfig.GetEnv("SWEEP_SPEC", "@every 1m"),

		DefaultInsuranceCents: pkgconfig.GetEnvInt64("DEFAULT_INSURANCE_CENTS", 3000),

		RendererBaseURL:  pkgconfig.GetEnv("RENDERER_BASE_URL", "http://localhost:8090"),
		DirectoryBaseURL: pkgconfig.GetEnv("DIRECTORY_BASE_URL", "http://localhost:8091"),

		WorkerID: pkgconfig.GetEnvInt64("WORKER_ID", 1),

		TracingEnabled:    pkgconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint:   pkgconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: pkgconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
